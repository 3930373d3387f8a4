package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFileName 插件清单文件名
const ManifestFileName = "pocketpaw.json"

// Manifest 插件清单 pocketpaw.json
type Manifest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`

	// Lifecycle commands, run in the plugin directory.
	StartCmd   string `json:"start_cmd"`
	InstallCmd string `json:"install_cmd,omitempty"`
	StopCmd    string `json:"stop_cmd,omitempty"`

	Port     int               `json:"port,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Requires []string          `json:"requires,omitempty"`

	OpenAPIPath string `json:"openapi_path,omitempty"`
	WebView     bool   `json:"web_view,omitempty"`
	WebViewPath string `json:"web_view_path,omitempty"`
}

// LoadManifest loads and validates the manifest in a plugin directory.
// The manifest id must match the directory name.
func LoadManifest(pluginDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("no manifest in %s: %w", pluginDir, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if dirName := filepath.Base(pluginDir); m.ID != dirName {
		return nil, fmt.Errorf("manifest id %q does not match directory %q", m.ID, dirName)
	}

	return &m, nil
}

// Validate checks the manifest invariants.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("missing required field: id")
	}
	if m.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if m.Port != 0 && (m.Port < 1 || m.Port > 65535) {
		return fmt.Errorf("port %d out of range [1,65535]", m.Port)
	}
	return nil
}

// Launchable reports whether the plugin declares a start command.
func (m *Manifest) Launchable() bool {
	return m.StartCmd != ""
}

package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
)

// Registry 插件注册表：扫描插件目录并解析清单
type Registry struct {
	logger     *zap.Logger
	pluginsDir string
}

// NewRegistry 创建插件注册表
func NewRegistry(pluginsDir string, logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger.With(zap.String("component", "plugin-registry")),
		pluginsDir: pluginsDir,
	}
}

// Dir returns the plugins root directory.
func (r *Registry) Dir() string {
	return r.pluginsDir
}

// PluginDir returns the directory for a plugin id.
func (r *Registry) PluginDir(id string) string {
	return filepath.Join(r.pluginsDir, id)
}

// List scans the plugins directory and returns every valid manifest.
// Directories without a manifest are skipped, not errors. Dot-prefixed
// directories are invisible; the installer stages new installs there.
func (r *Registry) List() []*Manifest {
	entries, err := os.ReadDir(r.pluginsDir)
	if err != nil {
		return nil
	}

	var manifests []*Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := LoadManifest(filepath.Join(r.pluginsDir, e.Name()))
		if err != nil {
			r.logger.Debug("skipping directory without valid manifest",
				zap.String("dir", e.Name()),
				zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests
}

// Get returns the manifest for one installed plugin.
func (r *Registry) Get(id string) (*Manifest, error) {
	m, err := LoadManifest(r.PluginDir(id))
	if err != nil {
		return nil, apperrors.NewNotFoundError("plugin " + id)
	}
	return m, nil
}

// PortOwners returns the ids of all installed plugins declaring the port.
func (r *Registry) PortOwners(port int) []string {
	if port == 0 {
		return nil
	}
	var owners []string
	for _, m := range r.List() {
		if m.Port == port {
			owners = append(owners, m.ID)
		}
	}
	return owners
}

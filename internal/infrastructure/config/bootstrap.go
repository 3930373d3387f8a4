package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const defaultConfigYAML = `# PocketPaw gateway configuration
# Values here are overridden by a project-local config.yaml and by
# POCKETPAW_* environment variables.

gateway:
  host: 127.0.0.1
  port: 18790
  mode: local

log:
  level: info
  format: json

backend:
  name: claude
  type: claude

# telegram:
#   bot_token: ""
#   allow_ids: []

aifastapi:
  host: 127.0.0.1
  port: 8100
  backend_chain: [g4f, ollama]
  max_rotate_retry: 3
`

// Bootstrap ensures ~/.pocketpaw exists with its directory tree and a
// default config file. Safe to call repeatedly, user edits are never
// overwritten.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "plugins"),
		filepath.Join(root, "actor"),
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
			logger.Warn("Failed to write default config", zap.String("path", configPath), zap.Error(err))
		} else {
			logger.Info("PocketPaw bootstrap complete", zap.String("home", root))
			return nil
		}
	}

	logger.Debug("PocketPaw home directory OK", zap.String("home", root))
	return nil
}

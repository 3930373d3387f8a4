package plugin

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
)

// installTimeout bounds the install command, not the unpack.
const installTimeout = 300 * time.Second

// Installer 插件安装器
// Installs are staged and promoted in one rename: a failure discards the
// staging directory, and a reinstall replaces the previous content.
type Installer struct {
	logger   *zap.Logger
	registry *Registry
}

// NewInstaller 创建插件安装器
func NewInstaller(registry *Registry, logger *zap.Logger) *Installer {
	return &Installer{
		logger:   logger.With(zap.String("component", "plugin-installer")),
		registry: registry,
	}
}

// Install resolves the source kind, unpacks the plugin into the plugins
// directory, and runs its install command. Returns the plugin id.
//
// Accepted sources: "builtin:<id>", a git URL, a local directory, or a
// zip archive path.
func (i *Installer) Install(ctx context.Context, source string) (string, error) {
	switch {
	case strings.HasPrefix(source, "builtin:"):
		return i.installBuiltin(ctx, strings.TrimPrefix(source, "builtin:"))
	case isGitURL(source):
		return i.installGit(ctx, source)
	case strings.HasSuffix(source, ".zip"):
		return i.installArchive(ctx, source)
	default:
		return i.installDir(ctx, source)
	}
}

func (i *Installer) installBuiltin(ctx context.Context, id string) (string, error) {
	entry, ok := LookupGallery(id)
	if !ok {
		return "", apperrors.NewNotFoundError("builtin plugin " + id)
	}
	if err := entry.Validate(); err != nil {
		return "", apperrors.NewInternalErrorWithCause("bad gallery entry", err)
	}

	switch {
	case len(entry.Files) > 0:
		staging, final, err := i.claimDest(entry.ID)
		if err != nil {
			return "", err
		}
		return entry.ID, i.finish(ctx, staging, final, func() error {
			for path, content := range entry.Files {
				full := filepath.Join(staging, path)
				if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
					return err
				}
			}
			return nil
		})
	case entry.GitURL != "":
		return i.cloneInto(ctx, entry.ID, entry.GitURL)
	default:
		staging, final, err := i.claimDest(entry.ID)
		if err != nil {
			return "", err
		}
		return entry.ID, i.finish(ctx, staging, final, func() error {
			return copyTree(entry.SourceDir, staging)
		})
	}
}

func (i *Installer) installGit(ctx context.Context, url string) (string, error) {
	id := strings.TrimSuffix(filepath.Base(url), ".git")
	return i.cloneInto(ctx, id, url)
}

func (i *Installer) cloneInto(ctx context.Context, id, url string) (string, error) {
	staging, final, err := i.claimDest(id)
	if err != nil {
		return "", err
	}
	return id, i.finish(ctx, staging, final, func() error {
		cloneCtx, cancel := context.WithTimeout(ctx, installTimeout)
		defer cancel()

		cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", url, staging)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git clone: %w: %s", err, tail(string(out), 200))
		}
		// The clone is a snapshot, not a working repo.
		return os.RemoveAll(filepath.Join(staging, ".git"))
	})
}

func (i *Installer) installDir(ctx context.Context, src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", apperrors.NewInvalidInputError(fmt.Sprintf("not an installable source: %s", src))
	}
	id := filepath.Base(src)
	staging, final, err := i.claimDest(id)
	if err != nil {
		return "", err
	}
	return id, i.finish(ctx, staging, final, func() error {
		return copyTree(src, staging)
	})
}

func (i *Installer) installArchive(ctx context.Context, archivePath string) (string, error) {
	id := strings.TrimSuffix(filepath.Base(archivePath), ".zip")
	staging, final, err := i.claimDest(id)
	if err != nil {
		return "", err
	}
	return id, i.finish(ctx, staging, final, func() error {
		return unzip(archivePath, staging)
	})
}

// claimDest prepares a fresh staging directory next to the plugin's
// final directory. The install is promoted only after every step
// succeeds, so reinstalling replaces the previous content and a failure
// leaves it untouched.
func (i *Installer) claimDest(id string) (string, string, error) {
	if err := validatePluginID(id); err != nil {
		return "", "", err
	}
	final := i.registry.PluginDir(id)
	staging := filepath.Join(filepath.Dir(final), "."+id+".partial")
	if err := os.RemoveAll(staging); err != nil {
		return "", "", apperrors.NewInternalErrorWithCause("clear staging dir", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", "", apperrors.NewInternalErrorWithCause("create staging dir", err)
	}
	return staging, final, nil
}

// finish runs the unpack step and the manifest's install command inside
// the staging directory, then swaps it into place.
func (i *Installer) finish(ctx context.Context, staging, final string, unpack func() error) (err error) {
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	if err = unpack(); err != nil {
		return fmt.Errorf("unpack plugin: %w", err)
	}
	if err = markScriptsExecutable(staging); err != nil {
		return err
	}

	manifest, err := LoadManifest(staging)
	if err != nil {
		return err
	}
	if manifest.InstallCmd != "" {
		installCtx, cancel := context.WithTimeout(ctx, installTimeout)
		defer cancel()

		i.logger.Info("running plugin install command",
			zap.String("plugin", manifest.ID),
			zap.String("cmd", manifest.InstallCmd))

		cmd := exec.CommandContext(installCtx, "/bin/sh", "-c", manifest.InstallCmd)
		cmd.Dir = staging
		cmd.Env = installEnv(staging, manifest.Env)
		if out, runErr := cmd.CombinedOutput(); runErr != nil {
			err = fmt.Errorf("install command: %w: %s", runErr, tail(string(out), 200))
			return err
		}
	}

	if err = os.RemoveAll(final); err != nil {
		return apperrors.NewInternalErrorWithCause("replace previous install", err)
	}
	if err = os.Rename(staging, final); err != nil {
		return apperrors.NewInternalErrorWithCause("promote install", err)
	}
	return nil
}

// installEnv overlays the plugin venv scripts dir onto PATH so install
// commands see tools from a previously created virtualenv.
func installEnv(pluginDir string, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	venvBin := filepath.Join(pluginDir, "venv", "bin")
	env = append(env, "PATH="+venvBin+string(os.PathListSeparator)+os.Getenv("PATH"))
	return env
}

func validatePluginID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid plugin id: %q", id))
	}
	return nil
}

func isGitURL(s string) bool {
	return strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "git@") ||
		strings.HasSuffix(s, ".git")
}

func markScriptsExecutable(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".sh") || filepath.Base(filepath.Dir(path)) == "bin" {
			return os.Chmod(path, 0o755)
		}
		return nil
	})
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

func unzip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		// Zip-slip guard.
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Package installer provisions the guest's overlay mesh daemon and cluster
// agent. Every operation is idempotent: the guest image may ship with either
// component pre-installed, partially installed, or absent.
package installer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Mesh daemon install targets. The archive layout mirrors the upstream
// static bundle: <bundle>/tailscale, <bundle>/tailscaled,
// <bundle>/systemd/tailscaled.service, <bundle>/systemd/tailscaled.defaults.
const (
	meshClientPath   = "/usr/bin/tailscale"
	meshDaemonPath   = "/usr/sbin/tailscaled"
	meshUnitPath     = "/etc/systemd/system/tailscaled.service"
	meshDefaultsPath = "/etc/default/tailscaled"
	meshUnitName     = "tailscaled"
)

// RunFunc executes a command and returns its combined output. Installer
// methods shell out through this so tests can intercept every invocation.
type RunFunc func(name string, args ...string) (string, error)

// Installer installs the mesh daemon and the cluster agent on the guest.
type Installer struct {
	run         RunFunc
	runEnv      func(env []string, name string, args ...string) (string, error) // nil outside tests
	fsRoot      string // prefix for all file targets; "" in production
	archivePath string // bundled mesh tgz
	logger      *zap.Logger
}

// New returns an installer shelling out for real.
func New(archivePath string, logger *zap.Logger) *Installer {
	return &Installer{run: realRun, archivePath: archivePath, logger: logger}
}

func (i *Installer) path(p string) string {
	return filepath.Join(i.fsRoot, p)
}

func (i *Installer) serviceActive(unit string) bool {
	_, err := i.run("systemctl", "is-active", "--quiet", unit)
	return err == nil
}

// InstallMesh makes the overlay daemon installed, enabled and stopped-down.
// An already-active daemon is only brought down (a later `up --authkey`
// joins the mesh with fresh credentials); otherwise the bundled archive is
// extracted, binaries and unit files are placed, and the service is enabled
// and started before the interface is downed.
func (i *Installer) InstallMesh() error {
	if i.serviceActive(meshUnitName) {
		if _, err := i.run("tailscale", "down"); err != nil {
			return fmt.Errorf("mesh: bring interface down: %w", err)
		}
		i.logger.Info("Mesh daemon already active")
		return nil
	}

	// A masked unit from a previous image build would make enable fail.
	if _, err := i.run("systemctl", "unmask", meshUnitName+".service"); err != nil {
		i.logger.Debug("Mesh unit unmask", zap.Error(err))
	}

	scratch, err := os.MkdirTemp("", "mesh-bundle-*")
	if err != nil {
		return fmt.Errorf("mesh: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	bundle, err := extractBundle(i.archivePath, scratch)
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	installs := []struct {
		src, dst string
		mode     os.FileMode
	}{
		{filepath.Join(bundle, "tailscale"), i.path(meshClientPath), 0o755},
		{filepath.Join(bundle, "tailscaled"), i.path(meshDaemonPath), 0o755},
		{filepath.Join(bundle, "systemd", "tailscaled.service"), i.path(meshUnitPath), 0o644},
		{filepath.Join(bundle, "systemd", "tailscaled.defaults"), i.path(meshDefaultsPath), 0o644},
	}
	for _, f := range installs {
		if err := copyFile(f.src, f.dst, f.mode); err != nil {
			return fmt.Errorf("mesh: install %s: %w", f.dst, err)
		}
	}

	if _, err := i.run("systemctl", "enable", meshUnitName); err != nil {
		return fmt.Errorf("mesh: enable service: %w", err)
	}
	if _, err := i.run("systemctl", "start", meshUnitName); err != nil {
		return fmt.Errorf("mesh: start service: %w", err)
	}
	if !i.serviceActive(meshUnitName) {
		return fmt.Errorf("mesh: service not active after start")
	}
	if _, err := i.run("tailscale", "down"); err != nil {
		return fmt.Errorf("mesh: bring interface down: %w", err)
	}
	i.logger.Info("Mesh daemon installed")
	return nil
}

// extractBundle unpacks a .tgz into dst and returns the single top-level
// bundle directory it contains.
func extractBundle(archivePath, dst string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("archive is not gzip: %w", err)
	}
	defer gz.Close()

	var topLevel string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		if topLevel == "" {
			topLevel = strings.SplitN(name, string(filepath.Separator), 2)[0]
		}
		target := filepath.Join(dst, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return "", err
			}
			out.Close()
		}
	}
	if topLevel == "" {
		return "", fmt.Errorf("archive is empty")
	}
	return filepath.Join(dst, topLevel), nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// Package binary locates and, when missing, acquires the managed
// wireproxy executable. The supervisor core only consumes the resolved
// path and the version string.
package binary

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const releaseURL = "https://github.com/whyvl/wireproxy/releases/latest/download/%s"

// Manager resolves the wireproxy binary under the install directory and
// can download a release build for the current platform.
type Manager struct {
	installDir string
}

// New returns a manager rooted at installDir.
func New(installDir string) *Manager {
	return &Manager{installDir: installDir}
}

// Path returns the expected location of the wireproxy executable.
func (m *Manager) Path() string {
	return filepath.Join(m.installDir, "wireproxy")
}

// Exists reports whether the binary is present as a regular file.
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.Path())
	return err == nil && info.Mode().IsRegular()
}

// Version runs `wireproxy -v` and returns the trimmed output. The
// fallback strings match what ends up in session log headers when the
// binary is unusable.
func (m *Manager) Version() string {
	if !m.Exists() {
		return "Unknown (binary not found)"
	}

	out, err := exec.Command(m.Path(), "-v").CombinedOutput()
	if err != nil {
		return "Unknown (failed to run)"
	}
	return strings.TrimSpace(string(out))
}

// EnsureAvailable downloads and installs the latest wireproxy release
// when the binary is missing. Returns an error when the platform is
// unsupported or the download or extraction fails.
func (m *Manager) EnsureAvailable() error {
	if m.Exists() {
		return nil
	}

	filename, err := releaseFilename(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	url := fmt.Sprintf(releaseURL, filename)
	slog.Info("Downloading WireProxy", "url", url)

	if err := os.MkdirAll(m.installDir, 0o755); err != nil {
		return fmt.Errorf("failed to create install directory: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download wireproxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := m.extractBinary(resp.Body); err != nil {
		return err
	}

	slog.Info("WireProxy installed", "path", m.Path(), "version", m.Version())
	return nil
}

// extractBinary pulls the wireproxy member out of the gzipped release
// tarball and installs it executable.
func (m *Manager) extractBinary(archive io.Reader) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("wireproxy binary not found in archive")
		}
		if err != nil {
			return fmt.Errorf("failed to extract archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != "wireproxy" {
			continue
		}

		tmp, err := os.CreateTemp(m.installDir, "wireproxy-*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to write binary: %w", err)
		}
		if err := tmp.Chmod(0o755); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to mark binary executable: %w", err)
		}
		tmp.Close()

		if err := os.Rename(tmp.Name(), m.Path()); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to install binary: %w", err)
		}
		return nil
	}
}

// releaseFilename maps GOOS/GOARCH onto the wireproxy release asset
// naming scheme. Linux aarch64 builds are published under "arm".
func releaseFilename(goos, goarch string) (string, error) {
	var arch string
	switch {
	case goarch == "amd64":
		arch = "amd64"
	case goarch == "arm64" && goos == "darwin":
		arch = "arm64"
	case (goarch == "arm64" || goarch == "arm") && goos == "linux":
		arch = "arm"
	default:
		return "", fmt.Errorf("unsupported architecture: %s/%s", goos, goarch)
	}

	filename := fmt.Sprintf("wireproxy_%s_%s.tar.gz", goos, arch)
	switch filename {
	case "wireproxy_darwin_amd64.tar.gz",
		"wireproxy_darwin_arm64.tar.gz",
		"wireproxy_linux_amd64.tar.gz",
		"wireproxy_linux_arm.tar.gz":
		return filename, nil
	}
	return "", fmt.Errorf("unsupported platform: %s/%s", goos, goarch)
}

//go:build cgo

package embeddings

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// DefaultONNXRuntimeVersion is the ONNX runtime release fastembed-go loads.
const DefaultONNXRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform means no ONNX runtime build exists for GOOS/GOARCH.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

const onnxReleaseBase = "https://github.com/microsoft/onnxruntime/releases/download"

// onnxRelease identifies one prebuilt runtime archive.
type onnxRelease struct {
	version string
	goos    string
	goarch  string
}

func currentRelease(version string) onnxRelease {
	if version == "" {
		version = DefaultONNXRuntimeVersion
	}
	return onnxRelease{version: version, goos: runtime.GOOS, goarch: runtime.GOARCH}
}

// platform returns the archive's platform tag, e.g. "linux-x64".
func (r onnxRelease) platform() (string, error) {
	switch r.goos + "/" + r.goarch {
	case "linux/amd64":
		return "linux-x64", nil
	case "linux/arm64":
		return "linux-aarch64", nil
	case "darwin/amd64":
		return "osx-x86_64", nil
	case "darwin/arm64":
		return "osx-arm64", nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, r.goos, r.goarch)
}

func (r onnxRelease) libName() string {
	if r.goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// archiveURL is the release download under base.
func (r onnxRelease) archiveURL(base string) (string, error) {
	p, err := r.platform()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v%s/onnxruntime-%s-%s.tgz", base, r.version, p, r.version), nil
}

// libPrefix is the archive directory holding the shared libraries.
func (r onnxRelease) libPrefix() string {
	p, _ := r.platform()
	return fmt.Sprintf("onnxruntime-%s-%s/lib/", p, r.version)
}

func onnxDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "knowledged", "lib")
}

// GetONNXLibraryPath returns ONNX_PATH when set, else the managed install
// under ~/.local/share/knowledged/lib when present, else "".
func GetONNXLibraryPath() string {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p
	}
	p := filepath.Join(onnxDir(), currentRelease("").libName())
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// ONNXRuntimeExists reports whether a runtime library can be located.
func ONNXRuntimeExists() bool {
	return GetONNXLibraryPath() != ""
}

// DownloadONNXRuntime installs the runtime for this platform into the
// managed directory. An empty version selects DefaultONNXRuntimeVersion.
func DownloadONNXRuntime(ctx context.Context, version string) error {
	return installRelease(ctx, http.DefaultClient, onnxReleaseBase, currentRelease(version), onnxDir())
}

func installRelease(ctx context.Context, client *http.Client, base string, rel onnxRelease, dir string) error {
	url, err := rel.archiveURL(base)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("onnx install dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}
	if err := unpackLibs(resp.Body, dir, rel.libPrefix(), rel.libName()); err != nil {
		return fmt.Errorf("unpacking %s: %w", path.Base(url), err)
	}
	return nil
}

// unpackLibs copies the entries under prefix into dir, flattened to their
// base names. Each file lands through a rename so a reader never loads a
// partial library.
func unpackLibs(r io.Reader, dir, prefix, libName string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	found := false
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(name, prefix) || hdr.Typeflag == tar.TypeDir {
			continue
		}
		base := path.Base(name)
		dst := filepath.Join(dir, base)
		isLib := base == libName || strings.HasPrefix(base, libName+".")

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			_ = os.Remove(dst)
			if err := os.Symlink(hdr.Linkname, dst); err == nil && isLib {
				found = true
			}
		case tar.TypeReg:
			if err := writeFileAtomic(dst, tr); err != nil {
				return err
			}
			found = found || isLib
		}
	}
	if !found {
		return fmt.Errorf("%s not found in archive", libName)
	}
	return nil
}

func writeFileAtomic(dst string, src io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".onnx-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(dst), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// EnsureONNXRuntime returns the runtime library path, downloading the
// default release first when none is installed. fastembed-go reads the
// location from ONNX_PATH, which is set after a download.
func EnsureONNXRuntime(ctx context.Context, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p := GetONNXLibraryPath(); p != "" {
		return p, nil
	}

	logger.Info("onnx runtime not found, downloading",
		zap.String("version", DefaultONNXRuntimeVersion),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))
	if err := DownloadONNXRuntime(ctx, ""); err != nil {
		return "", fmt.Errorf("%w (set ONNX_PATH to use an existing install)", err)
	}
	p := GetONNXLibraryPath()
	if p == "" {
		return "", errors.New("onnx runtime downloaded but library not found")
	}
	if err := os.Setenv("ONNX_PATH", p); err != nil {
		return "", fmt.Errorf("setting ONNX_PATH: %w", err)
	}
	logger.Info("onnx runtime installed", zap.String("path", p))
	return p, nil
}

package plugins

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Layout locates the deploy and install directories of a plugin repository.
type Layout struct {
	InstallDir string
	DeployDir  string
}

// forArtifact fills empty directories from an installed artifact path: the
// install directory is its parent and the deploy directory a sibling "deploy".
func (l Layout) forArtifact(path string) Layout {
	dir := filepath.Dir(path)
	if l.InstallDir == "" {
		l.InstallDir = dir
	}
	if l.DeployDir == "" {
		l.DeployDir = filepath.Join(filepath.Dir(dir), "deploy")
	}
	return l
}

// DeployPath is where a new build of stem is dropped.
func (l Layout) DeployPath(stem, ext string) string {
	return filepath.Join(l.DeployDir, stem+ext)
}

// InstallPath names an installed copy of stem, versioned by a unix timestamp.
func (l Layout) InstallPath(stem, ext string, ts int64) string {
	return filepath.Join(l.InstallDir, fmt.Sprintf("%s.%d%s", stem, ts, ext))
}

// ArtifactStem returns the file name up to its first dot.
func ArtifactStem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// ArtifactExt returns the final extension including the dot.
func ArtifactExt(path string) string {
	return filepath.Ext(path)
}

// ParseInstalledName splits "stem.<ts>.ext" into stem and timestamp.
func ParseInstalledName(path string) (stem string, ts int64, ok bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], ts, true
}

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

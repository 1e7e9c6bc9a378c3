// Package archive unpacks release archives and swaps component trees.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ErrUnsupported is returned for archive names Extract cannot handle.
var ErrUnsupported = errors.New("unsupported archive format")

// Extract unpacks src into dest, which is created if needed. The format is
// chosen by file name: .zip, .tar.gz or .tgz. Entries escaping dest are rejected.
func Extract(ctx context.Context, src, dest string) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, src, dest)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(ctx, src, dest)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(src))
}

func target(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	p := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return p, nil
}

func extractZip(ctx context.Context, src, dest string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = zr.Close() }()
	n := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p, err := target(dest, f.Name)
		if err != nil {
			return n, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return n, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return n, err
		}
		err = writeFile(p, rc, f.Mode())
		_ = rc.Close()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractTarGz(ctx context.Context, src, dest string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		p, err := target(dest, h.Name)
		if err != nil {
			return n, err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return n, err
			}
		case tar.TypeReg:
			if err := writeFile(p, tr, h.FileInfo().Mode()); err != nil {
				return n, err
			}
			n++
		case tar.TypeSymlink:
			if filepath.IsAbs(h.Linkname) {
				return n, fmt.Errorf("illegal link in archive: %s -> %s", h.Name, h.Linkname)
			}
			if _, err := target(dest, filepath.Join(filepath.Dir(filepath.FromSlash(h.Name)), h.Linkname)); err != nil {
				return n, err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return n, err
			}
			_ = os.Remove(p)
			if err := os.Symlink(h.Linkname, p); err != nil {
				return n, err
			}
		}
	}
}

func writeFile(p string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

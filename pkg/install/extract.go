package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// extractTarGz unpacks a gzip tarball into dest, stripping the archive's
// single root directory ("package/" for npm tarballs).
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("abs dest: %w", err)
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return fmt.Errorf("mkdir dest: %w", err)
	}

	tr := tar.NewReader(gz)
	var root string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		if isMetadataHeader(hdr.Typeflag) {
			continue
		}

		name, err := normalizeTarPath(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		first, rest, _ := strings.Cut(name, "/")
		if root == "" {
			root = first
		} else if first != root {
			return fmt.Errorf("archive has more than one root: %q and %q", root, first)
		}
		if rest == "" {
			continue
		}

		target, err := secureJoin(absDest, rest)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()|0o600); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("absolute symlink rejected: %s", hdr.Linkname)
			}
			if _, err := secureJoin(absDest, path.Join(path.Dir(rest), hdr.Linkname)); err != nil {
				return fmt.Errorf("symlink %s: %w", hdr.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkparent: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink: %w", err)
			}
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkparent: %w", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return out.Close()
}

func isMetadataHeader(t byte) bool {
	switch t {
	case tar.TypeXHeader, tar.TypeXGlobalHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
		return true
	}
	return false
}

func normalizeTarPath(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, "\\", "/")
	cleaned = path.Clean(strings.TrimSpace(cleaned))
	cleaned = strings.TrimPrefix(cleaned, "./")

	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes root: %q", name)
	}
	if strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("absolute path in archive: %q", name)
	}
	return cleaned, nil
}

// secureJoin joins name onto base and rejects results outside base.
func secureJoin(base, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute path in archive: %q", name)
	}
	full := filepath.Join(base, clean)
	if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes dest: %q", name)
	}
	return full, nil
}

package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/codervisor/clawden/internal/agent/agenterr"
)

type artifactKind int

const (
	kindRaw artifactKind = iota
	kindTarGz
	kindTarZst
)

func kindOf(source string) artifactKind {
	s := strings.ToLower(source)
	switch {
	case strings.HasSuffix(s, ".tar.gz"), strings.HasSuffix(s, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(s, ".tar.zst"), strings.HasSuffix(s, ".tzst"):
		return kindTarZst
	}
	return kindRaw
}

// unpack places artifact into dest and returns the executable's path
// relative to dest.
func unpack(artifact string, kind artifactKind, dest, name string) (string, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	switch kind {
	case kindTarGz:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("%w: gzip: %v", agenterr.ErrInstallValidationFailed, err)
		}
		defer func() { _ = zr.Close() }()
		if err := untar(zr, dest); err != nil {
			return "", err
		}
	case kindTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("%w: zstd: %v", agenterr.ErrInstallValidationFailed, err)
		}
		defer zr.Close()
		if err := untar(zr, dest); err != nil {
			return "", err
		}
	default:
		out, err := os.OpenFile(filepath.Join(dest, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return "", err
		}
		_, copyErr := io.Copy(out, f)
		if err := errors.Join(copyErr, out.Close()); err != nil {
			return "", err
		}
		return name, nil
	}
	return findExecutable(dest, name)
}

func untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", agenterr.ErrInstallValidationFailed, err)
		}
		clean := filepath.Clean(hdr.Name)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: archive entry %q escapes install dir", agenterr.ErrInstallValidationFailed, hdr.Name)
		}
		target := filepath.Join(dest, clean)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			if err := errors.Join(copyErr, out.Close()); err != nil {
				return err
			}
		default:
			// links and devices are not needed by runtime bundles
		}
	}
}

// findExecutable locates the file named name under dest, preferring the
// shallowest match.
func findExecutable(dest, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != name {
			return nil
		}
		rel, _ := filepath.Rel(dest, p)
		if found == "" || strings.Count(rel, string(filepath.Separator)) < strings.Count(found, string(filepath.Separator)) {
			found = rel
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: archive has no %q executable", agenterr.ErrInstallValidationFailed, name)
	}
	return found, nil
}

func validateExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrInstallValidationFailed, err)
	}
	switch {
	case !st.Mode().IsRegular():
		return fmt.Errorf("%w: %s is not a regular file", agenterr.ErrInstallValidationFailed, path)
	case st.Size() == 0:
		return fmt.Errorf("%w: %s is empty", agenterr.ErrInstallValidationFailed, path)
	case st.Mode().Perm()&0o111 == 0:
		return fmt.Errorf("%w: %s is not executable", agenterr.ErrInstallValidationFailed, path)
	}
	return nil
}

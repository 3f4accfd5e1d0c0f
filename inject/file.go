package inject

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// fileWithinDir returns true if filePath resolves to a location inside dirPath.
func fileWithinDir(filePath, dirPath string) (bool, error) {
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(filepath.Clean(absDir), filepath.Clean(absFile))
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(filepath.ToSlash(rel), "../"), nil
}

// replaceFile moves source over destination.
func replaceFile(source, destination string) error {
	if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(source, destination) // requires same filesystem
}

// CopyFile copies src to dst, keeping the permission bits of src.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

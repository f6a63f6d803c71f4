package qpkg

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// syncPackage copies a package's install destination tree into the sysroot
// and removes whatever the previous FILES manifest recorded that the new tree
// no longer produces. It returns the new manifest content, already persisted.
func syncPackage(cfg *Config, name, destDir string) ([]string, error) {
	info, err := os.Stat(destDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("dest dir %s doesn't exist", destDir)
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute dest dir: %w", err)
	}

	previous, err := readManifest(manifestPath(cfg, name))
	if err != nil {
		return nil, err
	}

	sysroot := cfg.General.Sysroot
	var files []string

	err = filepath.WalkDir(absDest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absDest, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if cfg.General.StripLa && strings.HasSuffix(rel, ".la") {
			debugf("stripping libtool archive %s\n", rel)
			return nil
		}
		if cfg.General.StripDocs && underPath(rel, cfg.General.DocsDir) {
			debugf("stripping documentation %s\n", rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		full := filepath.Join(sysroot, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to resolve symlink %s: %w", path, err)
			}
			if err := os.Symlink(target, full); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s: %w", full, err)
			}
		case d.IsDir():
			if err := os.MkdirAll(full, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", full, err)
			}
		default:
			// A previous sync may have left the target read-only; widen
			// owner/group write so the copy can overwrite it.
			if st, err := os.Stat(full); err == nil {
				if err := os.Chmod(full, st.Mode().Perm()|0o220); err != nil {
					return fmt.Errorf("failed to set permissions on %s: %w", full, err)
				}
			}
			if err := copyFile(path, full); err != nil {
				return fmt.Errorf("failed to copy %s to %s: %w", path, full, err)
			}
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := removeStale(sysroot, previous, files); err != nil {
		return nil, err
	}

	if err := writeManifest(manifestPath(cfg, name), files); err != nil {
		return nil, err
	}
	return files, nil
}

// underPath reports whether rel lies at or below dir (both sysroot-relative).
func underPath(rel, dir string) bool {
	if dir == "" {
		return false
	}
	return rel == dir || strings.HasPrefix(rel, dir+string(os.PathSeparator))
}

// removeStale deletes paths present in the previous manifest but absent from
// the new one. The previous manifest lists parents before children, so it is
// processed in reverse: files go before the directories that contain them.
func removeStale(sysroot string, previous, current []string) error {
	live := make(map[string]bool, len(current))
	for _, f := range current {
		live[f] = true
	}

	for i := len(previous) - 1; i >= 0; i-- {
		rel := strings.TrimSpace(previous[i])
		if rel == "" || live[rel] {
			continue
		}

		path := filepath.Join(sysroot, rel)
		err := unix.Rmdir(path)
		switch err {
		case nil, unix.ENOENT:
			continue
		case unix.ENOTEMPTY, unix.EEXIST:
			// Still-live files from other packages occupy the directory.
			continue
		case unix.ENOTDIR:
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("failed to remove %s: %w", path, rmErr)
			}
		default:
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

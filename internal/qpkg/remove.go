package qpkg

import (
	"fmt"
	"os"
)

// removePackage deletes a package's files from the sysroot using its FILES
// manifest, then drops the manifest itself. Directories still holding files
// from other packages survive. This is the `qpkg remove` op.
func removePackage(cfg *Config, name string) error {
	path := manifestPath(cfg, name)
	manifest, err := readManifest(path)
	if err != nil {
		return err
	}
	if len(manifest) == 0 {
		return fmt.Errorf("package %s is not installed (no manifest at %s)", name, path)
	}

	infof("removing %s from %s\n", name, cfg.General.Sysroot)
	if err := removeStale(cfg.General.Sysroot, manifest, nil); err != nil {
		return err
	}

	if err := os.RemoveAll(cfg.metaDir(name)); err != nil {
		return fmt.Errorf("failed to remove metadata for %s: %w", name, err)
	}
	infof("removed %s (%d entries)\n", name, len(manifest))
	return nil
}

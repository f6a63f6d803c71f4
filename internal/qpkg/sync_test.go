package qpkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncTestConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{General: GeneralConfig{
		Sysroot: filepath.Join(root, "sysroot"),
		MetaDir: filepath.Join(root, "meta"),
	}}
	require.NoError(t, os.MkdirAll(cfg.General.Sysroot, 0o755))
	return cfg
}

func TestSyncPackageCopiesTree(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "usr/bin/tool"), "#!/bin/sh\n")
	writeTestFile(t, filepath.Join(dest, "usr/lib/libfoo.so.1"), "elf")
	require.NoError(t, os.Symlink("libfoo.so.1", filepath.Join(dest, "usr/lib/libfoo.so")))

	files, err := syncPackage(cfg, "foo", dest)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/bin/tool"))
	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/libfoo.so.1"))
	link, err := os.Readlink(filepath.Join(cfg.General.Sysroot, "usr/lib/libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so.1", link)

	// The manifest lists parents before children, in walk order.
	assert.Contains(t, files, "usr/bin/tool")
	assert.Less(t, indexOf(files, "usr"), indexOf(files, "usr/bin"))
	assert.Less(t, indexOf(files, "usr/bin"), indexOf(files, "usr/bin/tool"))

	stored, err := readManifest(manifestPath(cfg, "foo"))
	require.NoError(t, err)
	assert.Equal(t, files, stored)
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

func TestSyncPackageIdempotent(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "etc/app.conf"), "key=1\n")
	require.NoError(t, os.Symlink("app.conf", filepath.Join(dest, "etc/app.link")))

	first, err := syncPackage(cfg, "app", dest)
	require.NoError(t, err)
	second, err := syncPackage(cfg, "app", dest)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSyncPackageOverwritesReadOnly(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "usr/share/data"), "new")

	// A previous sync left the target read-only.
	target := filepath.Join(cfg.General.Sysroot, "usr/share/data")
	writeTestFile(t, target, "old")
	require.NoError(t, os.Chmod(target, 0o444))

	_, err := syncPackage(cfg, "data", dest)
	require.NoError(t, err)

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestSyncPackageRemovesStale(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "a/b"), "b")
	writeTestFile(t, filepath.Join(dest, "a/c"), "c")

	_, err := syncPackage(cfg, "p", dest)
	require.NoError(t, err)

	// The new build no longer produces a/c.
	require.NoError(t, os.Remove(filepath.Join(dest, "a/c")))
	files, err := syncPackage(cfg, "p", dest)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "a/b"))
	assert.NoFileExists(t, filepath.Join(cfg.General.Sysroot, "a/c"))
	assert.NotContains(t, files, "a/c")
}

func TestSyncPackageSharedDirSurvives(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "usr/lib/one"), "1")

	_, err := syncPackage(cfg, "one", dest)
	require.NoError(t, err)

	// Another package occupies the same directory.
	writeTestFile(t, filepath.Join(cfg.General.Sysroot, "usr/lib/other"), "x")

	// The new build drops everything; stale removal must not take the shared
	// directory down with it.
	require.NoError(t, os.RemoveAll(filepath.Join(dest, "usr")))
	_, err = syncPackage(cfg, "one", dest)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/one"))
	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/other"))
	assert.DirExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib"))
}

func TestSyncPackageStripsLaAndDocs(t *testing.T) {
	cfg := syncTestConfig(t)
	cfg.General.StripLa = true
	cfg.General.StripDocs = true
	cfg.General.DocsDir = "usr/share/doc"

	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "usr/lib/libz.la"), "la")
	writeTestFile(t, filepath.Join(dest, "usr/lib/libz.so"), "so")
	writeTestFile(t, filepath.Join(dest, "usr/share/doc/z/README"), "doc")
	writeTestFile(t, filepath.Join(dest, "usr/share/man/z.1"), "man")

	files, err := syncPackage(cfg, "z", dest)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/libz.so"))
	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/share/man/z.1"))
	assert.NoFileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/libz.la"))
	assert.NoDirExists(t, filepath.Join(cfg.General.Sysroot, "usr/share/doc"))
	assert.NotContains(t, files, "usr/lib/libz.la")
	assert.NotContains(t, files, "usr/share/doc")
}

func TestSyncPackageMissingDest(t *testing.T) {
	cfg := syncTestConfig(t)
	_, err := syncPackage(cfg, "ghost", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't exist")
}

func TestRemovePackage(t *testing.T) {
	cfg := syncTestConfig(t)
	dest := t.TempDir()
	writeTestFile(t, filepath.Join(dest, "usr/bin/gone"), "x")

	_, err := syncPackage(cfg, "gone", dest)
	require.NoError(t, err)

	require.NoError(t, removePackage(cfg, "gone"))
	assert.NoFileExists(t, filepath.Join(cfg.General.Sysroot, "usr/bin/gone"))
	assert.NoFileExists(t, manifestPath(cfg, "gone"))

	err = removePackage(cfg, "gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta", "p", "FILES")
	lines := []string{"usr", "usr/bin", "usr/bin/tool"}
	require.NoError(t, writeManifest(path, lines))

	got, err := readManifest(path)
	require.NoError(t, err)
	assert.Equal(t, lines, got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "usr\nusr/bin\nusr/bin/tool\n", string(b))

	missing, err := readManifest(filepath.Join(t.TempDir(), "FILES"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

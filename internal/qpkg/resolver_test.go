package qpkg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFlags is the op set of `qpkg install sync <pkg>`.
func installFlags() RunFlags {
	return RunFlags{
		DoPrepare:   true,
		DoConfigure: true,
		DoBuild:     true,
		DoInstall:   true,
		DoSync:      true,
	}
}

func walkerTestConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		General: GeneralConfig{
			Target:         "test-target",
			Sysroot:        filepath.Join(root, "sysroot"),
			RecipesDir:     filepath.Join(root, "recipes"),
			HostRecipesDir: filepath.Join(root, "host-recipes"),
			MetaDir:        filepath.Join(root, "meta"),
			BuildRoot:      root,
			Threads:        2,
			PreferBinaries: true,
		},
		// The walker resolves the host compilers at startup; any binary on
		// PATH will do for tests.
		Host:   BuildConfig{CC: "sh", CXX: "sh"},
		Target: BuildConfig{CC: "sh", CXX: "sh"},
	}
	require.NoError(t, os.MkdirAll(cfg.General.Sysroot, 0o755))
	return cfg
}

func writeRecipe(t *testing.T, cfg *Config, host bool, name, body string) {
	t.Helper()
	writeTestFile(t, filepath.Join(cfg.recipesDir(host), name, "build.toml"), body)
}

// markerRecipe appends the package name to order.log during install.
func markerRecipe(name string, deps ...string) string {
	var b strings.Builder
	b.WriteString("[general]\nname = \"" + name + "\"\n")
	if len(deps) > 0 {
		b.WriteString("depends = [\"" + strings.Join(deps, "\", \"") + "\"]\n")
	}
	b.WriteString("\n[install]\nargs = [[\"echo " + name + " >> @BUILDROOT@/order.log\"]]\n")
	return b.String()
}

func runWalker(t *testing.T, cfg *Config, flags RunFlags, names []string, host bool) error {
	t.Helper()
	w, err := NewWalker(context.Background(), cfg, map[string]Template{}, flags)
	require.NoError(t, err)
	return w.Run(names, host)
}

func executionOrder(t *testing.T, cfg *Config) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.General.BuildRoot, "order.log"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestWalkerDependencyOrder(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "a", markerRecipe("a"))
	writeRecipe(t, cfg, false, "b", markerRecipe("b", "a"))
	writeRecipe(t, cfg, false, "top", markerRecipe("top", "a", "b"))

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"top"}, false))

	assert.Equal(t, []string{"a", "b", "top"}, executionOrder(t, cfg))
}

func TestWalkerDiamondRunsOnce(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "base", markerRecipe("base"))
	writeRecipe(t, cfg, false, "left", markerRecipe("left", "base"))
	writeRecipe(t, cfg, false, "right", markerRecipe("right", "base"))
	writeRecipe(t, cfg, false, "top", markerRecipe("top", "left", "right"))

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"top"}, false))

	assert.Equal(t, []string{"base", "left", "right", "top"}, executionOrder(t, cfg))
}

func TestWalkerCycleDetection(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "a", markerRecipe("a", "b"))
	writeRecipe(t, cfg, false, "b", markerRecipe("b", "a"))

	err := runWalker(t, cfg, installFlags(), []string{"a"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Empty(t, executionOrder(t, cfg), "nothing runs once a cycle is found")
}

func TestWalkerBinaryAlternative(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "gcc", `
[general]
name = "gcc"
binary_alternative = "gcc-bin"

[install]
args = [["echo gcc >> @BUILDROOT@/order.log"]]
`)
	writeRecipe(t, cfg, false, "gcc-bin", markerRecipe("gcc-bin"))

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"gcc"}, false))
	assert.Equal(t, []string{"gcc-bin"}, executionOrder(t, cfg))
}

func TestWalkerBinaryAlternativeDisabled(t *testing.T) {
	cfg := walkerTestConfig(t)
	cfg.General.PreferBinaries = false
	writeRecipe(t, cfg, false, "gcc", `
[general]
name = "gcc"
binary_alternative = "gcc-bin"

[install]
args = [["echo gcc >> @BUILDROOT@/order.log"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"gcc"}, false))
	assert.Equal(t, []string{"gcc"}, executionOrder(t, cfg))
}

func TestWalkerGatesMakeSecondRunANoop(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "solo", markerRecipe("solo"))

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"solo"}, false))
	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"solo"}, false))

	assert.Equal(t, []string{"solo"}, executionOrder(t, cfg), "gated stages must not repeat")
}

func TestWalkerHostPathExport(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, true, "tool", `
[general]
name = "tool"
exports_path = true

[install]
args = [
  ["mkdir -p @DESTDIR@/bin"],
  ["printf '#!/bin/sh\necho tool-ran\n' > @DESTDIR@/bin/tool"],
  ["chmod +x @DESTDIR@/bin/tool"],
]
`)
	writeRecipe(t, cfg, false, "app", `
[general]
name = "app"
host_depends = ["tool"]

[build]
args = [["tool >> @BUILDROOT@/path.log"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"app"}, false))

	data, err := os.ReadFile(filepath.Join(cfg.General.BuildRoot, "path.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tool-ran")
}

func TestWalkerTemplateDependencies(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "dep", markerRecipe("dep"))
	writeRecipe(t, cfg, false, "app", `
[general]
name = "app"
template = "common"

[install]
args = [["echo app >> @BUILDROOT@/order.log"]]
`)

	templates := map[string]Template{"common": {Depends: []string{"dep"}}}
	w, err := NewWalker(context.Background(), cfg, templates, installFlags())
	require.NoError(t, err)
	require.NoError(t, w.Run([]string{"app"}, false))

	assert.Equal(t, []string{"dep", "app"}, executionOrder(t, cfg))
}

func TestWalkerHostPackageDepsAreTarget(t *testing.T) {
	cfg := walkerTestConfig(t)
	// dep lives in the target recipes dir even though its parent is host.
	writeRecipe(t, cfg, false, "dep", markerRecipe("dep"))
	writeRecipe(t, cfg, true, "htool", `
[general]
name = "htool"
depends = ["dep"]

[install]
args = [["echo htool >> @BUILDROOT@/order.log"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"htool"}, true))

	assert.Equal(t, []string{"dep", "htool"}, executionOrder(t, cfg))
	// dep built as a target package and went into the sysroot.
	assert.FileExists(t, manifestPath(cfg, "dep"))
}

func TestWalkerHostAclocalExport(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, true, "macros", `
[general]
name = "macros"
exports_aclocal = true

[install]
args = [
  ["mkdir -p @DESTDIR@/share/aclocal"],
  ["touch @DESTDIR@/share/aclocal/common.m4"],
]
`)
	writeRecipe(t, cfg, false, "app", `
[general]
name = "app"
host_depends = ["macros"]

[build]
args = [["echo aclocal=$ACLOCAL_PATH >> @BUILDROOT@/env.log"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"app"}, false))

	data, err := os.ReadFile(filepath.Join(cfg.General.BuildRoot, "env.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join(cfg.destDir("macros", true), "share/aclocal"))
}

func TestWalkerHostPackagesSkipSync(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, true, "hosttool", `
[general]
name = "hosttool"

[install]
args = [["mkdir -p @DESTDIR@/bin"], ["touch @DESTDIR@/bin/hosttool"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"hosttool"}, true))

	assert.NoFileExists(t, filepath.Join(cfg.General.Sysroot, "bin/hosttool"))
	assert.NoFileExists(t, manifestPath(cfg, "hosttool"))
}

func TestWalkerInstallSyncsToSysroot(t *testing.T) {
	cfg := walkerTestConfig(t)
	writeRecipe(t, cfg, false, "lib", `
[general]
name = "lib"

[install]
args = [["mkdir -p @DESTDIR@/usr/lib"], ["echo x > @DESTDIR@/usr/lib/lib.so"]]
`)

	require.NoError(t, runWalker(t, cfg, installFlags(), []string{"lib"}, false))

	assert.FileExists(t, filepath.Join(cfg.General.Sysroot, "usr/lib/lib.so"))
	manifest, err := readManifest(manifestPath(cfg, "lib"))
	require.NoError(t, err)
	assert.Contains(t, manifest, "usr/lib/lib.so")
}

func TestWalkerMissingRecipe(t *testing.T) {
	cfg := walkerTestConfig(t)
	err := runWalker(t, cfg, installFlags(), []string{"nothere"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothere")
}

package qpkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseRecipeFull(t *testing.T) {
	data := `
[general]
name = "zlib"
version = "1.3.1"
src = ["https://zlib.net/zlib-@VERSION@.tar.xz"]
workdir = "zlib-@VERSION@"
depends = ["musl"]
host_depends = ["pkgconf"]
prefix = "/usr"

[configure]
args = [
  ["./configure", "--prefix=@PREFIX@"],
]
env = [
  { CFLAGS = "-O2" },
  { CFLAGS = "-O3" },
]

[build]
args = [["make", "-j@THREADS@"]]

[install]
args = [["make", "DESTDIR=@DESTDIR@", "install"]]
`
	r, err := ParseRecipe("zlib", []byte(data))
	require.NoError(t, err)

	assert.Equal(t, "zlib", r.General.Name)
	assert.Equal(t, "1.3.1", r.General.Version)
	assert.Equal(t, []string{"musl"}, r.General.Depends)
	assert.Equal(t, []string{"pkgconf"}, r.General.HostDepends)
	// Unknown [general] keys become recipe-scoped substitution values.
	assert.Equal(t, map[string]string{"prefix": "/usr"}, r.General.Extra)

	require.Len(t, r.Configure.Commands, 1)
	assert.Equal(t, []string{"./configure", "--prefix=@PREFIX@"}, r.Configure.Commands[0])

	// Duplicate env names stay as an ordered list.
	require.Len(t, r.Configure.Env, 2)
	assert.Equal(t, EnvVar{"CFLAGS", "-O2"}, r.Configure.Env[0])
	assert.Equal(t, EnvVar{"CFLAGS", "-O3"}, r.Configure.Env[1])

	assert.Empty(t, r.Prepare.Commands)
}

func TestParseRecipeMissingName(t *testing.T) {
	_, err := ParseRecipe("broken", []byte("[general]\nversion = \"1\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing name")
}

func TestParseRecipeMissingGeneral(t *testing.T) {
	_, err := ParseRecipe("broken", []byte("[build]\nargs = []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[general]")
}

func TestParseRecipeUnknownStageKey(t *testing.T) {
	data := `
[general]
name = "x"

[build]
args = []
comands = []
`
	_, err := ParseRecipe("x", []byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comands")
}

func TestParseRecipeBadEnvShape(t *testing.T) {
	data := `
[general]
name = "x"

[build]
env = [ { A = "1", B = "2" } ]
`
	_, err := ParseRecipe("x", []byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single-entry")
}

func TestRecipeCloneIsDeep(t *testing.T) {
	r := &Recipe{
		General: RecipeGeneral{
			Name:    "a",
			Src:     []string{"s1"},
			Depends: []string{"d1"},
			Extra:   map[string]string{"k": "v"},
		},
		Build: Stage{
			Commands: [][]string{{"make"}},
			Env:      []EnvVar{{"A", "1"}},
		},
	}

	c := r.clone()
	c.General.Src[0] = "changed"
	c.General.Depends = append(c.General.Depends, "d2")
	c.General.Extra["k"] = "changed"
	c.Build.Commands[0][0] = "changed"
	c.Build.Env[0].Value = "changed"

	assert.Equal(t, "s1", r.General.Src[0])
	assert.Equal(t, []string{"d1"}, r.General.Depends)
	assert.Equal(t, "v", r.General.Extra["k"])
	assert.Equal(t, "make", r.Build.Commands[0][0])
	assert.Equal(t, "1", r.Build.Env[0].Value)
}

func TestLoadRecipe(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{General: GeneralConfig{RecipesDir: dir}}
	writeTestFile(t, filepath.Join(dir, "m4", "build.toml"), "[general]\nname = \"m4\"\n")

	r, err := LoadRecipe(cfg, "m4", false)
	require.NoError(t, err)
	assert.Equal(t, "m4", r.General.Name)

	_, err = LoadRecipe(cfg, "missing", false)
	require.Error(t, err)
}

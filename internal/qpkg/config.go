package qpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// GeneralConfig mirrors the [general] table of qpkg.toml. Keys the struct does
// not name are collected into Extra and become @NAME@ substitution values.
type GeneralConfig struct {
	Target         string
	Sysroot        string
	RecipesDir     string
	HostRecipesDir string
	MetaDir        string
	BuildRoot      string
	Threads        int
	PreferBinaries bool
	TemplatesFile  string
	StripLa        bool
	StripDocs      bool
	DocsDir        string
	Extra          map[string]string
}

// BuildConfig holds compiler settings for one side of the cross build.
// Unknown keys become additional environment variables for every command.
type BuildConfig struct {
	CC       string
	CXX      string
	CFlags   string
	CXXFlags string
	LDFlags  string
	Extra    map[string]string
}

// MirrorConfig is the optional [mirror] table for the binary package mirror.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

// Config is loaded once at startup and never mutated afterwards; every
// component receives it by pointer.
type Config struct {
	General GeneralConfig
	Host    BuildConfig
	Target  BuildConfig
	Mirror  MirrorConfig
}

// tableDecoder pulls typed values out of a decoded TOML table, recording the
// first type mismatch. Keys are deleted as they are read so that rest() can
// hand back whatever the caller did not name, matching the flattened-map
// behavior of the config format.
type tableDecoder struct {
	name string
	m    map[string]interface{}
	err  error
}

func newTableDecoder(name string, m map[string]interface{}) *tableDecoder {
	return &tableDecoder{name: name, m: m}
}

func (d *tableDecoder) fail(key, want string) {
	if d.err == nil {
		d.err = fmt.Errorf("%s: key %q is not a %s", d.name, key, want)
	}
}

func (d *tableDecoder) str(key string) string {
	v, ok := d.m[key]
	if !ok {
		return ""
	}
	delete(d.m, key)
	s, ok := v.(string)
	if !ok {
		d.fail(key, "string")
		return ""
	}
	return s
}

func (d *tableDecoder) boolean(key string) bool {
	v, ok := d.m[key]
	if !ok {
		return false
	}
	delete(d.m, key)
	b, ok := v.(bool)
	if !ok {
		d.fail(key, "boolean")
		return false
	}
	return b
}

func (d *tableDecoder) integer(key string) int {
	v, ok := d.m[key]
	if !ok {
		return 0
	}
	delete(d.m, key)
	n, ok := v.(int64)
	if !ok {
		d.fail(key, "integer")
		return 0
	}
	return int(n)
}

func (d *tableDecoder) strList(key string) []string {
	v, ok := d.m[key]
	if !ok {
		return nil
	}
	delete(d.m, key)
	raw, ok := v.([]interface{})
	if !ok {
		d.fail(key, "array of strings")
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			d.fail(key, "array of strings")
			return nil
		}
		out = append(out, s)
	}
	return out
}

// rest returns the remaining string-valued keys. Non-string leftovers are a
// type error since every flattened key is a substitution or env value.
func (d *tableDecoder) rest() map[string]string {
	out := make(map[string]string, len(d.m))
	for k, v := range d.m {
		s, ok := v.(string)
		if !ok {
			d.fail(k, "string")
			continue
		}
		out[k] = s
	}
	return out
}

func subTable(parent map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := parent[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func decodeBuildConfig(name string, m map[string]interface{}) (BuildConfig, error) {
	d := newTableDecoder(name, m)
	bc := BuildConfig{
		CC:       d.str("cc"),
		CXX:      d.str("cxx"),
		CFlags:   d.str("cflags"),
		CXXFlags: d.str("cxxflags"),
		LDFlags:  d.str("ldflags"),
	}
	bc.Extra = d.rest()
	if bc.CC == "" {
		bc.CC = "cc"
	}
	if bc.CXX == "" {
		bc.CXX = "c++"
	}
	return bc, d.err
}

// LoadConfig reads qpkg.toml from path, or from ./qpkg.toml then /etc/qpkg.toml
// when path is empty. The build root is made absolute and the thread count is
// resolved here so that @THREADS@ is a fixed value for the whole run.
func LoadConfig(path string) (*Config, error) {
	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		for _, candidate := range []string{"qpkg.toml", "/etc/qpkg.toml"} {
			data, err = os.ReadFile(candidate)
			if err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("failed to find qpkg.toml in the current directory or in /etc")
		}
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	generalRaw, ok := subTable(raw, "general")
	if !ok {
		return nil, fmt.Errorf("config %s: missing [general] table", path)
	}

	d := newTableDecoder("[general]", generalRaw)
	cfg := &Config{
		General: GeneralConfig{
			Target:         d.str("target"),
			Sysroot:        d.str("sysroot"),
			RecipesDir:     d.str("recipes_dir"),
			HostRecipesDir: d.str("host_recipes_dir"),
			MetaDir:        d.str("meta_dir"),
			BuildRoot:      d.str("build_root"),
			Threads:        d.integer("threads"),
			TemplatesFile:  d.str("templates_file"),
			StripLa:        d.boolean("strip_la"),
			StripDocs:      d.boolean("strip_docs"),
			DocsDir:        d.str("docs_dir"),
		},
	}
	// prefer_binaries defaults to true, so decode it by hand.
	cfg.General.PreferBinaries = true
	if v, exists := generalRaw["prefer_binaries"]; exists {
		delete(generalRaw, "prefer_binaries")
		b, isBool := v.(bool)
		if !isBool {
			return nil, fmt.Errorf("[general]: key %q is not a boolean", "prefer_binaries")
		}
		cfg.General.PreferBinaries = b
	}
	cfg.General.Extra = d.rest()
	if d.err != nil {
		return nil, fmt.Errorf("config %s: %w", path, d.err)
	}

	targetRaw, ok := subTable(raw, "target")
	if !ok {
		return nil, fmt.Errorf("config %s: missing [target] table", path)
	}
	if cfg.Target, err = decodeBuildConfig("[target]", targetRaw); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if hostRaw, exists := subTable(raw, "host"); exists {
		if cfg.Host, err = decodeBuildConfig("[host]", hostRaw); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		cfg.Host = BuildConfig{CC: "cc", CXX: "c++"}
	}

	if mirrorRaw, exists := subTable(raw, "mirror"); exists {
		md := newTableDecoder("[mirror]", mirrorRaw)
		cfg.Mirror = MirrorConfig{
			Endpoint:  md.str("endpoint"),
			AccessKey: md.str("access_key"),
			SecretKey: md.str("secret_key"),
			Bucket:    md.str("bucket"),
			Region:    md.str("region"),
		}
		if md.err != nil {
			return nil, fmt.Errorf("config %s: %w", path, md.err)
		}
	}

	// An empty or "." build root means "next to the config file".
	if cfg.General.BuildRoot == "" || cfg.General.BuildRoot == "." {
		absCfg, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute config path: %w", err)
		}
		cfg.General.BuildRoot = filepath.Dir(absCfg)
	}
	cfg.General.BuildRoot, err = filepath.Abs(cfg.General.BuildRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute build root path: %w", err)
	}

	if cfg.General.Threads == 0 {
		cfg.General.Threads = runtime.NumCPU()
	}
	if cfg.General.StripDocs && cfg.General.DocsDir == "" {
		cfg.General.DocsDir = "usr/share/doc"
	}

	return cfg, nil
}

// Per-package directory layout under the build root. Host packages live in
// their own trees so a package can be built for both sides independently.

func (c *Config) srcRootDir(name string, host bool) string {
	if host {
		return filepath.Join(c.General.BuildRoot, "host_sources", name)
	}
	return filepath.Join(c.General.BuildRoot, "sources", name)
}

func (c *Config) buildDir(name string, host bool) string {
	if host {
		return filepath.Join(c.General.BuildRoot, "host_builds", name)
	}
	return filepath.Join(c.General.BuildRoot, "pkg_builds", name)
}

func (c *Config) destDir(name string, host bool) string {
	if host {
		return filepath.Join(c.General.BuildRoot, "host_pkgs", name)
	}
	return filepath.Join(c.General.BuildRoot, "pkgs", name)
}

func (c *Config) archivesDir() string {
	return filepath.Join(c.General.BuildRoot, "archives")
}

func (c *Config) recipesDir(host bool) string {
	if host {
		return c.General.HostRecipesDir
	}
	return c.General.RecipesDir
}

func (c *Config) metaDir(name string) string {
	return filepath.Join(c.General.MetaDir, name)
}

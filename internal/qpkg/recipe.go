package qpkg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// EnvVar is one environment override for a stage. Overrides are kept as an
// ordered list, not a map: later entries for the same name win, and duplicate
// names are legal.
type EnvVar struct {
	Name  string
	Value string
}

// Stage is one gated unit of command execution. Each command is an ordered
// list of argument tokens joined with single spaces before being handed to
// the shell.
type Stage struct {
	Commands [][]string
	Env      []EnvVar
}

// RecipeGeneral mirrors the [general] table of a build.toml. Unknown keys are
// collected into Extra and become recipe-scoped @NAME@ substitution values.
type RecipeGeneral struct {
	Name              string
	Version           string
	Src               []string
	SrcUnpackDir      string
	WorkDir           string
	Template          string
	BinaryAlternative string
	NoAutoPatch       bool
	NoAutoUnpack      bool
	RecurseSubmodules bool
	ExportsPath       bool
	ExportsAclocal    bool
	ReexportsPath     bool
	Depends           []string
	HostDepends       []string
	Extra             map[string]string
}

// Recipe is one package's build description. A loaded Recipe is never
// mutated: finalization clones it first.
type Recipe struct {
	General   RecipeGeneral
	Prepare   Stage
	Configure Stage
	Build     Stage
	Install   Stage
}

func decodeStage(recipeName, stageName string, raw map[string]interface{}) (Stage, error) {
	var st Stage

	if v, ok := raw["args"]; ok {
		delete(raw, "args")
		outer, ok := v.([]interface{})
		if !ok {
			return st, fmt.Errorf("recipe %s [%s]: args is not an array", recipeName, stageName)
		}
		for _, line := range outer {
			tokens, ok := line.([]interface{})
			if !ok {
				return st, fmt.Errorf("recipe %s [%s]: args entries must be arrays of strings", recipeName, stageName)
			}
			cmd := make([]string, 0, len(tokens))
			for _, tok := range tokens {
				s, ok := tok.(string)
				if !ok {
					return st, fmt.Errorf("recipe %s [%s]: args entries must be arrays of strings", recipeName, stageName)
				}
				cmd = append(cmd, s)
			}
			st.Commands = append(st.Commands, cmd)
		}
	}

	if v, ok := raw["env"]; ok {
		delete(raw, "env")
		list, ok := v.([]interface{})
		if !ok {
			return st, fmt.Errorf("recipe %s [%s]: env is not an array", recipeName, stageName)
		}
		for _, e := range list {
			entry, ok := e.(map[string]interface{})
			if !ok || len(entry) != 1 {
				return st, fmt.Errorf("recipe %s [%s]: env entries must be single-entry tables", recipeName, stageName)
			}
			for name, val := range entry {
				s, ok := val.(string)
				if !ok {
					return st, fmt.Errorf("recipe %s [%s]: env value for %s is not a string", recipeName, stageName, name)
				}
				st.Env = append(st.Env, EnvVar{Name: name, Value: s})
			}
		}
	}

	// Anything else in a stage table is a typo worth failing on.
	for k := range raw {
		return st, fmt.Errorf("recipe %s [%s]: unknown key %q", recipeName, stageName, k)
	}

	return st, nil
}

// ParseRecipe decodes build.toml contents. name is only used in error messages.
func ParseRecipe(name string, data []byte) (*Recipe, error) {
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse recipe %s: %w", name, err)
	}

	generalRaw, ok := subTable(raw, "general")
	if !ok {
		return nil, fmt.Errorf("recipe %s: missing [general] table", name)
	}

	d := newTableDecoder(fmt.Sprintf("recipe %s [general]", name), generalRaw)
	r := &Recipe{
		General: RecipeGeneral{
			Name:              d.str("name"),
			Version:           d.str("version"),
			Src:               d.strList("src"),
			SrcUnpackDir:      d.str("src_unpack_dir"),
			WorkDir:           d.str("workdir"),
			Template:          d.str("template"),
			BinaryAlternative: d.str("binary_alternative"),
			NoAutoPatch:       d.boolean("no_auto_patch"),
			NoAutoUnpack:      d.boolean("no_auto_unpack"),
			RecurseSubmodules: d.boolean("recurse_submodules"),
			ExportsPath:       d.boolean("exports_path"),
			ExportsAclocal:    d.boolean("exports_aclocal"),
			ReexportsPath:     d.boolean("reexports_path"),
			Depends:           d.strList("depends"),
			HostDepends:       d.strList("host_depends"),
		},
	}
	r.General.Extra = d.rest()
	if d.err != nil {
		return nil, d.err
	}
	if r.General.Name == "" {
		return nil, fmt.Errorf("recipe %s: missing name", name)
	}

	for _, stage := range []struct {
		key  string
		dest *Stage
	}{
		{"prepare", &r.Prepare},
		{"configure", &r.Configure},
		{"build", &r.Build},
		{"install", &r.Install},
	} {
		stRaw, ok := subTable(raw, stage.key)
		if !ok {
			continue
		}
		st, err := decodeStage(name, stage.key, stRaw)
		if err != nil {
			return nil, err
		}
		*stage.dest = st
	}

	return r, nil
}

// LoadRecipe reads <recipes_dir>/<name>/build.toml for the given side.
func LoadRecipe(cfg *Config, name string, host bool) (*Recipe, error) {
	path := filepath.Join(cfg.recipesDir(host), name, "build.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s: %w", path, err)
	}
	return ParseRecipe(name, data)
}

func (s Stage) clone() Stage {
	out := Stage{}
	for _, cmd := range s.Commands {
		out.Commands = append(out.Commands, append([]string(nil), cmd...))
	}
	out.Env = append(out.Env, s.Env...)
	return out
}

// clone returns a deep copy so finalization can substitute in place without
// touching the loaded original.
func (r *Recipe) clone() *Recipe {
	out := &Recipe{
		General:   r.General,
		Prepare:   r.Prepare.clone(),
		Configure: r.Configure.clone(),
		Build:     r.Build.clone(),
		Install:   r.Install.clone(),
	}
	out.General.Src = append([]string(nil), r.General.Src...)
	out.General.Depends = append([]string(nil), r.General.Depends...)
	out.General.HostDepends = append([]string(nil), r.General.HostDepends...)
	out.General.Extra = make(map[string]string, len(r.General.Extra))
	for k, v := range r.General.Extra {
		out.General.Extra[k] = v
	}
	return out
}

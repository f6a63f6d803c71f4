package qpkg

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template is a named, reusable recipe fragment. Recipes opt in with
// `template = "<name>"` in their [general] table.
type Template struct {
	// OptArgs are placeholder names the template declares; any left undefined
	// by the recipe or config substitute to the empty string.
	OptArgs []string

	Depends     []string
	HostDepends []string

	AddPrepare   []string
	AddConfigure []string
	AddBuild     []string
	AddInstall   []string

	PrepareEnv   []EnvVar
	ConfigureEnv []EnvVar
	BuildEnv     []EnvVar
	InstallEnv   []EnvVar

	// Default* name a key in Others whose value (an array of command strings)
	// fills a stage that the recipe left empty.
	DefaultPrepare   string
	DefaultConfigure string
	DefaultBuild     string
	DefaultInstall   string

	// Others holds the template's free-form extension table.
	Others map[string]interface{}
}

func decodeEnvList(owner, key string, raw map[string]interface{}) ([]EnvVar, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	delete(raw, key)
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("template %s: %s is not an array", owner, key)
	}
	var out []EnvVar
	for _, e := range list {
		entry, ok := e.(map[string]interface{})
		if !ok || len(entry) != 1 {
			return nil, fmt.Errorf("template %s: %s entries must be single-entry tables", owner, key)
		}
		for name, val := range entry {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("template %s: %s value for %s is not a string", owner, key, name)
			}
			out = append(out, EnvVar{Name: name, Value: s})
		}
	}
	return out, nil
}

func decodeTemplate(name string, raw map[string]interface{}) (Template, error) {
	d := newTableDecoder(fmt.Sprintf("template %s", name), raw)
	t := Template{
		OptArgs:          d.strList("opt_args"),
		Depends:          d.strList("depends"),
		HostDepends:      d.strList("host_depends"),
		AddPrepare:       d.strList("add_prepare"),
		AddConfigure:     d.strList("add_configure"),
		AddBuild:         d.strList("add_build"),
		AddInstall:       d.strList("add_install"),
		DefaultPrepare:   d.str("default_prepare"),
		DefaultConfigure: d.str("default_configure"),
		DefaultBuild:     d.str("default_build"),
		DefaultInstall:   d.str("default_install"),
	}
	if d.err != nil {
		return t, d.err
	}

	var err error
	for _, env := range []struct {
		key  string
		dest *[]EnvVar
	}{
		{"prepare_env", &t.PrepareEnv},
		{"configure_env", &t.ConfigureEnv},
		{"build_env", &t.BuildEnv},
		{"install_env", &t.InstallEnv},
	} {
		if *env.dest, err = decodeEnvList(name, env.key, raw); err != nil {
			return t, err
		}
	}

	// Whatever is left is the free-form extension table referenced by the
	// default_* keys.
	t.Others = raw
	return t, nil
}

// ParseTemplates decodes a templates.toml: a map of template name to table.
func ParseTemplates(data []byte) (map[string]Template, error) {
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	out := make(map[string]Template, len(raw))
	for name, v := range raw {
		table, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("template %s: not a table", name)
		}
		t, err := decodeTemplate(name, table)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// LoadTemplates reads the configured templates file. No templates_file in the
// config simply means no templates are available.
func LoadTemplates(cfg *Config) (map[string]Template, error) {
	if cfg.General.TemplatesFile == "" {
		return map[string]Template{}, nil
	}
	data, err := os.ReadFile(cfg.General.TemplatesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file %s: %w", cfg.General.TemplatesFile, err)
	}
	return ParseTemplates(data)
}

// defaultSteps resolves a default_* reference against the template's
// free-form table. The named entry must be an array of plain strings.
func (t *Template) defaultSteps(recipeName, ref string) ([][]string, error) {
	v, ok := t.Others[ref]
	if !ok {
		return nil, fmt.Errorf("recipe %s: template default step %q is not defined", recipeName, ref)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("recipe %s: template default step %q is not an array of strings", recipeName, ref)
	}
	var out [][]string
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("recipe %s: template default step %q is not an array of strings", recipeName, ref)
		}
		out = append(out, []string{s})
	}
	return out, nil
}

// mergeTemplate produces a new recipe with the template's extras appended.
// Neither input is modified.
func mergeTemplate(r *Recipe, t *Template) (*Recipe, error) {
	out := r.clone()

	out.General.Depends = append(out.General.Depends, t.Depends...)
	out.General.HostDepends = append(out.General.HostDepends, t.HostDepends...)

	stages := []struct {
		dest       *Stage
		add        []string
		env        []EnvVar
		defaultRef string
	}{
		{&out.Prepare, t.AddPrepare, t.PrepareEnv, t.DefaultPrepare},
		{&out.Configure, t.AddConfigure, t.ConfigureEnv, t.DefaultConfigure},
		{&out.Build, t.AddBuild, t.BuildEnv, t.DefaultBuild},
		{&out.Install, t.AddInstall, t.InstallEnv, t.DefaultInstall},
	}

	for _, st := range stages {
		// Defaults apply only when the recipe brings no commands of its own.
		if len(st.dest.Commands) == 0 && st.defaultRef != "" {
			steps, err := t.defaultSteps(r.General.Name, st.defaultRef)
			if err != nil {
				return nil, err
			}
			st.dest.Commands = steps
		}
		for _, cmd := range st.add {
			st.dest.Commands = append(st.dest.Commands, []string{cmd})
		}
		st.dest.Env = append(st.dest.Env, st.env...)
	}

	return out, nil
}

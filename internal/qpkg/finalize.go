package qpkg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// maxSubstitutionPasses bounds the fixpoint loop. Well-formed recipes settle
// in two or three passes; hitting the cap means an extra value expands to
// text containing itself.
const maxSubstitutionPasses = 32

// FinalizeRecipe merges the recipe's template (if any) and substitutes every
// placeholder across source locators, the workdir and all stage commands and
// environment values. It is a pure function: the stored recipe and template
// are never modified, so repeated finalization of the same package yields the
// same result.
func FinalizeRecipe(r *Recipe, templates map[string]Template, cfg *Config, rootSrcDir, destDir string) (*Recipe, error) {
	var tpl *Template
	if r.General.Template != "" {
		t, ok := templates[r.General.Template]
		if !ok {
			return nil, fmt.Errorf("recipe %s: undefined template %q", r.General.Name, r.General.Template)
		}
		tpl = &t
	}

	out := r.clone()
	if tpl != nil {
		merged, err := mergeTemplate(out, tpl)
		if err != nil {
			return nil, err
		}
		out = merged
	}

	// @SRCDIR@ is the workdir-joined source directory; the workdir itself may
	// carry @VERSION@.
	out.General.WorkDir = strings.ReplaceAll(out.General.WorkDir, "@VERSION@", out.General.Version)

	srcRoot := rootSrcDir
	if out.General.SrcUnpackDir != "" {
		srcRoot = out.General.SrcUnpackDir
	}
	srcDir, err := filepath.Abs(filepath.Join(srcRoot, out.General.WorkDir))
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute srcdir: %w", err)
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute destdir: %w", err)
	}
	absSysroot, err := filepath.Abs(cfg.General.Sysroot)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute sysroot: %w", err)
	}

	pairs := []string{
		"@VERSION@", out.General.Version,
		"@BUILDROOT@", cfg.General.BuildRoot,
		"@SRCDIR@", srcDir,
		"@DESTDIR@", absDest,
		"@SYSROOT@", absSysroot,
		"@TARGET@", cfg.General.Target,
		"@THREADS@", strconv.Itoa(cfg.General.Threads),
	}
	seen := make(map[string]bool, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		seen[pairs[i]] = true
	}
	addPair := func(name, value string) {
		pattern := "@" + strings.ToUpper(name) + "@"
		if seen[pattern] {
			return
		}
		seen[pattern] = true
		pairs = append(pairs, pattern, value)
	}
	// Recipe-scoped extras shadow global ones of the same name.
	for name, value := range out.General.Extra {
		addPair(name, value)
	}
	for name, value := range cfg.General.Extra {
		addPair(name, value)
	}
	if tpl != nil {
		// Declared but otherwise undefined placeholders vanish.
		for _, name := range tpl.OptArgs {
			addPair(name, "")
		}
	}

	// One Replacer gives a single simultaneous multi-pattern pass: substituted
	// text is never re-scanned within the same pass.
	rep := strings.NewReplacer(pairs...)

	for i, src := range out.General.Src {
		out.General.Src[i] = rep.Replace(src)
	}
	out.General.WorkDir = rep.Replace(out.General.WorkDir)

	for _, st := range []*Stage{&out.Prepare, &out.Configure, &out.Build, &out.Install} {
		for _, cmd := range st.Commands {
			for i := range cmd {
				cmd[i], err = substituteFixpoint(rep, cmd[i])
				if err != nil {
					return nil, fmt.Errorf("recipe %s: %w", out.General.Name, err)
				}
			}
		}
		for i := range st.Env {
			st.Env[i].Value, err = substituteFixpoint(rep, st.Env[i].Value)
			if err != nil {
				return nil, fmt.Errorf("recipe %s: %w", out.General.Name, err)
			}
		}
	}

	return out, nil
}

// substituteFixpoint applies the replacement table repeatedly so an extra
// value may itself contain further placeholders, resolved on the next pass.
func substituteFixpoint(rep *strings.Replacer, s string) (string, error) {
	cur := strings.TrimSpace(s)
	for i := 0; i < maxSubstitutionPasses; i++ {
		next := strings.TrimSpace(rep.Replace(cur))
		if next == cur {
			return cur, nil
		}
		cur = next
	}
	return "", fmt.Errorf("placeholder substitution did not settle after %d passes for %q", maxSubstitutionPasses, s)
}

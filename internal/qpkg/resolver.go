package qpkg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RunFlags is the user-requested op set for one invocation. The Do* flags and
// the force flags apply only to the packages named on the command line;
// transitive dependencies always run whatever stages they are missing and are
// never forced.
type RunFlags struct {
	DoPrepare   bool
	DoConfigure bool
	DoBuild     bool
	DoInstall   bool
	DoSync      bool

	ForcePrepare   bool
	ForceConfigure bool
	ForceBuild     bool
	ForceInstall   bool

	Dev      bool
	ExtraEnv []EnvVar
}

// workItem is one entry on the walk stack. An item is pushed unexpanded; its
// first pop pushes it back expanded underneath its dependencies, so it runs
// only after all of them.
type workItem struct {
	name          string
	host          bool
	userRequested bool
	expanded      bool
}

// resolvedRecord remembers what a finished package exported, so later
// dependents see its tools on PATH and its macros on ACLOCAL_PATH.
type resolvedRecord struct {
	pathDirs    []string
	aclocalDirs []string
}

// Walker drives the whole run: dependency resolution, fetching, staged builds
// and sysroot sync, one package at a time in dependency order.
type Walker struct {
	cfg       *Config
	exec      *Executor
	templates map[string]Template
	flags     RunFlags

	records   map[string]*resolvedRecord
	expanding map[string]bool

	pathDirs    []string
	aclocalDirs []string
	basePath    string
	absSysroot  string

	hostEnv   []string
	targetEnv []string
}

// NewWalker resolves the global build environment once; every stage command
// of the run sees the same values.
func NewWalker(ctx context.Context, cfg *Config, templates map[string]Template, flags RunFlags) (*Walker, error) {
	absSysroot, err := filepath.Abs(cfg.General.Sysroot)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute sysroot: %w", err)
	}

	w := &Walker{
		cfg:        cfg,
		exec:       NewExecutor(ctx),
		templates:  templates,
		flags:      flags,
		records:    make(map[string]*resolvedRecord),
		expanding:  make(map[string]bool),
		basePath:   os.Getenv("PATH"),
		absSysroot: absSysroot,
	}

	// Compiler settings may anchor themselves to the run's directories.
	rep := strings.NewReplacer(
		"@BUILDROOT@", cfg.General.BuildRoot,
		"@SYSROOT@", absSysroot,
		"@TARGET@", cfg.General.Target,
	)

	hostCC, err := exec.LookPath(rep.Replace(cfg.Host.CC))
	if err != nil {
		return nil, fmt.Errorf("host C compiler %s not found: %w", cfg.Host.CC, err)
	}
	hostCXX, err := exec.LookPath(rep.Replace(cfg.Host.CXX))
	if err != nil {
		return nil, fmt.Errorf("host C++ compiler %s not found: %w", cfg.Host.CXX, err)
	}
	if hostCC, err = filepath.Abs(hostCC); err != nil {
		return nil, err
	}
	if hostCXX, err = filepath.Abs(hostCXX); err != nil {
		return nil, err
	}

	buildEnv := func(bc BuildConfig) []string {
		env := []string{
			"CC=" + rep.Replace(bc.CC),
			"CXX=" + rep.Replace(bc.CXX),
		}
		if bc.CFlags != "" {
			env = append(env, "CFLAGS="+rep.Replace(bc.CFlags))
		}
		if bc.CXXFlags != "" {
			env = append(env, "CXXFLAGS="+rep.Replace(bc.CXXFlags))
		}
		if bc.LDFlags != "" {
			env = append(env, "LDFLAGS="+rep.Replace(bc.LDFlags))
		}
		for name, value := range bc.Extra {
			env = append(env, name+"="+rep.Replace(value))
		}
		return env
	}

	w.hostEnv = buildEnv(cfg.Host)
	// --env entries come first: the config's compiler settings keep the last
	// word over user overrides.
	for _, ev := range flags.ExtraEnv {
		w.targetEnv = append(w.targetEnv, ev.Name+"="+ev.Value)
	}
	w.targetEnv = append(w.targetEnv, buildEnv(cfg.Target)...)
	// Target builds regularly shell out to tools they must build with the
	// host toolchain.
	w.targetEnv = append(w.targetEnv,
		"QPKG_HOST_CC="+hostCC,
		"QPKG_HOST_CXX="+hostCXX,
	)

	return w, nil
}

// Run walks the requested packages and everything they depend on. Each
// package executes exactly once per run, after all of its dependencies.
func (w *Walker) Run(names []string, host bool) error {
	var stack []workItem
	for i := len(names) - 1; i >= 0; i-- {
		stack = append(stack, workItem{name: names[i], host: host, userRequested: true})
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if w.records[item.name] != nil {
			continue
		}

		rec, err := LoadRecipe(w.cfg, item.name, item.host)
		if err != nil {
			return err
		}

		if !item.expanded {
			if w.expanding[item.name] {
				return fmt.Errorf("dependency cycle detected at package %s", item.name)
			}
			w.expanding[item.name] = true

			item.expanded = true
			stack = append(stack, item)

			// The template contributes dependencies like the recipe's own.
			deps := rec.General.Depends
			hostDeps := rec.General.HostDepends
			if tpl, ok := w.templates[rec.General.Template]; ok {
				deps = append(append([]string(nil), deps...), tpl.Depends...)
				hostDeps = append(append([]string(nil), hostDeps...), tpl.HostDepends...)
			}

			// Dependencies are pushed in reverse so they pop, and therefore
			// execute, in declaration order. depends entries are target
			// packages even under a host parent; host_depends are always host.
			for i := len(deps) - 1; i >= 0; i-- {
				stack = append(stack, workItem{name: deps[i]})
			}
			for i := len(hostDeps) - 1; i >= 0; i-- {
				stack = append(stack, workItem{name: hostDeps[i], host: true})
			}
			continue
		}

		if w.cfg.General.PreferBinaries && rec.General.BinaryAlternative != "" {
			debugf("swapping %s for binary alternative %s\n", item.name, rec.General.BinaryAlternative)
			delete(w.expanding, item.name)
			// Alias record: later references to the swapped name are already
			// satisfied by the alternative.
			w.records[item.name] = &resolvedRecord{}
			stack = append(stack, workItem{
				name:          rec.General.BinaryAlternative,
				host:          item.host,
				userRequested: item.userRequested,
			})
			continue
		}

		delete(w.expanding, item.name)
		if err := w.execute(item, rec); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one package's turn: fetch, stages, sync, record exports.
func (w *Walker) execute(item workItem, raw *Recipe) error {
	name := item.name
	destDir := w.cfg.destDir(name, item.host)

	for _, dir := range []string{w.cfg.archivesDir(), destDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	rec, err := FinalizeRecipe(raw, w.templates, w.cfg, w.cfg.srcRootDir(name, item.host), destDir)
	if err != nil {
		return err
	}

	if err := fetchSources(w.exec, rec, w.cfg.archivesDir()); err != nil {
		return err
	}

	if err := w.runStages(item, rec); err != nil {
		return err
	}

	if !item.host {
		if err := w.maybeSync(item, destDir); err != nil {
			return err
		}
	}

	record := &resolvedRecord{}
	if item.host {
		if rec.General.ExportsPath || rec.General.ReexportsPath {
			for _, sub := range []string{"bin", "usr/bin", "usr/local/bin"} {
				dir := filepath.Join(destDir, sub)
				if fileExists(dir) {
					record.pathDirs = append(record.pathDirs, dir)
				}
			}
		}
		if rec.General.ExportsAclocal {
			for _, sub := range []string{"share/aclocal", "usr/share/aclocal", "usr/local/share/aclocal"} {
				dir := filepath.Join(destDir, sub)
				if fileExists(dir) {
					record.aclocalDirs = append(record.aclocalDirs, dir)
				}
			}
		}
	}
	w.records[name] = record
	w.pathDirs = append(w.pathDirs, record.pathDirs...)
	w.aclocalDirs = append(w.aclocalDirs, record.aclocalDirs...)

	return nil
}

// maybeSync decides whether this turn propagates the package into the
// sysroot. Dependencies sync only when they have never been synced before;
// user-requested packages sync when the op set includes it.
func (w *Walker) maybeSync(item workItem, destDir string) error {
	if item.userRequested {
		if !w.flags.DoSync {
			return nil
		}
	} else {
		previous, err := readManifest(manifestPath(w.cfg, item.name))
		if err != nil {
			return err
		}
		if len(previous) > 0 {
			debugf("%s already synced, skipping\n", item.name)
			return nil
		}
	}

	infof("syncing %s to sysroot\n", item.name)
	_, err := syncPackage(w.cfg, item.name, destDir)
	return err
}

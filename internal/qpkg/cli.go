package qpkg

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"
)

func printHelp() {
	colSuccess.Println("Usage: qpkg <ops...> [flags] <package...>")
	fmt.Println()
	color.Info.Println("Build ops (combine freely; each implies the stages before it):")

	type opInfo struct {
		Op   string
		Desc string
	}
	ops := []opInfo{
		{"prepare", "Fetch, verify, unpack and patch sources"},
		{"configure", "Prepare, then run the configure stage"},
		{"build", "Configure, then run the build stage"},
		{"install", "Build, then install to the dest dir"},
		{"sync", "Sync the dest dir to the sysroot"},
		{"rebuild", "build install sync, forcing build and install"},
		{"remove", "Remove a package's files from the sysroot"},
		{"checksum", "Fetch sources and (re)write the checksums file"},
		{"gen-patch", "Export local workdir changes as a recipe patch"},
		{"upload", "Pack the dest dir and upload it to the binary mirror"},
		{"log", "Interactive build log viewer"},
	}
	for _, o := range ops {
		fmt.Print("  ")
		color.Bold.Printf("%-12s", o.Op)
		color.Info.Println(o.Desc)
	}

	fmt.Println()
	color.Info.Println("Flags:")
	for _, f := range []opInfo{
		{"--force", "Redo the listed stages even if their gates exist"},
		{"--host", "Operate on host packages instead of target packages"},
		{"--dev", "Keep the workdir under git for later gen-patch"},
		{"--env=N=V", "Add an environment override for target stage commands"},
		{"--config=FILE", "Use FILE instead of ./qpkg.toml or /etc/qpkg.toml"},
		{"--debug", "Verbose diagnostics"},
	} {
		fmt.Print("  ")
		color.Bold.Printf("%-15s", f.Op)
		color.Info.Println(f.Desc)
	}
}

func isBuildOp(op string) bool {
	switch op {
	case "prepare", "configure", "build", "install", "sync", "rebuild":
		return true
	}
	return false
}

// opFlags folds the listed build ops into one stage set. force applies only
// to the stages named on the command line; the stages an op merely implies
// run unforced. rebuild is shorthand for `build install sync --force`.
func opFlags(ops []string, force, dev bool, extraEnv []EnvVar) (RunFlags, bool) {
	expanded := make([]string, 0, len(ops)+2)
	for _, op := range ops {
		if op == "rebuild" {
			force = true
			expanded = append(expanded, "build", "install", "sync")
			continue
		}
		expanded = append(expanded, op)
	}

	flags := RunFlags{Dev: dev, ExtraEnv: extraEnv}
	for _, op := range expanded {
		switch op {
		case "prepare":
			flags.DoPrepare = true
			flags.ForcePrepare = force
		case "configure":
			flags.DoConfigure = true
			flags.ForceConfigure = force
		case "build":
			flags.DoBuild = true
			flags.ForceBuild = force
		case "install":
			flags.DoInstall = true
			flags.ForceInstall = force
		case "sync":
			flags.DoSync = true
		default:
			return flags, false
		}
	}

	// Later stages pull in the earlier ones, unforced.
	switch {
	case flags.DoInstall:
		flags.DoPrepare, flags.DoConfigure, flags.DoBuild = true, true, true
	case flags.DoBuild:
		flags.DoPrepare, flags.DoConfigure = true, true
	case flags.DoConfigure:
		flags.DoPrepare = true
	}
	return flags, true
}

// Main is the CLI entrypoint for cmd/qpkg.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func fail(err error) int {
	colArrow.Print("-> ")
	colError.Printf("%v\n", err)
	return 1
}

func run(ctx context.Context, args []string) int {
	var (
		words      []string
		force      bool
		host       bool
		dev        bool
		configPath string
		extraEnv   []EnvVar
	)

	for _, arg := range args {
		switch {
		case arg == "--force" || arg == "-f":
			force = true
		case arg == "--host":
			host = true
		case arg == "--dev":
			dev = true
		case arg == "--debug":
			Debug = true
		case strings.HasPrefix(arg, "--env="):
			kv := strings.TrimPrefix(arg, "--env=")
			name, value, found := strings.Cut(kv, "=")
			if !found || name == "" {
				return fail(fmt.Errorf("--env expects NAME=VALUE, got %q", kv))
			}
			extraEnv = append(extraEnv, EnvVar{Name: name, Value: value})
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--help" || arg == "-h" || arg == "help":
			printHelp()
			return 0
		case strings.HasPrefix(arg, "-"):
			return fail(fmt.Errorf("unknown flag %q", arg))
		default:
			words = append(words, arg)
		}
	}

	if len(words) == 0 {
		printHelp()
		return 1
	}

	// Build ops stack: everything up to the first non-op word is an op, the
	// rest are package names. The maintenance ops stand alone.
	var op string
	var ops, names []string
	switch words[0] {
	case "log", "remove", "checksum", "gen-patch", "upload":
		op = words[0]
		names = words[1:]
	default:
		for len(words) > 0 && isBuildOp(words[0]) {
			ops = append(ops, words[0])
			words = words[1:]
		}
		if len(ops) == 0 {
			return fail(fmt.Errorf("unknown op %q", words[0]))
		}
		names = words
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fail(err)
	}
	templates, err := LoadTemplates(cfg)
	if err != nil {
		return fail(err)
	}

	if op == "log" {
		if err := RunLogViewer(cfg); err != nil {
			return fail(err)
		}
		return 0
	}

	if len(names) == 0 {
		return fail(fmt.Errorf("no packages specified"))
	}

	e := NewExecutor(ctx)
	switch op {
	case "remove":
		for _, name := range names {
			if err := removePackage(cfg, name); err != nil {
				return fail(err)
			}
		}
	case "checksum":
		for _, name := range names {
			if err := writeChecksums(e, cfg, templates, name, host); err != nil {
				return fail(err)
			}
		}
	case "gen-patch":
		for _, name := range names {
			if err := genPatch(e, cfg, templates, name, host); err != nil {
				return fail(err)
			}
		}
	case "upload":
		for _, name := range names {
			if err := uploadPackage(ctx, e, cfg, templates, name, host); err != nil {
				return fail(err)
			}
		}
	default:
		flags, ok := opFlags(ops, force, dev, extraEnv)
		if !ok {
			return fail(fmt.Errorf("unknown op"))
		}
		w, err := NewWalker(ctx, cfg, templates, flags)
		if err != nil {
			return fail(err)
		}
		if err := w.Run(names, host); err != nil {
			return fail(err)
		}
		infof("done\n")
	}
	return 0
}

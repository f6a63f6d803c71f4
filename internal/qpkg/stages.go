package qpkg

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Stage gate files. Their presence means the stage completed for the current
// tree. prepare is keyed to the source directory since the build directory
// can be wiped and recreated independently.
const (
	gatePrepared   = "qpkg.prepared"
	gateConfigured = "qpkg.configured"
	gateBuilt      = "qpkg.built"
	gateInstalled  = "qpkg.installed"

	buildLogName = "qpkg-build.log"
)

// workDirFor computes the absolute workdir of a finalized recipe, the
// directory prepare commands run in.
func workDirFor(rec *Recipe, rootSrcDir string) (string, error) {
	srcRoot := rootSrcDir
	if rec.General.SrcUnpackDir != "" {
		srcRoot = rec.General.SrcUnpackDir
	}
	dir, err := filepath.Abs(filepath.Join(srcRoot, rec.General.WorkDir))
	if err != nil {
		return "", fmt.Errorf("failed to get absolute workdir: %w", err)
	}
	return dir, nil
}

// commandEnv assembles the environment for one stage command: inherited
// process environment, locale pin, stage overrides in list order, then the
// global host/target build environment. Go resolves duplicate keys to the
// last entry, so later sections override earlier ones.
func (w *Walker) commandEnv(st *Stage, host, withSysroot bool) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env, "LC_ALL=C")
	for _, ev := range st.Env {
		env = append(env, ev.Name+"="+ev.Value)
	}
	if host {
		env = append(env, w.hostEnv...)
	} else {
		env = append(env, w.targetEnv...)
	}
	if withSysroot {
		env = append(env, "QPKG_SYSROOT_DIR="+w.absSysroot)
	}
	env = append(env, "PATH="+w.currentPath())
	env = append(env, "ACLOCAL_PATH="+strings.Join(w.aclocalDirs, ":"))
	return env
}

func (w *Walker) currentPath() string {
	if len(w.pathDirs) == 0 {
		return w.basePath
	}
	return strings.Join(w.pathDirs, ":") + ":" + w.basePath
}

// runCommands executes a stage's command lines through /bin/sh in dir,
// teeing output into the package's build log. The first failing command
// aborts the run.
func (w *Walker) runCommands(st *Stage, dir string, host, withSysroot bool, logPath string) error {
	for _, tokens := range st.Commands {
		line := strings.Join(tokens, " ")

		cmd := exec.Command("/bin/sh", "-c", line)
		cmd.Dir = dir
		cmd.Env = w.commandEnv(st, host, withSysroot)

		var logFile *os.File
		if logPath != "" {
			// prepare logs here too, before the build dir exists.
			if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
				return fmt.Errorf("failed to create log dir for %s: %w", logPath, err)
			}
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open build log %s: %w", logPath, err)
			}
			logFile = f
			out := io.MultiWriter(os.Stdout, f)
			cmd.Stdout = out
			cmd.Stderr = out
		}

		err := w.exec.Run(cmd)
		if logFile != nil {
			logFile.Close()
		}
		if err != nil {
			return fmt.Errorf("command %q failed: %w", line, err)
		}
	}
	return nil
}

// runStages drives the four gated build stages for one finalized recipe.
// Transitive dependencies always run every stage they are missing; for
// user-requested packages the requested-op set decides, and force flags
// apply.
func (w *Walker) runStages(item workItem, rec *Recipe) error {
	name := item.name
	srcRoot := w.cfg.srcRootDir(name, item.host)
	buildDir := w.cfg.buildDir(name, item.host)

	workDir, err := workDirFor(rec, srcRoot)
	if err != nil {
		return err
	}
	logPath := filepath.Join(buildDir, buildLogName)

	if !item.userRequested || w.flags.DoPrepare {
		gate := filepath.Join(srcRoot, gatePrepared)

		if item.userRequested && w.flags.ForcePrepare {
			infof("forcing prepare for %s\n", name)
			if err := removeFileIfExists(gate); err != nil {
				return err
			}
		}

		if !fileExists(gate) {
			if err := w.prepare(item, rec, srcRoot, workDir, logPath); err != nil {
				return err
			}
			if err := touchFile(gate); err != nil {
				return err
			}
		}
	}

	type buildStage struct {
		op    string
		stage *Stage
		gate  string
		do    bool
		force bool
	}
	stages := []buildStage{
		{"configuring", &rec.Configure, gateConfigured, w.flags.DoConfigure, w.flags.ForceConfigure},
		{"building", &rec.Build, gateBuilt, w.flags.DoBuild, w.flags.ForceBuild},
		{"installing", &rec.Install, gateInstalled, w.flags.DoInstall, w.flags.ForceInstall},
	}

	for _, st := range stages {
		if item.userRequested && !st.do {
			continue
		}

		if item.userRequested && st.force {
			infof("forcing %s for %s\n", st.op, name)
			if st.gate == gateConfigured {
				// Wiping the build directory cascades: the build and install
				// gates live under it.
				if err := os.RemoveAll(buildDir); err != nil {
					return fmt.Errorf("failed to remove build dir %s: %w", buildDir, err)
				}
			} else {
				if err := removeFileIfExists(filepath.Join(buildDir, st.gate)); err != nil {
					return err
				}
			}
		}

		gate := filepath.Join(buildDir, st.gate)
		if fileExists(gate) {
			continue
		}

		infof("%s %s\n", st.op, name)
		if err := os.MkdirAll(buildDir, 0o755); err != nil {
			return fmt.Errorf("failed to create build dir %s: %w", buildDir, err)
		}
		if err := w.runCommands(st.stage, buildDir, item.host, true, logPath); err != nil {
			return err
		}
		if err := touchFile(gate); err != nil {
			return err
		}
	}

	if fileExists(filepath.Join(buildDir, gateInstalled)) {
		compressBuildLog(logPath)
	}

	return nil
}

// prepare wipes and repopulates the package's source tree: verify and unpack
// archives, link git clones into the workdir, optionally seed a dev-mode git
// repository, apply the recipe's patches, then run the prepare commands.
func (w *Walker) prepare(item workItem, rec *Recipe, srcRoot, workDir, logPath string) error {
	infof("preparing source for %s\n", item.name)

	if err := verifySources(w.cfg, rec, item.host); err != nil {
		return err
	}

	if err := os.RemoveAll(srcRoot); err != nil {
		return fmt.Errorf("failed to remove srcdir %s: %w", srcRoot, err)
	}
	if err := os.MkdirAll(srcRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create srcdir %s: %w", srcRoot, err)
	}

	if !rec.General.NoAutoUnpack {
		for _, src := range rec.General.Src {
			path := sourcePath(rec, w.cfg.archivesDir(), src)

			if isTarArchive(src) {
				if err := extractTar(w.exec, path, srcRoot); err != nil {
					return err
				}
			} else if _, _, _, isGit := parseGitSource(src); isGit {
				if err := os.Symlink(path, workDir); err != nil && !os.IsExist(err) {
					return fmt.Errorf("failed to symlink %s -> %s: %w", path, workDir, err)
				}
			}
		}
	}

	// The workdir may not exist for recipes that generate everything in
	// prepare; a failure here is caught by the commands themselves.
	_ = os.MkdirAll(workDir, 0o755)

	if w.flags.Dev {
		if err := initDevRepo(w.exec, workDir); err != nil {
			return err
		}
	}

	if !rec.General.NoAutoPatch {
		if err := w.applyPatches(item, workDir); err != nil {
			return err
		}
	}

	return w.runCommands(&rec.Prepare, workDir, item.host, false, logPath)
}

// applyPatches runs every .patch/.diff under the recipe's patches directory
// against the workdir, in directory-walk order.
func (w *Walker) applyPatches(item workItem, workDir string) error {
	patchesDir, err := filepath.Abs(filepath.Join(w.cfg.recipesDir(item.host), item.name, "patches"))
	if err != nil {
		return fmt.Errorf("failed to get absolute patches dir: %w", err)
	}
	if !fileExists(patchesDir) {
		return nil
	}

	return filepath.WalkDir(patchesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".patch" && ext != ".diff" {
			return nil
		}

		infof("applying patch %s\n", d.Name())
		cmd := exec.Command("patch", "-Np1", "-i", path)
		cmd.Dir = workDir
		if err := w.exec.Run(cmd); err != nil {
			return fmt.Errorf("patch %s failed: %w", d.Name(), err)
		}
		return nil
	})
}

// compressBuildLog squashes a finished package's build log to xz, keeping
// the build directory lean. Best-effort: a failure only costs disk space.
func compressBuildLog(logPath string) {
	if !fileExists(logPath) {
		return
	}

	src, err := os.Open(logPath)
	if err != nil {
		debugf("failed to open build log %s: %v\n", logPath, err)
		return
	}
	defer src.Close()

	dst, err := os.Create(logPath + ".xz")
	if err != nil {
		debugf("failed to create %s.xz: %v\n", logPath, err)
		return
	}
	defer dst.Close()

	xw, err := xz.NewWriter(dst)
	if err != nil {
		debugf("failed to create xz writer: %v\n", err)
		return
	}
	if _, err := io.Copy(xw, src); err != nil {
		debugf("failed to compress build log: %v\n", err)
		xw.Close()
		return
	}
	if err := xw.Close(); err != nil {
		debugf("failed to finish compressed build log: %v\n", err)
		return
	}
	_ = os.Remove(logPath)
}

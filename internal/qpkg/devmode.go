package qpkg

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// initDevRepo turns a freshly prepared workdir into a one-commit git
// repository so local experiments can later be exported with gen-patch. A
// workdir that already carries .git (a git source, or an earlier dev prepare)
// is left alone. On any failure the half-made .git is removed so a retry
// starts clean.
func initDevRepo(e *Executor, workDir string) error {
	gitDir := filepath.Join(workDir, ".git")
	if fileExists(gitDir) {
		debugf("%s already under git, skipping dev init\n", workDir)
		return nil
	}

	infof("initializing dev repository in %s\n", workDir)
	run := func(args ...string) error {
		// The repo is a throwaway local snapshot, so pin an identity instead
		// of depending on the user's git config.
		full := append([]string{"-c", "user.name=qpkg", "-c", "user.email=qpkg@localhost"}, args...)
		cmd := exec.Command("git", full...)
		cmd.Dir = workDir
		return e.Run(cmd)
	}

	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "-A"},
		{"commit", "-q", "--allow-empty", "-m", "pristine import"},
	} {
		if err := run(args...); err != nil {
			os.RemoveAll(gitDir)
			return fmt.Errorf("git %s failed in %s: %w", args[0], workDir, err)
		}
	}
	return nil
}

// genPatch exports the local modifications of a dev-mode workdir as a patch
// under the recipe's patches directory, where the next prepare picks it up.
// This is the `qpkg gen-patch` op.
func genPatch(e *Executor, cfg *Config, templates map[string]Template, name string, host bool) error {
	raw, err := LoadRecipe(cfg, name, host)
	if err != nil {
		return err
	}
	srcRoot := cfg.srcRootDir(name, host)
	rec, err := FinalizeRecipe(raw, templates, cfg, srcRoot, cfg.destDir(name, host))
	if err != nil {
		return err
	}
	workDir, err := workDirFor(rec, srcRoot)
	if err != nil {
		return err
	}
	if !fileExists(filepath.Join(workDir, ".git")) {
		return fmt.Errorf("%s is not a dev source tree (prepare it with --dev first)", workDir)
	}

	cmd := exec.CommandContext(e.Context, "git", "diff", "--patch", "HEAD")
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git diff failed in %s: %w", workDir, err)
	}

	if out.Len() == 0 {
		infof("no local changes in %s\n", workDir)
		return nil
	}

	patchesDir := filepath.Join(cfg.recipesDir(host), name, "patches")
	if err := os.MkdirAll(patchesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", patchesDir, err)
	}
	patchPath := filepath.Join(patchesDir, name+"-dev.patch")
	if err := os.WriteFile(patchPath, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", patchPath, err)
	}

	infof("wrote %s\n", patchPath)
	return nil
}

package qpkg

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

// archiveFileName derives the local cache name for a source locator: the
// component after the last slash, truncated at ".git" for git references.
func archiveFileName(src string) string {
	name := src
	if idx := strings.LastIndex(src, "/"); idx != -1 {
		name = src[idx+1:]
	}
	if pos := strings.Index(name, ".git"); pos != -1 {
		name = name[:pos]
	}
	return name
}

// parseGitSource splits a git locator of the form
// https://host/repo.git[:branch[,full]] into its parts. ok is false when the
// locator carries no ".git" marker.
func parseGitSource(src string) (url, branch string, full, ok bool) {
	pos := strings.Index(src, ".git")
	if pos == -1 {
		return "", "", false, false
	}
	url = src[:pos]
	rest := src[pos+4:]
	if strings.HasPrefix(rest, ":") {
		opts := rest[1:]
		if cut := strings.Index(opts, ",full"); cut != -1 {
			branch = opts[:cut]
			full = true
		} else {
			branch = opts
		}
	}
	return url, branch, full, true
}

// sourcePath is where a fetched locator lands: the recipe's unpack dir when
// set, the shared archives cache otherwise.
func sourcePath(rec *Recipe, archivesDir, src string) string {
	name := archiveFileName(src)
	if rec.General.SrcUnpackDir != "" {
		return filepath.Join(rec.General.SrcUnpackDir, name)
	}
	return filepath.Join(archivesDir, name)
}

// fetchSources guarantees every source locator of a finalized recipe has a
// local archive or clone. Already-present paths are never re-fetched.
func fetchSources(e *Executor, rec *Recipe, archivesDir string) error {
	for _, src := range rec.General.Src {
		path := sourcePath(rec, archivesDir, src)
		if fileExists(path) {
			debugf("already fetched: %s\n", path)
			continue
		}

		if url, branch, full, isGit := parseGitSource(src); isGit {
			infof("fetching %s using git\n", url)

			args := []string{"clone", url}
			if !full {
				args = append(args, "--depth=1")
			}
			if branch != "" {
				args = append(args, "-b", branch)
			}
			if rec.General.RecurseSubmodules {
				args = append(args, "--recurse-submodules")
			}
			args = append(args, path)

			if err := e.Run(exec.Command("git", args...)); err != nil {
				return fmt.Errorf("git clone of %s failed: %w", url, err)
			}
		} else if strings.HasPrefix(src, "http") {
			infof("fetching %s\n", src)
			if err := downloadFile(e, src, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// downloadFile fetches url into dest. An flock on dest.lock keeps concurrent
// qpkg invocations sharing one archives cache from clobbering each other.
// curl is tried first, then wget, then a native HTTP client.
func downloadFile(e *Executor, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dest), err)
	}

	lockPath := dest + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	defer os.Remove(lockPath)

	// Another invocation may have finished the download while we waited.
	if fileExists(dest) {
		debugf("%s appeared after acquiring lock, skipping download\n", dest)
		return nil
	}

	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", "-L", "--fail", "-#", "-o", dest, url)
		if err := e.Run(cmd); err == nil {
			return nil
		}
		debugf("curl failed, falling back to wget\n")
		os.Remove(dest)
	}

	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-nv", "-O", dest, url)
		if err := e.Run(cmd); err == nil {
			return nil
		}
		debugf("wget failed, falling back to native HTTP client\n")
		os.Remove(dest)
	}

	return downloadNative(url, dest)
}

func downloadNative(url, dest string) error {
	client := &http.Client{Timeout: 300 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("http get %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if stdoutIsTerminal() {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

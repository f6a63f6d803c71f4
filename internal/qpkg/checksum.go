package qpkg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// hashFile returns the BLAKE3 hex digest of a file. The system b3sum binary
// is preferred (it is SIMD-tuned and usually present on build hosts); the
// pure-Go implementation is the fallback.
func hashFile(path string) (string, error) {
	if _, err := exec.LookPath("b3sum"); err == nil {
		cmd := exec.Command("b3sum", "--no-names", path)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err == nil {
			if sum := strings.TrimSpace(out.String()); sum != "" {
				return sum, nil
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func checksumsPath(cfg *Config, name string, host bool) string {
	return filepath.Join(cfg.recipesDir(host), name, "checksums")
}

// readChecksums parses a checksums file: "<archive-name>  <b3-hex>" per line.
// A missing file yields an empty map, meaning verification is skipped.
func readChecksums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checksums file %s: %w", path, err)
	}
	defer f.Close()

	sums := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("checksums file %s: malformed line %q", path, line)
		}
		sums[fields[0]] = fields[1]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading checksums file %s: %w", path, err)
	}
	return sums, nil
}

// verifySources checks every fetched archive against the recipe's checksums
// file, when one exists. Git clones are skipped since they have no stable
// archive to hash.
func verifySources(cfg *Config, rec *Recipe, host bool) error {
	sums, err := readChecksums(checksumsPath(cfg, rec.General.Name, host))
	if err != nil {
		return err
	}
	if sums == nil {
		return nil
	}

	for _, src := range rec.General.Src {
		if _, _, _, isGit := parseGitSource(src); isGit {
			continue
		}
		name := archiveFileName(src)
		want, ok := sums[name]
		if !ok {
			return fmt.Errorf("recipe %s: no checksum recorded for %s", rec.General.Name, name)
		}
		got, err := hashFile(sourcePath(rec, cfg.archivesDir(), src))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("recipe %s: checksum mismatch for %s: want %s, got %s",
				rec.General.Name, name, want, got)
		}
	}
	return nil
}

// writeChecksums fetches the package's sources and (re)writes its checksums
// file. This is the `qpkg checksum` op.
func writeChecksums(e *Executor, cfg *Config, templates map[string]Template, name string, host bool) error {
	raw, err := LoadRecipe(cfg, name, host)
	if err != nil {
		return err
	}
	rec, err := FinalizeRecipe(raw, templates, cfg, cfg.srcRootDir(name, host), cfg.destDir(name, host))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.archivesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", cfg.archivesDir(), err)
	}
	if err := fetchSources(e, rec, cfg.archivesDir()); err != nil {
		return err
	}

	var buf strings.Builder
	for _, src := range rec.General.Src {
		if _, _, _, isGit := parseGitSource(src); isGit {
			continue
		}
		archive := sourcePath(rec, cfg.archivesDir(), src)
		sum, err := hashFile(archive)
		if err != nil {
			return err
		}
		fmt.Fprintf(&buf, "%s  %s\n", archiveFileName(src), sum)
	}

	path := checksumsPath(cfg, name, host)
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	infof("wrote %s\n", path)
	return nil
}

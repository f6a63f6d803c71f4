package qpkg

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The FILES manifest is the compatibility surface other tools read: one
// sysroot-relative path per line, in filesystem-walk order, trailing newline,
// no escaping.

func manifestPath(cfg *Config, name string) string {
	return filepath.Join(cfg.metaDir(name), "FILES")
}

// readManifest returns the recorded paths in file order. A missing manifest
// is an empty manifest.
func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest %s: %w", path, err)
	}
	return lines, nil
}

func writeManifest(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

package qpkg

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const mirrorIndexKey = "index.json"

// MirrorEntry is one record of the mirror's index.json.
type MirrorEntry struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Host     bool   `json:"host,omitempty"`
	B3Sum    string `json:"b3sum"`
	Filename string `json:"filename"`
}

// uploadPackage packs a built package's install destination into a tar.zst,
// uploads it to the mirror and updates the remote index. This is the
// `qpkg upload` op.
func uploadPackage(ctx context.Context, e *Executor, cfg *Config, templates map[string]Template, name string, host bool) error {
	raw, err := LoadRecipe(cfg, name, host)
	if err != nil {
		return err
	}
	destDir := cfg.destDir(name, host)
	rec, err := FinalizeRecipe(raw, templates, cfg, cfg.srcRootDir(name, host), destDir)
	if err != nil {
		return err
	}
	if !fileExists(destDir) {
		return fmt.Errorf("package %s has not been installed (missing %s)", name, destDir)
	}

	binDir := filepath.Join(cfg.General.BuildRoot, "binaries")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", binDir, err)
	}

	filename := fmt.Sprintf("%s-%s.tar.zst", name, rec.General.Version)
	archive := filepath.Join(binDir, filename)
	if err := packDestDir(e, destDir, archive); err != nil {
		return err
	}

	sum, err := hashFile(archive)
	if err != nil {
		return err
	}

	mirror, err := NewMirrorClient(cfg)
	if err != nil {
		return err
	}

	infof("uploading %s\n", filename)
	if err := mirror.UploadLocalFile(ctx, filename, archive); err != nil {
		return fmt.Errorf("failed to upload %s: %w", filename, err)
	}

	var index []MirrorEntry
	if data, err := mirror.DownloadFile(ctx, mirrorIndexKey); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("failed to parse mirror index: %w", err)
		}
	} else {
		debugf("mirror index not found, starting fresh: %v\n", err)
	}

	entry := MirrorEntry{
		Name:     name,
		Version:  rec.General.Version,
		Host:     host,
		B3Sum:    sum,
		Filename: filename,
	}
	replaced := false
	for i := range index {
		if index[i].Name == name && index[i].Host == host {
			index[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, entry)
	}
	sort.Slice(index, func(i, j int) bool {
		if index[i].Name != index[j].Name {
			return index[i].Name < index[j].Name
		}
		return !index[i].Host && index[j].Host
	})

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	if err := mirror.UploadFile(ctx, mirrorIndexKey, data); err != nil {
		return fmt.Errorf("failed to upload mirror index: %w", err)
	}

	infof("upload complete: %s (%s)\n", filename, sum)
	return nil
}

// packDestDir archives the contents of destDir into a tar.zst. System tar is
// preferred; the pure-Go writer is the fallback.
func packDestDir(e *Executor, destDir, archive string) error {
	if _, err := exec.LookPath("tar"); err == nil {
		cmd := exec.Command("tar", "--zstd", "-cf", archive, "-C", destDir, ".")
		if err := e.Run(cmd); err == nil {
			return nil
		}
		debugf("system tar failed for %s, falling back to pure-Go packing\n", archive)
		os.Remove(archive)
	}

	out, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", archive, err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	err = filepath.WalkDir(absDest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absDest, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", destDir, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

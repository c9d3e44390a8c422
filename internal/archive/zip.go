// SPDX-License-Identifier: MIT

// Package archive builds the single compressed artifact uploaded for directory
// outputs. Archives are deterministic: entries sorted by relative path, no
// absolute paths, symlinks and irregular files skipped.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Format is the only supported archive container.
const Format = "zip"

// Suffix is appended to the directory name to build the archive object name.
const Suffix = "_compressed.zip"

// Info describes one produced archive; serialized into the stage output as
// F_compression_info.
type Info struct {
	FilesCount       int     `json:"files_count"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Format           string  `json:"format"`
}

// fixed modification time keeps archive bytes stable across runs
var epoch = time.Unix(0, 0).UTC()

// CompressDir writes <dir>'s regular files into a zip archive at destPath and
// returns the compression info. Entry names are slash-separated paths relative
// to dir.
func CompressDir(dir, destPath string) (Info, error) {
	entries, totalSize, err := collectFiles(dir)
	if err != nil {
		return Info{}, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return Info{}, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range entries {
		if err := addEntry(zw, dir, rel); err != nil {
			zw.Close()
			return Info{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return Info{}, fmt.Errorf("finalize archive: %w", err)
	}

	stat, err := os.Stat(destPath)
	if err != nil {
		return Info{}, fmt.Errorf("stat archive: %w", err)
	}

	info := Info{
		FilesCount:     len(entries),
		OriginalSize:   totalSize,
		CompressedSize: stat.Size(),
		Format:         Format,
	}
	if totalSize > 0 {
		info.CompressionRatio = float64(stat.Size()) / float64(totalSize)
	}
	return info, nil
}

// ArchiveName returns the object basename for a directory archive.
func ArchiveName(dir string) string {
	return filepath.Base(filepath.Clean(dir)) + Suffix
}

func collectFiles(dir string) ([]string, int64, error) {
	var rels []string
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil // directories, symlinks, devices
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(rels)
	return rels, total, nil
}

func addEntry(zw *zip.Writer, dir, rel string) error {
	if strings.HasPrefix(rel, "/") {
		return fmt.Errorf("absolute entry name: %s", rel)
	}
	src, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer src.Close()

	hdr := &zip.FileHeader{
		Name:     rel,
		Method:   zip.Deflate,
		Modified: epoch,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", rel, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write entry %s: %w", rel, err)
	}
	return nil
}

// ExtractAll unpacks an archive into destDir. Used by tests and by the
// round-trip verification in the file operations surface.
func ExtractAll(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if filepath.IsAbs(name) || strings.Contains(f.Name, "..") {
			return fmt.Errorf("unsafe entry name: %s", f.Name)
		}
		target := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractOne(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

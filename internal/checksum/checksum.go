// Package checksum computes content fingerprints for single files and for
// directory subtrees. A missing path is reported through the ok result, never
// as an error.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Record is the fingerprint of a single tracked file
type Record struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	ModTime time.Time `json:"last_modified"`
}

// Directory is the combined fingerprint of a directory subtree
type Directory struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	FileCount int       `json:"file_count"`
	ModTime   time.Time `json:"last_modified"`
}

// File computes the SHA256 hash of a file.
// ok is false when the file does not exist.
func File(path string) (hash string, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// Dir computes the combined hash of all files below root, optionally
// restricted to the given extensions. ok is false when root does not exist.
func Dir(root string, extensions []string) (hash string, ok bool, err error) {
	d, ok, err := StatDir(root, extensions)
	if err != nil || !ok {
		return "", ok, err
	}
	return d.Hash, true, nil
}

// StatFile returns the Record for a file, or ok=false if it is missing.
func StatFile(path string) (Record, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if info.IsDir() {
		return Record{}, false, fmt.Errorf("%s is a directory", path)
	}

	hash, ok, err := File(path)
	if err != nil || !ok {
		return Record{}, ok, err
	}

	return Record{Path: path, Hash: hash, ModTime: info.ModTime().UTC()}, true, nil
}

// StatDir returns the Directory fingerprint for root.
//
// Each included file contributes a "relPath:hash" line; lines are sorted
// before hashing so the result does not depend on enumeration order.
func StatDir(root string, extensions []string) (Directory, bool, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Directory{}, false, nil
		}
		return Directory{}, false, err
	}
	if !info.IsDir() {
		return Directory{}, false, fmt.Errorf("%s is not a directory", root)
	}

	files, err := ListFiles(root, extensions)
	if err != nil {
		return Directory{}, false, err
	}

	var newest time.Time
	lines := make([]string, 0, len(files))
	for _, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			return Directory{}, false, err
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}

		hash, ok, err := File(path)
		if err != nil {
			return Directory{}, false, err
		}
		if !ok {
			// removed between listing and hashing
			continue
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return Directory{}, false, fmt.Errorf("failed to compute relative path: %w", err)
		}
		lines = append(lines, filepath.ToSlash(rel)+":"+hash)
	}

	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))

	return Directory{
		Path:      root,
		Hash:      hex.EncodeToString(sum[:]),
		FileCount: len(lines),
		ModTime:   newest.UTC(),
	}, true, nil
}

// ListFiles finds all regular files below dir whose extension matches one of
// extensions (all files when extensions is empty). Hidden files and
// directories (names starting with ".") are skipped.
func ListFiles(dir string, extensions []string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() && MatchesExtension(path, extensions) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// MatchesExtension reports whether path ends in one of extensions, ignoring
// case. An empty extension list matches everything.
func MatchesExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

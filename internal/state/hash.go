package state

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Hash returns a content hash over the write directories of the state and of
// its dependencies. The metadata directory is excluded so that logs written
// by a run do not change the hash. It is recomputed on every call.
func (s *LocalFS) Hash() (string, error) {
	dirs := slices.Clone(s.readwrite)
	for _, dep := range s.dependencies {
		dirs = append(dirs, dep.readwrite...)
	}
	slices.Sort(dirs)
	dirs = slices.Compact(dirs)

	h := sha1.New()
	for _, d := range dirs {
		dh, err := dirHash(d)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n", dh)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// dirHash hashes relative file paths and contents in lexical walk order.
// A missing directory hashes like an empty one.
func dirHash(root string) (string, error) {
	h := sha1.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == MetaDirName && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

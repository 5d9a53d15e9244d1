// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/zeebo/blake3"
)

// Digest returns the hex BLAKE3 digest of every source file under
// root matching extensions, skipping ignored directories. The digest
// covers relative paths and contents in lexical walk order, so it
// changes when a source file is added, removed, renamed, or edited.
func Digest(root string, extensions, ignore []string) (string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if ignore == nil {
		ignore = DefaultIgnore
	}
	tree := blake3.New()
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != root && slices.Contains(ignore, entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !Matches(path, extensions) {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fileDigest, err := hashFile(path)
		if err != nil {
			return err
		}
		tree.Write([]byte(filepath.ToSlash(relative)))
		tree.Write([]byte{0})
		tree.Write(fileDigest[:])
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digesting %s: %w", root, err)
	}
	return hex.EncodeToString(tree.Sum(nil)), nil
}

func hashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

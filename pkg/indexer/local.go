// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

// LocalBackend reads an already-checked-out working tree. It never
// writes to the repository; keeping the checkout current is the
// operator's job.
type LocalBackend struct {
	root    string
	version string
}

// NewLocalBackend validates that root exists and is a directory.
// version is used as a fallback identity when the tree carries no git
// metadata.
func NewLocalBackend(root, version string) (*LocalBackend, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository path %q not accessible: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path %q is not a directory", root)
	}
	return &LocalBackend{root: root, version: version}, nil
}

func (b *LocalBackend) AccessMode() string { return storage.IndexModeLocal }

// CommitIdentity resolves HEAD if the tree is a git repository, else a
// stable hash of the version label.
func (b *LocalBackend) CommitIdentity(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(b.root)
	if err == nil {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	sum := sha256.Sum256([]byte(b.version))
	return hex.EncodeToString(sum[:]), nil
}

// ListFiles walks the tree, pruning excluded directories.
func (b *LocalBackend) ListFiles(ctx context.Context, languages []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(b.root, path)
		if relErr != nil {
			return relErr //nolint:wrapcheck // internal walk error
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ExcludePath(rel) {
			return nil
		}
		if _, ok := matchesLanguage(rel, languages); ok {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %q: %w", b.root, err)
	}
	return out, nil
}

// ReadFile reads one repository-relative file.
func (b *LocalBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("path %q escapes the repository", path)
	}
	data, err := os.ReadFile(filepath.Join(b.root, clean))
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	return data, nil
}

// ChangedFiles diffs two commits in the underlying git repository. When
// the tree is not a git repository, an error forces the caller back to
// a full reindex.
func (b *LocalBackend) ChangedFiles(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	repo, err := git.PlainOpen(b.root)
	if err != nil {
		return nil, fmt.Errorf("not a git repository, cannot diff: %w", err)
	}

	oldObj, err := repo.CommitObject(plumbing.NewHash(oldCommit))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %q: %w", oldCommit, err)
	}
	newObj, err := repo.CommitObject(plumbing.NewHash(newCommit))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %q: %w", newCommit, err)
	}

	patch, err := oldObj.Patch(newObj)
	if err != nil {
		return nil, fmt.Errorf("failed to diff commits: %w", err)
	}

	var out []string
	for _, fp := range patch.FilePatches() {
		_, to := fp.Files()
		if to == nil {
			continue // deleted
		}
		path := to.Path()
		if ExcludePath(path) {
			continue
		}
		if _, ok := matchesLanguage(path, languages); ok {
			out = append(out, path)
		}
	}
	return out, nil
}

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
	"fmt"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

// GitHubBackend reads a repository through the GitHub REST API. Nothing
// is cloned; the commit identity is always fetched fresh.
type GitHubBackend struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// NewGitHubBackend parses owner/repo from the remote URL and builds an
// authenticated client.
func NewGitHubBackend(ctx context.Context, repositoryURL, branch, token string) (*GitHubBackend, error) {
	owner, repo, err := parseRepoURL(repositoryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository url: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	return &GitHubBackend{
		client: client,
		owner:  owner,
		repo:   repo,
		branch: branch,
	}, nil
}

func (b *GitHubBackend) AccessMode() string { return storage.IndexModeAPI }

// CommitIdentity returns the tip SHA of the configured branch.
func (b *GitHubBackend) CommitIdentity(ctx context.Context) (string, error) {
	commits, _, err := b.client.Repositories.ListCommits(ctx, b.owner, b.repo, &github.CommitsListOptions{
		SHA:         b.branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", fmt.Errorf("failed to list commits for %s/%s@%s: %w", b.owner, b.repo, b.branch, err)
	}
	if len(commits) == 0 {
		return "", fmt.Errorf("branch %q has no commits", b.branch)
	}
	return commits[0].GetSHA(), nil
}

// ListFiles fetches the full recursive tree at the branch tip.
func (b *GitHubBackend) ListFiles(ctx context.Context, languages []string) ([]string, error) {
	tree, _, err := b.client.Git.GetTree(ctx, b.owner, b.repo, b.branch, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree for %s/%s: %w", b.owner, b.repo, err)
	}

	var out []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		path := entry.GetPath()
		if ExcludePath(path) {
			continue
		}
		if _, ok := matchesLanguage(path, languages); ok {
			out = append(out, path)
		}
	}
	return out, nil
}

// ReadFile downloads one file at the branch tip.
func (b *GitHubBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	content, _, _, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, path, &github.RepositoryContentGetOptions{
		Ref: b.branch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %q: %w", path, err)
	}
	if content == nil {
		return nil, fmt.Errorf("%q is not a file", path)
	}
	text, err := content.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	return []byte(text), nil
}

// ChangedFiles compares two commits and returns the paths to reindex.
// Removed files are excluded; added, modified, and renamed files are
// included.
func (b *GitHubBackend) ChangedFiles(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	cmp, _, err := b.client.Repositories.CompareCommits(ctx, b.owner, b.repo, oldCommit, newCommit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compare %s..%s: %w", oldCommit, newCommit, err)
	}

	var out []string
	for _, f := range cmp.Files {
		switch f.GetStatus() {
		case "added", "modified", "renamed":
		default:
			continue
		}
		path := f.GetFilename()
		if ExcludePath(path) {
			continue
		}
		if _, ok := matchesLanguage(path, languages); ok {
			out = append(out, path)
		}
	}
	return out, nil
}

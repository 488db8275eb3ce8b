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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

// GitLabBackend reads a repository through the GitLab v4 REST API.
type GitLabBackend struct {
	baseURL   string
	projectID string
	branch    string
	token     string
	client    *http.Client
}

// NewGitLabBackend parses owner/repo from the remote URL. The project
// id on the wire is the URL-encoded "owner/repo" path.
func NewGitLabBackend(hostURL, repositoryURL, branch, token string) (*GitLabBackend, error) {
	owner, repo, err := parseRepoURL(repositoryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository url: %w", err)
	}
	if hostURL == "" {
		hostURL = "https://gitlab.com"
	}

	return &GitLabBackend{
		baseURL:   hostURL + "/api/v4",
		projectID: url.PathEscape(owner + "/" + repo),
		branch:    branch,
		token:     token,
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (b *GitLabBackend) AccessMode() string { return storage.IndexModeAPI }

// CommitIdentity returns the tip SHA of the configured branch.
func (b *GitLabBackend) CommitIdentity(ctx context.Context) (string, error) {
	var commits []struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/projects/%s/repository/commits?ref_name=%s&per_page=1",
		b.projectID, url.QueryEscape(b.branch))
	if err := b.get(ctx, path, &commits); err != nil {
		return "", fmt.Errorf("failed to list commits: %w", err)
	}
	if len(commits) == 0 {
		return "", fmt.Errorf("branch %q has no commits", b.branch)
	}
	return commits[0].ID, nil
}

// ListFiles pages through the recursive repository tree.
func (b *GitLabBackend) ListFiles(ctx context.Context, languages []string) ([]string, error) {
	var out []string
	for page := 1; ; page++ {
		var entries []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		}
		path := fmt.Sprintf("/projects/%s/repository/tree?recursive=true&ref=%s&per_page=100&page=%d",
			b.projectID, url.QueryEscape(b.branch), page)
		if err := b.get(ctx, path, &entries); err != nil {
			return nil, fmt.Errorf("failed to list tree page %d: %w", page, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if e.Type != "blob" {
				continue
			}
			if ExcludePath(e.Path) {
				continue
			}
			if _, ok := matchesLanguage(e.Path, languages); ok {
				out = append(out, e.Path)
			}
		}
	}
	return out, nil
}

// ReadFile fetches one file at the branch tip and decodes its base64
// content.
func (b *GitLabBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var file struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	wire := fmt.Sprintf("/projects/%s/repository/files/%s?ref=%s",
		b.projectID, url.PathEscape(path), url.QueryEscape(b.branch))
	if err := b.get(ctx, wire, &file); err != nil {
		return nil, fmt.Errorf("failed to fetch %q: %w", path, err)
	}

	if file.Encoding != "base64" {
		return []byte(file.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	return data, nil
}

// ChangedFiles compares two commits. Deleted files are excluded; new
// and renamed paths come from new_path.
func (b *GitLabBackend) ChangedFiles(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	var cmp struct {
		Diffs []struct {
			NewPath     string `json:"new_path"`
			DeletedFile bool   `json:"deleted_file"`
		} `json:"diffs"`
	}
	path := fmt.Sprintf("/projects/%s/repository/compare?from=%s&to=%s",
		b.projectID, url.QueryEscape(oldCommit), url.QueryEscape(newCommit))
	if err := b.get(ctx, path, &cmp); err != nil {
		return nil, fmt.Errorf("failed to compare %s..%s: %w", oldCommit, newCommit, err)
	}

	var out []string
	for _, d := range cmp.Diffs {
		if d.DeletedFile {
			continue
		}
		if ExcludePath(d.NewPath) {
			continue
		}
		if _, ok := matchesLanguage(d.NewPath, languages); ok {
			out = append(out, d.NewPath)
		}
	}
	return out, nil
}

func (b *GitLabBackend) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("PRIVATE-TOKEN", b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

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

// Package indexer turns a service's source repository into searchable
// code blocks. Two backends share one contract: a local checkout walked
// on disk, and a Git hosting API consumed remotely.
package indexer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Backend reads a repository at a point in time.
type Backend interface {
	// CommitIdentity resolves the current commit SHA (or an equivalent
	// stable identity for repositories without git metadata).
	CommitIdentity(ctx context.Context) (string, error)

	// ListFiles returns every candidate source path for the languages.
	ListFiles(ctx context.Context, languages []string) ([]string, error)

	// ReadFile returns the content of one file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// ChangedFiles returns paths changed between two commits. An empty
	// slice with no error means nothing changed; backends that cannot
	// diff may return an error to force a full reindex.
	ChangedFiles(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error)

	// AccessMode reports how the backend reads the repository:
	// storage.IndexModeAPI or storage.IndexModeLocal.
	AccessMode() string
}

// Directories never descended into.
var excludedDirs = map[string]bool{
	"build": true, "target": true, "dist": true, "out": true,
	"node_modules": true, "vendor": true, ".gradle": true, ".mvn": true,
	"__pycache__": true, ".pytest_cache": true, ".tox": true,
	"venv": true, "env": true, ".venv": true, "virtualenv": true,
	".git": true, ".svn": true, ".hg": true,
	"generated": true, "gen": true, "generated-sources": true,
	"bin": true, "obj": true,
	".idea": true, ".vscode": true, ".eclipse": true,
	"coverage": true, "htmlcov": true, ".coverage": true,
	"logs": true, "tmp": true, "temp": true,
}

// Extensions never indexed, even when a directory filter lets them through.
var excludedExts = []string{
	".class", ".pyc", ".pyo", ".pyd", ".jar", ".war", ".ear",
	".min.js", ".min.css",
}

var languageExts = map[string]string{
	"python": ".py",
	"java":   ".java",
}

// ExcludePath reports whether a repository-relative path is filtered out
// of indexing entirely.
func ExcludePath(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if excludedDirs[part] {
			return true
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range excludedExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// matchesLanguage reports whether the path belongs to one of the
// requested languages, and which one.
func matchesLanguage(path string, languages []string) (string, bool) {
	for _, lang := range languages {
		ext, ok := languageExts[lang]
		if !ok {
			continue
		}
		if strings.HasSuffix(path, ext) {
			return lang, true
		}
	}
	return "", false
}

var repoURLPattern = regexp.MustCompile(`[:/]([^:/]+)/([^:/]+?)(?:\.git)?$`)

// parseRepoURL extracts owner and name from an https or ssh remote URL.
func parseRepoURL(repositoryURL string) (owner, name string, err error) {
	m := repoURLPattern.FindStringSubmatch(strings.TrimSuffix(repositoryURL, "/"))
	if m == nil {
		return "", "", fmt.Errorf("cannot parse owner/repo from %q", repositoryURL)
	}
	return m[1], m[2], nil
}

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
	"regexp"
	"strings"
)

// Block is one extracted symbol: a function, method, or class.
type Block struct {
	FilePath   string
	SymbolName string
	SymbolType string
	LineStart  int
	LineEnd    int
	Snippet    string
	Docstring  string
	Signature  string
}

// Symbol types emitted by the extractors.
const (
	SymbolFunction = "function"
	SymbolMethod   = "method"
	SymbolClass    = "class"
)

// Class bodies are captured only up to this many lines; the methods
// inside get their own blocks.
const classSnippetLimit = 20

var pythonDefPattern = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+(\w+)\s*(\([^)]*\).*?):`)
var pythonClassPattern = regexp.MustCompile(`^(\s*)class\s+(\w+)\s*(\([^)]*\))?\s*:`)

type pythonScope struct {
	name    string
	indent  int
	isClass bool
}

// ExtractPython walks a module by indentation, emitting top-level and
// nested functions and classes with dotted qualified names.
func ExtractPython(filePath string, content []byte) []*Block {
	lines := strings.Split(string(content), "\n")

	var blocks []*Block
	var stack []pythonScope

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := indentWidth(line)

		// Pop scopes we have dedented out of.
		for len(stack) > 0 && indent <= stack[len(stack)-1].indent {
			stack = stack[:len(stack)-1]
		}

		if m := pythonClassPattern.FindStringSubmatch(line); m != nil {
			name := qualify(stack, m[2])
			end := pythonBlockEnd(lines, i, indent)
			blocks = append(blocks, &Block{
				FilePath:   filePath,
				SymbolName: name,
				SymbolType: SymbolClass,
				LineStart:  i + 1,
				LineEnd:    end + 1,
				Snippet:    snippet(lines, i, min(end, i+classSnippetLimit-1)),
				Docstring:  pythonDocstring(lines, i+1),
				Signature:  trimmed,
			})
			stack = append(stack, pythonScope{name: m[2], indent: indent, isClass: true})
			continue
		}

		if m := pythonDefPattern.FindStringSubmatch(line); m != nil {
			name := qualify(stack, m[2])
			symType := SymbolFunction
			if len(stack) > 0 && stack[len(stack)-1].isClass {
				symType = SymbolMethod
			}
			end := pythonBlockEnd(lines, i, indent)
			blocks = append(blocks, &Block{
				FilePath:   filePath,
				SymbolName: name,
				SymbolType: symType,
				LineStart:  i + 1,
				LineEnd:    end + 1,
				Snippet:    snippet(lines, i, end),
				Docstring:  pythonDocstring(lines, i+1),
				Signature:  trimmed,
			})
			stack = append(stack, pythonScope{name: m[2], indent: indent})
		}
	}
	return blocks
}

// pythonBlockEnd finds the last line of the suite starting at start:
// the last non-blank line before indentation falls back to the
// declaration's level.
func pythonBlockEnd(lines []string, start, declIndent int) int {
	end := start
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentWidth(lines[i]) <= declIndent {
			break
		}
		end = i
	}
	return end
}

// pythonDocstring returns the docstring opening on the first statement
// line of a suite, without its quotes.
func pythonDocstring(lines []string, from int) string {
	i := from
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return ""
	}
	trimmed := strings.TrimSpace(lines[i])

	var quote string
	switch {
	case strings.HasPrefix(trimmed, `"""`):
		quote = `"""`
	case strings.HasPrefix(trimmed, `'''`):
		quote = `'''`
	default:
		return ""
	}

	body := trimmed[len(quote):]
	if idx := strings.Index(body, quote); idx >= 0 {
		return strings.TrimSpace(body[:idx])
	}

	parts := []string{body}
	for j := i + 1; j < len(lines); j++ {
		line := lines[j]
		if idx := strings.Index(line, quote); idx >= 0 {
			parts = append(parts, strings.TrimSpace(line[:idx]))
			break
		}
		parts = append(parts, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func qualify(stack []pythonScope, name string) string {
	if len(stack) == 0 {
		return name
	}
	parts := make([]string, 0, len(stack)+1)
	for _, s := range stack {
		parts = append(parts, s.name)
	}
	parts = append(parts, name)
	return strings.Join(parts, ".")
}

func indentWidth(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

func snippet(lines []string, start, end int) string {
	if end >= len(lines) {
		end = len(lines) - 1
	}
	return strings.Join(lines[start:end+1], "\n")
}

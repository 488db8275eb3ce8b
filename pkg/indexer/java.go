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

var javaClassPattern = regexp.MustCompile(
	`^\s*(?:public\s+|protected\s+|private\s+|abstract\s+|final\s+|static\s+)*(?:class|interface|enum|record)\s+(\w+)`)

var javaMethodPattern = regexp.MustCompile(
	`^\s*(?:public\s+|protected\s+|private\s+|abstract\s+|final\s+|static\s+|synchronized\s+|native\s+|default\s+)*` +
		`(?:<[^>]+>\s+)?[\w.<>\[\],\s]+?\s+(\w+)\s*\(([^)]*)\)\s*(?:throws\s+[\w.,\s]+)?\s*\{`)

var javaControlKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true,
	"catch": true, "return": true, "new": true, "else": true,
	"do": true, "try": true, "synchronized": true,
}

// ExtractJava scans class and method declarations with a signature
// regex and computes exact end lines by brace counting.
func ExtractJava(filePath string, content []byte) []*Block {
	lines := strings.Split(string(content), "\n")

	var blocks []*Block
	var currentClass string

	for i, line := range lines {
		if m := javaClassPattern.FindStringSubmatch(line); m != nil {
			end := javaBlockEnd(lines, i)
			blocks = append(blocks, &Block{
				FilePath:   filePath,
				SymbolName: m[1],
				SymbolType: SymbolClass,
				LineStart:  i + 1,
				LineEnd:    end + 1,
				Snippet:    snippet(lines, i, min(end, i+classSnippetLimit-1)),
				Docstring:  javadocAbove(lines, i),
				Signature:  strings.TrimSpace(line),
			})
			currentClass = m[1]
			continue
		}

		if m := javaMethodPattern.FindStringSubmatch(line); m != nil {
			name := m[1]
			if javaControlKeywords[name] {
				continue
			}
			end := javaBlockEnd(lines, i)
			qualified := name
			if currentClass != "" {
				qualified = currentClass + "." + name
			}
			blocks = append(blocks, &Block{
				FilePath:   filePath,
				SymbolName: qualified,
				SymbolType: SymbolMethod,
				LineStart:  i + 1,
				LineEnd:    end + 1,
				Snippet:    snippet(lines, i, end),
				Docstring:  javadocAbove(lines, i),
				Signature:  strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "{")),
			})
		}
	}
	return blocks
}

// javaBlockEnd walks from the declaration line to the line closing its
// body, counting braces while skipping string literals, char literals,
// and both comment forms.
func javaBlockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	inBlockComment := false

	for i := start; i < len(lines); i++ {
		line := lines[i]
		inString, inChar := false, false

		for j := 0; j < len(line); j++ {
			c := line[j]

			if inBlockComment {
				if c == '*' && j+1 < len(line) && line[j+1] == '/' {
					inBlockComment = false
					j++
				}
				continue
			}
			if inString {
				if c == '\\' {
					j++
				} else if c == '"' {
					inString = false
				}
				continue
			}
			if inChar {
				if c == '\\' {
					j++
				} else if c == '\'' {
					inChar = false
				}
				continue
			}

			switch c {
			case '/':
				if j+1 < len(line) {
					switch line[j+1] {
					case '/':
						j = len(line) // rest of line is a comment
					case '*':
						inBlockComment = true
						j++
					}
				}
			case '"':
				inString = true
			case '\'':
				inChar = true
			case '{':
				depth++
				opened = true
			case '}':
				depth--
				if opened && depth == 0 {
					return i
				}
			}
		}
	}
	return len(lines) - 1
}

// javadocAbove collects a /** ... */ block ending on the line directly
// above the declaration, stripped of comment markers.
func javadocAbove(lines []string, decl int) string {
	i := decl - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i < 0 || !strings.HasSuffix(strings.TrimSpace(lines[i]), "*/") {
		return ""
	}

	end := i
	begin := -1
	for j := end; j >= 0; j-- {
		if strings.HasPrefix(strings.TrimSpace(lines[j]), "/**") {
			begin = j
			break
		}
	}
	if begin < 0 {
		return ""
	}

	var parts []string
	for j := begin; j <= end; j++ {
		t := strings.TrimSpace(lines[j])
		t = strings.TrimPrefix(t, "/**")
		t = strings.TrimSuffix(t, "*/")
		t = strings.TrimPrefix(t, "*")
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

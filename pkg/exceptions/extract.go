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

// Package exceptions detects exceptions in normalized log records and
// derives the fingerprints used for clustering.
package exceptions

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/abcxyz/exception-aggregator/pkg/logs"
)

// Frame is a single parsed stack frame.
type Frame struct {
	Symbol    string `json:"symbol"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	FrameType string `json:"frame_type"`
}

// Descriptor is the result of exception extraction for one record.
type Descriptor struct {
	LogID            string
	ExceptionType    string
	ExceptionMessage string
	Frames           []Frame
	HasStackTrace    bool
	LoggerPath       string
	Record           *logs.Record

	// Fingerprint is the clustering key (fingerprint_static).
	Fingerprint string

	// Secondary fingerprints, populated only when no frames were found.
	Fingerprints  *FingerprintSet
	ErrorCategory string
	KeyTerms      []string
}

// errorLevels is the default set of levels considered for extraction.
var errorLevels = map[string]struct{}{
	"ERROR": {}, "CRITICAL": {}, "FATAL": {},
}

var (
	// TYPE: message, where TYPE ends in Exception or Error.
	typePattern = regexp.MustCompile(`([A-Za-z][\w.$]*(?:Exception|Error))\s*:\s*(.*)`)

	// at com.foo.Bar.baz(Bar.java:42)
	javaFramePattern = regexp.MustCompile(`at\s+([\w.$<>]+)\(([\w.$]+):(\d+)\)`)

	// File "/app/main.py", line 10, in handler
	pythonFramePattern = regexp.MustCompile(`File\s+"([^"]+)",\s+line\s+(\d+),\s+in\s+(\S+)`)
)

// Extract returns a Descriptor when the record contains an exception, or
// nil when it does not. Only records at error levels are considered.
func Extract(r *logs.Record) *Descriptor {
	return ExtractWithLevels(r, errorLevels)
}

// ExtractWithLevels is Extract with a caller-supplied level set.
func ExtractWithLevels(r *logs.Record, levels map[string]struct{}) *Descriptor {
	if _, ok := levels[r.Level]; !ok {
		return nil
	}

	combined := r.Message
	if len(r.StackTrace) > 0 {
		combined += "\n" + strings.Join(r.StackTrace, "\n")
	}

	excType, excMessage := parseTypeAndMessage(r.Message)
	frames := ParseFrames(combined)

	d := &Descriptor{
		LogID:            r.LogID,
		ExceptionType:    excType,
		ExceptionMessage: excMessage,
		Frames:           frames,
		HasStackTrace:    len(frames) > 0,
		LoggerPath:       r.Logger,
		Record:           r,
	}

	if d.HasStackTrace {
		d.Fingerprint = StaticFingerprint(excType, frames)
	} else {
		set := Fingerprints(excType, excMessage, r.Logger)
		d.Fingerprints = set
		d.Fingerprint = StacklessFingerprint(excMessage, r.Logger)
		d.ErrorCategory = Categorize(excType, excMessage)
		d.KeyTerms = KeyTerms(excMessage)
	}

	return d
}

// ParseFrames applies the Java and Python frame patterns to text and
// returns the frames in order of appearance.
func ParseFrames(text string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(text, "\n") {
		if m := javaFramePattern.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[3])
			frames = append(frames, Frame{
				Symbol:    m[1],
				File:      m[2],
				Line:      n,
				FrameType: "java",
			})
			continue
		}
		if m := pythonFramePattern.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			frames = append(frames, Frame{
				Symbol:    m[3],
				File:      m[1],
				Line:      n,
				FrameType: "python",
			})
		}
	}
	return frames
}

// StaticFingerprint hashes the exception type and the file:symbol of the
// top three frames. Message text and line numbers do not participate, so
// the fingerprint is stable across renumbered releases.
func StaticFingerprint(excType string, frames []Frame) string {
	parts := []string{excType}
	for i, f := range frames {
		if i == 3 {
			break
		}
		parts = append(parts, f.File+":"+f.Symbol)
	}
	return shortHash(strings.Join(parts, "|"))
}

func parseTypeAndMessage(message string) (excType, excMessage string) {
	if m := typePattern.FindStringSubmatch(message); m != nil {
		return m[1], strings.TrimSpace(m[2])
	}
	msg := message
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return "UnknownError", msg
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

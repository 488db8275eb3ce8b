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

package exceptions

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/exception-aggregator/pkg/logs"
)

func TestExtractSkipsNonErrorLevels(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"INFO", "DEBUG", "WARNING"} {
		r := &logs.Record{Level: level, Message: "NullPointerException: x"}
		if got := Extract(r); got != nil {
			t.Errorf("Extract(level=%s) = %+v, want nil", level, got)
		}
	}
}

func TestExtractJavaStackTrace(t *testing.T) {
	t.Parallel()

	r := &logs.Record{
		Level:   "ERROR",
		Message: "java.lang.NullPointerException: name was null",
		StackTrace: []string{
			"at com.foo.Bar.baz(Bar.java:42)",
			"at com.foo.Main.run(Main.java:7)",
		},
	}

	got := Extract(r)
	if got == nil {
		t.Fatal("Extract() = nil, want descriptor")
	}
	if got.ExceptionType != "java.lang.NullPointerException" {
		t.Errorf("ExceptionType = %q", got.ExceptionType)
	}
	if got.ExceptionMessage != "name was null" {
		t.Errorf("ExceptionMessage = %q", got.ExceptionMessage)
	}
	if !got.HasStackTrace {
		t.Error("HasStackTrace = false, want true")
	}

	wantFrames := []Frame{
		{Symbol: "com.foo.Bar.baz", File: "Bar.java", Line: 42, FrameType: "java"},
		{Symbol: "com.foo.Main.run", File: "Main.java", Line: 7, FrameType: "java"},
	}
	if diff := cmp.Diff(wantFrames, got.Frames); diff != "" {
		t.Errorf("Frames mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractPythonStackTrace(t *testing.T) {
	t.Parallel()

	r := &logs.Record{
		Level:   "ERROR",
		Message: "ValueError: invalid literal",
		StackTrace: []string{
			`File "/app/handlers.py", line 10, in handle_request`,
		},
	}

	got := Extract(r)
	if got == nil {
		t.Fatal("Extract() = nil, want descriptor")
	}
	want := Frame{Symbol: "handle_request", File: "/app/handlers.py", Line: 10, FrameType: "python"}
	if diff := cmp.Diff([]Frame{want}, got.Frames); diff != "" {
		t.Errorf("Frames mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractUnknownError(t *testing.T) {
	t.Parallel()

	r := &logs.Record{Level: "ERROR", Message: "something went sideways"}
	got := Extract(r)
	if got == nil {
		t.Fatal("Extract() = nil, want descriptor")
	}
	if got.ExceptionType != "UnknownError" {
		t.Errorf("ExceptionType = %q, want UnknownError", got.ExceptionType)
	}
	if got.ExceptionMessage != "something went sideways" {
		t.Errorf("ExceptionMessage = %q", got.ExceptionMessage)
	}
	if got.Fingerprints == nil {
		t.Error("Fingerprints = nil, want full set for stackless record")
	}
}

// Fingerprint stability: identical type + identical top three frames must
// produce the same static fingerprint regardless of message or thread.
func TestStaticFingerprintStability(t *testing.T) {
	t.Parallel()

	frames := []Frame{
		{Symbol: "com.foo.Bar.baz", File: "Bar.java", Line: 42},
		{Symbol: "com.foo.Qux.go", File: "Qux.java", Line: 9},
		{Symbol: "com.foo.Main.run", File: "Main.java", Line: 1},
		{Symbol: "java.lang.Thread.run", File: "Thread.java", Line: 833},
	}

	a := StaticFingerprint("NullPointerException", frames)

	// Different line numbers and a different tail frame.
	altered := []Frame{
		{Symbol: "com.foo.Bar.baz", File: "Bar.java", Line: 99},
		{Symbol: "com.foo.Qux.go", File: "Qux.java", Line: 1},
		{Symbol: "com.foo.Main.run", File: "Main.java", Line: 2},
		{Symbol: "other.Tail.call", File: "Tail.java", Line: 5},
	}
	b := StaticFingerprint("NullPointerException", altered)

	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}

	c := StaticFingerprint("IllegalStateException", frames)
	if a == c {
		t.Error("different exception types produced the same fingerprint")
	}
}

func TestStaticFingerprintTopFrameChanges(t *testing.T) {
	t.Parallel()

	a := StaticFingerprint("E", []Frame{{Symbol: "a.B.c", File: "B.java"}})
	b := StaticFingerprint("E", []Frame{{Symbol: "a.B.d", File: "B.java"}})
	if a == b {
		t.Error("different top frames produced the same fingerprint")
	}
}

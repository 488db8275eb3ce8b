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
	"strings"
	"testing"
)

func TestExtractJava(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		`package com.example;`,
		``,
		`/**`,
		` * Handles payments.`,
		` */`,
		`public class PaymentService {`,
		``,
		`    /**`,
		`     * Charges a card.`,
		`     */`,
		`    public Receipt charge(String cardId, long amountCents) throws PaymentException {`,
		`        String brace = "{ not a real brace }";`,
		`        char c = '{';`,
		`        // also not real: {`,
		`        /* nor this: { */`,
		`        if (amountCents <= 0) {`,
		`            throw new PaymentException("bad amount");`,
		`        }`,
		`        return new Receipt(cardId);`,
		`    }`,
		``,
		`    private void audit(String msg) {`,
		`        log.info(msg);`,
		`    }`,
		`}`,
	}, "\n")

	blocks := ExtractJava("src/PaymentService.java", []byte(src))

	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3: %+v", len(blocks), blocks)
	}

	cls := blocks[0]
	if cls.SymbolName != "PaymentService" || cls.SymbolType != SymbolClass {
		t.Errorf("class block = %q/%q", cls.SymbolName, cls.SymbolType)
	}
	if got, want := cls.Docstring, "Handles payments."; got != want {
		t.Errorf("class docstring = %q, want %q", got, want)
	}
	if got, want := cls.LineEnd, 25; got != want {
		t.Errorf("class LineEnd = %d, want %d", got, want)
	}

	charge := blocks[1]
	if got, want := charge.SymbolName, "PaymentService.charge"; got != want {
		t.Errorf("method name = %q, want %q", got, want)
	}
	if charge.SymbolType != SymbolMethod {
		t.Errorf("method type = %q, want %q", charge.SymbolType, SymbolMethod)
	}
	if got, want := charge.Docstring, "Charges a card."; got != want {
		t.Errorf("method docstring = %q, want %q", got, want)
	}
	// Braces in strings, chars, and comments must not confuse the
	// end-line computation.
	if got, want := charge.LineStart, 11; got != want {
		t.Errorf("charge LineStart = %d, want %d", got, want)
	}
	if got, want := charge.LineEnd, 20; got != want {
		t.Errorf("charge LineEnd = %d, want %d", got, want)
	}

	audit := blocks[2]
	if got, want := audit.SymbolName, "PaymentService.audit"; got != want {
		t.Errorf("method name = %q, want %q", got, want)
	}
	if got, want := audit.LineEnd, 24; got != want {
		t.Errorf("audit LineEnd = %d, want %d", got, want)
	}
}

func TestExtractJava_ControlFlowNotMethods(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		`public class C {`,
		`    public void run() {`,
		`        if (ready()) {`,
		`            go();`,
		`        }`,
		`        for (int i = 0; i < 3; i++) {`,
		`            step(i);`,
		`        }`,
		`    }`,
		`}`,
	}, "\n")

	blocks := ExtractJava("C.java", []byte(src))
	for _, b := range blocks {
		if b.SymbolName == "C.if" || b.SymbolName == "C.for" {
			t.Errorf("control-flow keyword extracted as method: %q", b.SymbolName)
		}
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want class + run: %+v", len(blocks), blocks)
	}
}

func TestExcludePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{"src/main/java/App.java", false},
		{"target/classes/App.class", true},
		{"node_modules/left-pad/index.js", true},
		{"app/__pycache__/mod.pyc", true},
		{"lib/vendor/dep.py", true},
		{"assets/app.min.js", true},
		{"src/service.py", false},
		{".venv/lib/site.py", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			if got := ExcludePath(tc.path); got != tc.want {
				t.Errorf("ExcludePath(%q) = %t, want %t", tc.path, got, tc.want)
			}
		})
	}
}

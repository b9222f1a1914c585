// Copyright (c) 2026 TTBT Enterprises LLC
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

package e2e

import (
	"encoding/json"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

// canonicalJSON re-encodes raw JSON with sorted keys and stable indentation
// so that two nodes' responses can be compared byte-for-byte regardless of
// the key order each happened to serialize with.
func canonicalJSON(t *testing.T, raw []byte) string {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("canonicalJSON: %v\ninput: %s", err, raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	return string(out)
}

// requireSameJSON fails the test with a unified diff when the two JSON
// documents are not equivalent after canonical re-encoding.
func requireSameJSON(t *testing.T, label string, want, got []byte) {
	t.Helper()
	w, g := canonicalJSON(t, want), canonicalJSON(t, got)
	if w == g {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(w),
		B:        difflib.SplitLines(g),
		FromFile: "leader",
		ToFile:   "follower",
		Context:  3,
	})
	t.Errorf("%s mismatch:\n%s", label, diff)
}

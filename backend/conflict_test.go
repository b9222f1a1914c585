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

package backend

import (
	"encoding/json"
	"testing"
)

func pitchAt(t *testing.T, id, team string, b int, col string) json.RawMessage {
	t.Helper()
	return mustAction(t, id, ActionPitch, map[string]any{
		"activeCtx": map[string]any{"b": b, "col": col}, "activeTeam": team, "type": "ball",
	})
}

func TestClassifyConflictLinearOnEmptyBranch(t *testing.T) {
	ancestor := []json.RawMessage{mustAction(t, "start", ActionGameStart, map[string]any{"id": "g1", "innings": 1})}
	local := []json.RawMessage{pitchAt(t, "a1", "away", 0, "col-1")}

	c := ClassifyConflict(ancestor, local, nil, "start")
	if c.Kind != ConflictLinear {
		t.Errorf("Kind = %v, want ConflictLinear when the other branch is empty", c.Kind)
	}

	c = ClassifyConflict(ancestor, nil, local, "start")
	if c.Kind != ConflictLinear {
		t.Errorf("Kind = %v, want ConflictLinear when local is empty", c.Kind)
	}
}

func TestClassifyConflictForkOnOverlappingKeys(t *testing.T) {
	ancestor := []json.RawMessage{mustAction(t, "start", ActionGameStart, map[string]any{"id": "g1", "innings": 1})}
	local := []json.RawMessage{pitchAt(t, "local1", "away", 0, "col-1")}
	server := []json.RawMessage{pitchAt(t, "server1", "away", 0, "col-1")}

	c := ClassifyConflict(ancestor, local, server, "start")
	if c.Kind != ConflictFork {
		t.Errorf("Kind = %v, want ConflictFork for overlapping PA keys", c.Kind)
	}
}

func TestClassifyConflictDivergedOnDisjointKeys(t *testing.T) {
	ancestor := []json.RawMessage{mustAction(t, "start", ActionGameStart, map[string]any{"id": "g1", "innings": 1})}
	local := []json.RawMessage{pitchAt(t, "local1", "away", 0, "col-1")}
	server := []json.RawMessage{pitchAt(t, "server1", "home", 0, "col-1")}

	c := ClassifyConflict(ancestor, local, server, "start")
	if c.Kind != ConflictDiverged {
		t.Errorf("Kind = %v, want ConflictDiverged for disjoint PA keys", c.Kind)
	}
	if len(c.ReconciledLog) != len(ancestor)+len(server)+len(local) {
		t.Fatalf("ReconciledLog length = %d, want %d", len(c.ReconciledLog), len(ancestor)+len(server)+len(local))
	}

	// The reconciled log must reduce cleanly and re-id the local action.
	if _, err := ComputeStateFromLog(c.ReconciledLog); err != nil {
		t.Fatalf("ReconciledLog does not replay cleanly: %v", err)
	}
	var reidLocal BaseAction
	if err := json.Unmarshal(c.ReconciledLog[len(c.ReconciledLog)-1], &reidLocal); err != nil {
		t.Fatalf("unmarshal reconciled local action: %v", err)
	}
	if reidLocal.ID == "local1" {
		t.Error("expected the local action to be re-id'd during DIVERGED reconciliation")
	}
}

func TestClassifyConflictDivergedFallsBackToForkOnBadReduce(t *testing.T) {
	ancestor := []json.RawMessage{mustAction(t, "start", ActionGameStart, map[string]any{"id": "g1", "innings": 1})}
	local := []json.RawMessage{mustAction(t, "bad1", "NOT_A_REAL_ACTION", map[string]any{})}
	server := []json.RawMessage{pitchAt(t, "server1", "home", 0, "col-1")}

	c := ClassifyConflict(ancestor, local, server, "start")
	if c.Kind != ConflictFork {
		t.Errorf("Kind = %v, want ConflictFork when the merged log fails to reduce", c.Kind)
	}
}

func TestConflictKindString(t *testing.T) {
	tests := []struct {
		kind ConflictKind
		want string
	}{
		{ConflictLinear, "LINEAR"},
		{ConflictFork, "FORK"},
		{ConflictDiverged, "DIVERGED"},
		{ConflictKind(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

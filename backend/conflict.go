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

	"github.com/google/uuid"
)

// ConflictKind classifies two branches of history sharing a common ancestor.
type ConflictKind int

const (
	ConflictLinear ConflictKind = iota
	ConflictFork
	ConflictDiverged
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictLinear:
		return "LINEAR"
	case ConflictFork:
		return "FORK"
	case ConflictDiverged:
		return "DIVERGED"
	default:
		return "UNKNOWN"
	}
}

// Conflict is the result of classifying localBranch against serverBranch.
// ReconciledLog is only populated for ConflictDiverged, carrying the merged,
// re-id'd log the caller should adopt in place of localBranch.
type Conflict struct {
	Kind             ConflictKind
	CommonAncestorID string
	LocalBranch      []json.RawMessage
	ServerBranch     []json.RawMessage
	ReconciledLog    []json.RawMessage
}

// writeKeys returns the set of state keys ("team-slot-columnId" PA keys,
// roster slot keys, or override keys) an action mutates. Two actions with
// overlapping key sets are write-incompatible.
func writeKeys(raw json.RawMessage) []string {
	var a BaseAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	switch a.Type {
	case ActionPitch, ActionPlayResult, ActionClearData:
		var p struct {
			ActiveCtx  Context `json:"activeCtx"`
			ActiveTeam string  `json:"activeTeam"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{paKey(p.ActiveTeam, p.ActiveCtx)}
	case ActionRunnerBatchUpdate:
		var p struct {
			Updates []struct {
				Key string `json:"key"`
			} `json:"updates"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		keys := make([]string, 0, len(p.Updates))
		for _, u := range p.Updates {
			keys = append(keys, u.Key)
		}
		return keys
	case ActionRunnerAdvance:
		var p struct {
			Runners []struct {
				Key string `json:"key"`
			} `json:"runners"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		keys := make([]string, 0, len(p.Runners))
		for _, r := range p.Runners {
			keys = append(keys, r.Key)
		}
		return keys
	case ActionSubstitution, ActionLineupUpdate:
		var p struct {
			Team string `json:"team"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"roster-" + p.Team}
	case ActionScoreOverride:
		var p struct {
			Team   string `json:"team"`
			Inning int    `json:"inning"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"score-" + p.Team}
	default:
		// Actions without a narrow write surface (GAME_START, admin
		// commands) are treated as touching a global key so any overlap
		// with them is conservatively a conflict rather than silently
		// diverged.
		return []string{"global"}
	}
}

func keySet(branch []json.RawMessage) map[string]bool {
	set := make(map[string]bool)
	for _, raw := range branch {
		for _, k := range writeKeys(raw) {
			set[k] = true
		}
	}
	return set
}

func disjoint(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return false
		}
	}
	return true
}

// ClassifyConflict decides how localBranch and serverBranch relate, both
// being sequences of actions appended after commonAncestorID. It is a pure
// function:
// no I/O, fully decidable from its inputs. When the branches are DIVERGED it
// also attempts auto-reconciliation, re-id'ing
// local actions and validating the merged log reduces cleanly; on any reducer
// error it downgrades the result to FORK.
func ClassifyConflict(ancestorLog, localBranch, serverBranch []json.RawMessage, commonAncestorID string) Conflict {
	c := Conflict{
		CommonAncestorID: commonAncestorID,
		LocalBranch:      localBranch,
		ServerBranch:     serverBranch,
	}

	if len(localBranch) == 0 || len(serverBranch) == 0 {
		c.Kind = ConflictLinear
		return c
	}

	localKeys := keySet(localBranch)
	serverKeys := keySet(serverBranch)

	if !disjoint(localKeys, serverKeys) {
		c.Kind = ConflictFork
		return c
	}

	// Disjoint slots: attempt auto-reconciliation by interleaving, server
	// branch first (server wins ordering), local actions re-id'd.
	merged := make([]json.RawMessage, 0, len(ancestorLog)+len(serverBranch)+len(localBranch))
	merged = append(merged, ancestorLog...)
	merged = append(merged, serverBranch...)

	reidLocal := make([]json.RawMessage, 0, len(localBranch))
	for _, raw := range localBranch {
		reid, err := reidAction(raw)
		if err != nil {
			c.Kind = ConflictFork
			return c
		}
		reidLocal = append(reidLocal, reid)
	}
	merged = append(merged, reidLocal...)

	if _, err := ComputeStateFromLog(merged); err != nil {
		// Merged log does not reduce cleanly; fall back to FORK.
		c.Kind = ConflictFork
		return c
	}

	c.Kind = ConflictDiverged
	c.ReconciledLog = merged
	return c
}

// reidAction returns a copy of the action with a freshly generated id,
// preserving type/payload/timestamp, for re-submission after a DIVERGED
// auto-reconciliation.
func reidAction(raw json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	newID, _ := json.Marshal(uuid.NewString())
	m["id"] = newID
	return json.Marshal(m)
}

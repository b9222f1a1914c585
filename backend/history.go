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

import "encoding/json"

// deadSet walks the log once and returns the set of action ids currently
// cancelled by an effective UNDO, per the toggle rule: an UNDO targeting a
// live action kills it; an UNDO targeting an already-dead action revives it.
func deadSet(log []json.RawMessage) map[string]bool {
	dead := make(map[string]bool)
	for _, raw := range log {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type != ActionUndo {
			continue
		}
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			continue
		}
		if dead[p.RefId] {
			delete(dead, p.RefId) // redo
		} else {
			dead[p.RefId] = true // undo
		}
	}
	return dead
}

// GetUndoTargetID returns the id of the newest generative action not
// cancelled by an effective UNDO, or "" if none exists or the log is empty.
func GetUndoTargetID(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	dead := deadSet(log)
	for i := len(log) - 1; i >= 0; i-- {
		var a BaseAction
		if err := json.Unmarshal(log[i], &a); err != nil {
			continue
		}
		if a.Type == ActionUndo {
			continue
		}
		if !dead[a.ID] {
			return a.ID
		}
	}
	return ""
}

// GetRedoTargetID returns the id of the newest UNDO not itself cancelled by a
// later UNDO, provided no generative action lies later in the log (the
// linear barrier: new work makes the cancelled action unredoable).
func GetRedoTargetID(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	dead := deadSet(log)
	for i := len(log) - 1; i >= 0; i-- {
		var a BaseAction
		if err := json.Unmarshal(log[i], &a); err != nil {
			continue
		}
		if a.Type != ActionUndo {
			// A generative action past the most recent (live) UNDO
			// is a linear barrier: nothing is redoable anymore.
			return ""
		}
		var p struct {
			RefId string `json:"refId"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			continue
		}
		if dead[p.RefId] {
			return a.ID
		}
		// This UNDO's target is not dead, meaning this UNDO itself was
		// cancelled by a later redo; keep scanning backwards through it
		// without treating it as a barrier.
	}
	return ""
}

// ComputeStateFromLog replays the log, skipping any generative action whose
// id is in the active-undo set, and returns the resulting GameState. It never
// returns an error for a malformed UNDO entry; reducer errors from other
// action types are returned to the caller without partially applying the
// offending action (Reduce itself guarantees this per action).
func ComputeStateFromLog(log []json.RawMessage) (*GameState, error) {
	state := NewGameState()
	if len(log) == 0 {
		return state, nil
	}
	dead := deadSet(log)

	for _, raw := range log {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type == ActionUndo {
			continue
		}
		if dead[a.ID] {
			continue
		}
		if _, err := Reduce(state, raw); err != nil {
			return state, err
		}
	}
	return state, nil
}

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
	"fmt"
	"strings"
)

// PitchSeqEntry is one entry in a PA's pitch-by-pitch log. Besides pitches it
// also records substitution boundaries so undo can resolve them.
type PitchSeqEntry struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	RefID string `json:"refId,omitempty"`
}

// PAEvent is the materialized state of a single plate appearance, keyed by
// "team-slot-columnId" in GameState.PAEvents.
type PAEvent struct {
	BatterID      string          `json:"batterId,omitempty"`
	Balls         int             `json:"balls"`
	Strikes       int             `json:"strikes"`
	Fouls         int             `json:"fouls"`
	OutNum        int             `json:"outNum"`
	Outcome       string          `json:"outcome,omitempty"`
	Paths         [4]int          `json:"paths"`
	PathInfo      [4]string       `json:"pathInfo"`
	PitchSequence []PitchSeqEntry `json:"pitchSequence,omitempty"`
}

// GameState is the derived, replayable view of a game: everything the
// Reducer computes from an ActionLog that is not persisted directly on Game.
type GameState struct {
	ID        string                   `json:"id"`
	Status    string                   `json:"status,omitempty"`
	Columns   map[string][]string      `json:"columns,omitempty"` // team -> column ids, in order
	PAEvents  map[string]*PAEvent      `json:"paEvents,omitempty"`
	Pitchers  map[string]string        `json:"pitchers,omitempty"` // team -> current pitcher id/name
	Overrides map[string]string        `json:"overrides,omitempty"`
	Roster    map[string][]RosterSlot  `json:"roster,omitempty"`
	Revision  string                   `json:"revision,omitempty"`
}

// NewGameState returns an empty, zero-value GameState ready for replay.
func NewGameState() *GameState {
	return &GameState{
		Columns:   make(map[string][]string),
		PAEvents:  make(map[string]*PAEvent),
		Pitchers:  make(map[string]string),
		Overrides: make(map[string]string),
		Roster:    make(map[string][]RosterSlot),
	}
}

func paKey(team string, ctx Context) string {
	return fmt.Sprintf("%s-%d-%s", team, ctx.B, ctx.Col)
}

func (s *GameState) pa(key string) *PAEvent {
	pa, ok := s.PAEvents[key]
	if !ok {
		pa = &PAEvent{}
		s.PAEvents[key] = pa
	}
	return pa
}

// runnerOutPosition is the conventional scorebook position recorded for a
// runner-out action when no explicit fielding sequence was supplied.
// PO (pickoff) is
// charged to the pitcher, CS (caught stealing) to the catcher's throw,
// Tag/Force to the covering fielder generically, INT to the umpire call,
// LE (lineup error) carries no fielder.
func runnerOutPosition(action string) float64 {
	switch action {
	case RunnerActionPO:
		return 0.2
	case "CS":
		return 0.6
	case "Tag":
		return 0.2
	case "Force":
		return 0.3
	case "INT":
		return 0.9
	case "LE":
		return 0.0
	default:
		return 0
	}
}

func isRunnerOutAction(action string) bool {
	switch action {
	case "CS", RunnerActionPO, "Tag", "Force", "INT", "LE", RunnerActionOut:
		return true
	default:
		return false
	}
}

// Reduce applies one action to state in place and returns it. Unknown
// action types leave state unchanged and return an error; state is never
// partially mutated on error.
func Reduce(state *GameState, raw json.RawMessage) (_ *GameState, err error) {
	if state == nil {
		state = NewGameState()
	}
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return state, fmt.Errorf("reduce: unmarshal action: %w", err)
	}
	prevRevision := state.Revision
	defer func() {
		if err != nil {
			state.Revision = prevRevision
		}
	}()
	state.Revision = action.ID

	switch action.Type {
	case ActionGameStart:
		return state, reduceGameStart(state, action.Payload)
	case ActionPitch:
		return state, reducePitch(state, action.Payload)
	case ActionPlayResult:
		return state, reducePlayResult(state, action.Payload)
	case ActionRunnerBatchUpdate, ActionRunnerAdvance:
		return state, reduceRunnerBatchUpdate(state, action.Payload, action.Type)
	case ActionSubstitution:
		return state, reduceSubstitution(state, action.Payload)
	case ActionLineupUpdate:
		return state, reduceLineupUpdate(state, action.Payload)
	case ActionScoreOverride:
		return state, reduceScoreOverride(state, action.Payload)
	case ActionClearData:
		return state, reduceClearData(state, action.Payload)
	case ActionPitcherUpdate:
		return state, reducePitcherUpdate(state, action.Payload)
	case ActionAddColumn:
		return state, reduceAddColumn(state, action.Payload)
	case ActionRemoveColumn:
		return state, reduceRemoveColumn(state, action.Payload)
	case ActionGameFinalize:
		state.Status = "final"
		return state, nil
	case ActionUndo:
		// No direct mutation; History recomputes the effective log.
		return state, nil
	case ActionGameMetadataUpdate, ActionGameImport, ActionMovePlay,
		ActionSetInningLead, ActionManualPathOverride, ActionOutNumUpdate,
		ActionRBIEdit, ActionAddInning:
		// Recognized admin commands with no effect on the PA-state view.
		return state, nil
	default:
		return state, fmt.Errorf("reduce: unknown action type %q", action.Type)
	}
}

func reduceGameStart(state *GameState, payload json.RawMessage) error {
	var p struct {
		ID               string              `json:"id"`
		AwayTeamID       string              `json:"awayTeamId"`
		HomeTeamID       string              `json:"homeTeamId"`
		InitialRosterIds map[string][]string `json:"initialRosterIds"`
		Innings          int                 `json:"innings"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("GAME_START: %w", err)
	}
	state.ID = p.ID
	state.Status = "in_progress"

	innings := p.Innings
	if innings <= 0 {
		innings = 7
	}
	for _, team := range []string{"away", "home"} {
		cols := make([]string, 0, innings)
		for i := 1; i <= innings; i++ {
			cols = append(cols, fmt.Sprintf("col-%d", i))
		}
		state.Columns[team] = cols

		ids := p.InitialRosterIds[team]
		slots := make([]RosterSlot, 0, len(ids))
		for i, id := range ids {
			slots = append(slots, RosterSlot{
				Slot:    i,
				Starter: Player{ID: id},
				Current: Player{ID: id},
			})
		}
		state.Roster[team] = slots
	}
	return nil
}

func reducePitch(state *GameState, payload json.RawMessage) error {
	var p struct {
		ActiveCtx  Context `json:"activeCtx"`
		Type       string  `json:"type"`
		Code       string  `json:"code"`
		ActiveTeam string  `json:"activeTeam"`
		BatterID   string  `json:"batterId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("PITCH: %w", err)
	}
	pa := state.pa(paKey(p.ActiveTeam, p.ActiveCtx))
	if p.BatterID != "" {
		pa.BatterID = p.BatterID
	}
	pa.PitchSequence = append(pa.PitchSequence, PitchSeqEntry{Type: "pitch", Code: p.Type})

	switch p.Type {
	case PitchTypeBall:
		pa.Balls++
		if pa.Balls >= 4 {
			pa.Outcome = "BB"
			pa.Paths[0] = 1
		}
	case PitchTypeStrike:
		if pa.Strikes < 2 {
			pa.Strikes++
		} else {
			pa.Strikes = 3
			if p.Code == PitchCodeCalled {
				pa.Outcome = "ꓘ"
			} else {
				pa.Outcome = "K"
			}
			pa.OutNum++
			pa.Paths[0] = 2
		}
	case PitchTypeFoul:
		pa.Fouls++
		if pa.Strikes < 2 {
			pa.Strikes++
		}
	case PitchTypeInPlay, PitchTypeOutLegacy:
		// no counter change; PLAY_RESULT carries the outcome
	}
	return nil
}

func fieldingSeq(seq []string) string {
	return strings.Join(seq, "-")
}

func computeOutcome(res, base, typ string, seq []string) string {
	switch typ {
	case "HIT":
		return base
	case "ERR":
		return "E-" + fieldingSeq(seq)
	case "FC":
		return "FC " + fieldingSeq(seq)
	case "D3":
		return "D3 " + fieldingSeq(seq)
	case BiPResultFly:
		return "F" + fieldingSeq(seq)
	case BiPResultLine:
		return "L" + fieldingSeq(seq)
	case BiPResultPop:
		return "IFF" + fieldingSeq(seq)
	case BiPResultGround, BiPResultBunt:
		return fieldingSeq(seq)
	default:
		return fieldingSeq(seq)
	}
}

func reducePlayResult(state *GameState, payload json.RawMessage) error {
	var p struct {
		ActiveCtx  Context `json:"activeCtx"`
		ActiveTeam string  `json:"activeTeam"`
		BipState   struct {
			Res  string `json:"res"`
			Base string `json:"base"`
			Type string `json:"type"`
		} `json:"bipState"`
		Seq  []string `json:"seq"`
		Outs int      `json:"outs"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("PLAY_RESULT: %w", err)
	}
	outs := p.Outs
	if outs <= 0 {
		outs = 1
	}

	pa := state.pa(paKey(p.ActiveTeam, p.ActiveCtx))
	outcome := computeOutcome(p.BipState.Res, p.BipState.Base, p.BipState.Type, p.Seq)

	safe := p.BipState.Res == "Safe"
	if !safe {
		if outs == 2 {
			outcome = "DP " + outcome
		} else if outs == 3 {
			outcome = "TP " + outcome
		}
		pa.OutNum += outs
		pa.Paths[0] = 2
	} else {
		pa.Paths[0] = 1
	}
	pa.Outcome = outcome
	return nil
}

func reduceRunnerBatchUpdate(state *GameState, payload json.RawMessage, actionType string) error {
	type update struct {
		Key    string `json:"key"`
		Action string `json:"action"`
		Base   int    `json:"base"`
	}
	var updates []update

	if actionType == ActionRunnerAdvance {
		var p struct {
			Runners []struct {
				Key     string `json:"key"`
				Base    int    `json:"base"`
				Outcome string `json:"outcome"`
			} `json:"runners"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("RUNNER_ADVANCE: %w", err)
		}
		for _, r := range p.Runners {
			updates = append(updates, update{Key: r.Key, Action: r.Outcome, Base: r.Base})
		}
	} else {
		var p struct {
			Updates []update `json:"updates"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("RUNNER_BATCH_UPDATE: %w", err)
		}
		updates = p.Updates
	}

	for _, u := range updates {
		if u.Base < 0 || u.Base > 3 {
			continue
		}
		pa := state.pa(u.Key)
		if isRunnerOutAction(u.Action) {
			pa.Paths[u.Base] = 2
			pos := runnerOutPosition(u.Action)
			if pos > 0 {
				pa.PathInfo[u.Base] = fmt.Sprintf("%s %.1f", u.Action, pos)
			} else {
				pa.PathInfo[u.Base] = u.Action
			}
			pa.OutNum++
		} else {
			pa.Paths[u.Base] = 1
			pa.PathInfo[u.Base] = u.Action
		}
	}
	return nil
}

func reduceSubstitution(state *GameState, payload json.RawMessage) error {
	var p struct {
		Team        string `json:"team"`
		RosterIndex int    `json:"rosterIndex"`
		SubParams   struct {
			Name   string `json:"name"`
			Number string `json:"number"`
			Pos    string `json:"pos"`
			ID     string `json:"id"`
		} `json:"subParams"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("SUBSTITUTION: %w", err)
	}
	slots := state.Roster[p.Team]
	if p.RosterIndex < 0 || p.RosterIndex >= len(slots) {
		return fmt.Errorf("SUBSTITUTION: roster index %d out of range for team %s", p.RosterIndex, p.Team)
	}
	slot := &slots[p.RosterIndex]
	slot.History = append(slot.History, slot.Current)
	slot.Current = Player{
		ID:     p.SubParams.ID,
		Name:   p.SubParams.Name,
		Number: p.SubParams.Number,
		Pos:    p.SubParams.Pos,
	}

	// If the substitution happens mid-PA, splice a boundary marker into
	// the pitch sequence so undo can resolve back to the prior player.
	for _, col := range state.Columns[p.Team] {
		key := paKey(p.Team, Context{B: p.RosterIndex, Col: col})
		pa, ok := state.PAEvents[key]
		if !ok {
			continue
		}
		if pa.Outcome == "" && (pa.Balls > 0 || pa.Strikes > 0 || pa.Fouls > 0) {
			pa.PitchSequence = append(pa.PitchSequence, PitchSeqEntry{
				Type:  "substitution",
				RefID: slot.Current.ID,
			})
		}
	}
	return nil
}

func reduceLineupUpdate(state *GameState, payload json.RawMessage) error {
	var p struct {
		Team   string `json:"team"`
		Roster []struct {
			Current struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				Number string `json:"number"`
				Pos    string `json:"pos"`
			} `json:"current"`
		} `json:"roster"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("LINEUP_UPDATE: %w", err)
	}

	existing := make(map[string][]Player) // starter id -> history
	for _, slot := range state.Roster[p.Team] {
		if slot.Starter.ID != "" {
			existing[slot.Starter.ID] = slot.History
		}
	}

	newSlots := make([]RosterSlot, 0, len(p.Roster))
	for i, r := range p.Roster {
		player := Player{ID: r.Current.ID, Name: r.Current.Name, Number: r.Current.Number, Pos: r.Current.Pos}
		slot := RosterSlot{Slot: i, Starter: player, Current: player}
		if hist, ok := existing[r.Current.ID]; ok {
			slot.History = hist
		}
		newSlots = append(newSlots, slot)
	}
	state.Roster[p.Team] = newSlots
	return nil
}

func reduceScoreOverride(state *GameState, payload json.RawMessage) error {
	var p struct {
		Team   string `json:"team"`
		Inning int    `json:"inning"`
		Score  string `json:"score"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("SCORE_OVERRIDE: %w", err)
	}
	key := fmt.Sprintf("%s-%d", p.Team, p.Inning)
	if p.Score == "" {
		delete(state.Overrides, key)
	} else {
		state.Overrides[key] = p.Score
	}
	return nil
}

func reduceClearData(state *GameState, payload json.RawMessage) error {
	var p struct {
		ActiveCtx  Context `json:"activeCtx"`
		ActiveTeam string  `json:"activeTeam"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("CLEAR_DATA: %w", err)
	}
	key := paKey(p.ActiveTeam, p.ActiveCtx)
	pa, ok := state.PAEvents[key]
	if !ok {
		return nil
	}
	batterID := pa.BatterID
	state.PAEvents[key] = &PAEvent{BatterID: batterID}
	return nil
}

func reducePitcherUpdate(state *GameState, payload json.RawMessage) error {
	var p struct {
		Team    string `json:"team"`
		Pitcher string `json:"pitcher"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("PITCHER_UPDATE: %w", err)
	}
	state.Pitchers[p.Team] = p.Pitcher
	return nil
}

func reduceAddColumn(state *GameState, payload json.RawMessage) error {
	var p struct {
		TargetInning int    `json:"targetInning"`
		Team         string `json:"team"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("ADD_COLUMN: %w", err)
	}
	colID := fmt.Sprintf("col-%d", p.TargetInning)
	for _, c := range state.Columns[p.Team] {
		if c == colID {
			return nil
		}
	}
	state.Columns[p.Team] = append(state.Columns[p.Team], colID)
	return nil
}

func reduceRemoveColumn(state *GameState, payload json.RawMessage) error {
	var p struct {
		ColId string `json:"colId"`
		Team  string `json:"team"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("REMOVE_COLUMN: %w", err)
	}
	cols := state.Columns[p.Team]
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != p.ColId {
			out = append(out, c)
		}
	}
	state.Columns[p.Team] = out
	return nil
}

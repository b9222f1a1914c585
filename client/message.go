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

// Package client implements the per-game sync client: a duplex streaming
// session with a batched HTTP fallback, optimistic send/ACK queueing,
// conflict handling, and reconnect/keepalive. It has no dependency on the
// backend package; it is a standalone library a client process links
// against, speaking the same wire messages the server broadcasts.
package client

import "encoding/json"

// Message types, matching backend.Message's wire tags exactly.
const (
	MsgTypeHello      = "HELLO"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the streaming-channel wire envelope, field-for-field compatible
// with the server's backend.Message.
type Message struct {
	Type             string            `json:"type"`
	GameId           string            `json:"gameId,omitempty"`
	LastRevision     string            `json:"lastRevision,omitempty"`
	BaseRevision     string            `json:"baseRevision,omitempty"`
	Action           json.RawMessage   `json:"action,omitempty"`
	Actions          []json.RawMessage `json:"actions,omitempty"`
	Error            string            `json:"error,omitempty"`
	ConflictType     string            `json:"conflictType,omitempty"`
	CommonAncestorID string            `json:"commonAncestorId,omitempty"`
	ServerBranch     []json.RawMessage `json:"serverBranch,omitempty"`
}

// Action is the minimal shape the Sync Client needs to read off an action to
// queue, echo-match, and track revisions; the payload itself is opaque here.
type Action struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ParentID  string          `json:"parentId,omitempty"`
}

// pushRequest is the body of POST /api/sync/push.
type pushRequest struct {
	GameId       string            `json:"gameId"`
	Actions      []json.RawMessage `json:"actions"`
	BaseRevision string            `json:"baseRevision"`
}

// conflictBody is the JSON body of a 409 response to /api/sync/push.
type conflictBody struct {
	ConflictType     string            `json:"conflictType"`
	CommonAncestorID string            `json:"commonAncestorId"`
	ServerBranch     []json.RawMessage `json:"serverBranch"`
}

// notLeaderBody is the JSON body of a 503 "not the leader" response.
type notLeaderBody struct {
	LeaderAddr string `json:"leaderAddr"`
}

// Conflict is handed to the caller's OnConflict callback verbatim.
type Conflict struct {
	Kind             string
	CommonAncestorID string
	ServerBranch     []json.RawMessage
}

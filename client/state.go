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

package client

// State is a node in the per-session connection state machine:
//
//	DISCONNECTED --connect()--> CONNECTING --open--> SYNCING_HISTORY --ACK--> READY
//	                                         ^                                  |
//	                                         +-------conflict/close-------------+
type State int

const (
	Disconnected State = iota
	Connecting
	SyncingHistory
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case SyncingHistory:
		return "SYNCING_HISTORY"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

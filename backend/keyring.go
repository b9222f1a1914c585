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
	"sync"

	"github.com/c2FmZQ/storage/crypto"
)

// KeyInfo pairs an encryption key with the ID (key file name) it was loaded
// from. The ID encodes the Raft log index at rotation time (idx-<index>-<ts>.key),
// which GarbageCollectKeys uses to decide which old keys are still needed.
type KeyInfo struct {
	Key crypto.EncryptionKey
	ID  string
}

// KeyRing holds the active Raft log/snapshot encryption key plus the previous
// keys still needed to decrypt older log entries and snapshots. Old is ordered
// newest first; Rotate prepends the outgoing active key.
type KeyRing struct {
	mu     sync.RWMutex
	Active *KeyInfo
	Old    []*KeyInfo
}

// NewKeyRing creates a ring with a single active key and no history.
func NewKeyRing(key crypto.EncryptionKey, id string) *KeyRing {
	return &KeyRing{Active: &KeyInfo{Key: key, ID: id}}
}

// SetKeys replaces the whole ring contents.
func (kr *KeyRing) SetKeys(active *KeyInfo, old []*KeyInfo) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.Active = active
	kr.Old = old
}

// Rotate makes newKey the active key and prepends the previous active key to
// Old, so decrypt attempts still find it.
func (kr *KeyRing) Rotate(newKey crypto.EncryptionKey, id string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.Active != nil {
		kr.Old = append([]*KeyInfo{kr.Active}, kr.Old...)
	}
	kr.Active = &KeyInfo{Key: newKey, ID: id}
}

// snapshotKeys returns the keys to try for decryption, active first, newest
// old key next.
func (kr *KeyRing) snapshotKeys() []*KeyInfo {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	keys := make([]*KeyInfo, 0, 1+len(kr.Old))
	if kr.Active != nil {
		keys = append(keys, kr.Active)
	}
	keys = append(keys, kr.Old...)
	return keys
}

// Wipe zeroes every key in the ring and empties it.
func (kr *KeyRing) Wipe() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.Active != nil && kr.Active.Key != nil {
		kr.Active.Key.Wipe()
	}
	kr.Active = nil
	for _, k := range kr.Old {
		if k != nil && k.Key != nil {
			k.Key.Wipe()
		}
	}
	kr.Old = nil
}

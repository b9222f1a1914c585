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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

// EncryptedLogStore wraps a raft.LogStore to encrypt log entries. Writes use
// the ring's active key; reads try the active key first, then each retained
// old key, so entries written before a rotation stay readable.
type EncryptedLogStore struct {
	inner raft.LogStore
	ring  *KeyRing
}

// NewEncryptedLogStore creates a new encrypted log store.
func NewEncryptedLogStore(inner raft.LogStore, ring *KeyRing) *EncryptedLogStore {
	return &EncryptedLogStore{
		inner: inner,
		ring:  ring,
	}
}

func (e *EncryptedLogStore) FirstIndex() (uint64, error) {
	return e.inner.FirstIndex()
}

func (e *EncryptedLogStore) LastIndex() (uint64, error) {
	return e.inner.LastIndex()
}

// ringDecrypt tries every key in the ring, active first.
func ringDecrypt(ring *KeyRing, data []byte) ([]byte, error) {
	if ring == nil {
		return data, nil
	}
	var lastErr error
	for _, info := range ring.snapshotKeys() {
		if info == nil || info.Key == nil {
			continue
		}
		decrypted, err := info.Key.Decrypt(data)
		if err == nil {
			return decrypted, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		// Empty ring: data was never encrypted.
		return data, nil
	}
	return nil, lastErr
}

func ringActiveKey(ring *KeyRing) crypto.EncryptionKey {
	if ring == nil {
		return nil
	}
	ring.mu.RLock()
	defer ring.mu.RUnlock()
	if ring.Active == nil {
		return nil
	}
	return ring.Active.Key
}

func (e *EncryptedLogStore) GetLog(index uint64, log *raft.Log) error {
	if err := e.inner.GetLog(index, log); err != nil {
		return err
	}
	if len(log.Data) == 0 || ringActiveKey(e.ring) == nil {
		return nil
	}
	decrypted, err := ringDecrypt(e.ring, log.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt log index %d: %w", index, err)
	}
	log.Data = decrypted
	return nil
}

func (e *EncryptedLogStore) StoreLog(log *raft.Log) error {
	key := ringActiveKey(e.ring)
	if key != nil && len(log.Data) > 0 {
		encrypted, err := key.Encrypt(log.Data)
		if err != nil {
			return fmt.Errorf("failed to encrypt log: %w", err)
		}
		newLog := *log
		newLog.Data = encrypted
		return e.inner.StoreLog(&newLog)
	}
	return e.inner.StoreLog(log)
}

func (e *EncryptedLogStore) StoreLogs(logs []*raft.Log) error {
	key := ringActiveKey(e.ring)
	if key == nil {
		return e.inner.StoreLogs(logs)
	}

	newLogs := make([]*raft.Log, len(logs))
	for i, l := range logs {
		if len(l.Data) > 0 {
			encrypted, err := key.Encrypt(l.Data)
			if err != nil {
				return fmt.Errorf("failed to encrypt log batch index %d: %w", i, err)
			}
			nl := *l
			nl.Data = encrypted
			newLogs[i] = &nl
		} else {
			newLogs[i] = l
		}
	}
	return e.inner.StoreLogs(newLogs)
}

func (e *EncryptedLogStore) DeleteRange(min, max uint64) error {
	return e.inner.DeleteRange(min, max)
}

func (e *EncryptedLogStore) Close() error {
	if c, ok := e.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EncryptedStableStore wraps a raft.StableStore to encrypt key-values. Like
// the log store it writes with the active key and reads with every key still
// in the ring, so GarbageCollectKeys can re-encrypt term/vote metadata under
// the active key before old keys are deleted.
type EncryptedStableStore struct {
	inner raft.StableStore
	ring  *KeyRing
}

// NewEncryptedStableStore creates a new encrypted stable store.
func NewEncryptedStableStore(inner raft.StableStore, ring *KeyRing) *EncryptedStableStore {
	return &EncryptedStableStore{
		inner: inner,
		ring:  ring,
	}
}

func (e *EncryptedStableStore) Set(key []byte, val []byte) error {
	if ekey := ringActiveKey(e.ring); ekey != nil {
		encrypted, err := ekey.Encrypt(val)
		if err != nil {
			return fmt.Errorf("failed to encrypt stable set: %w", err)
		}
		val = encrypted
	}
	return e.inner.Set(key, val)
}

func (e *EncryptedStableStore) Get(key []byte) ([]byte, error) {
	val, err := e.inner.Get(key)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 || ringActiveKey(e.ring) == nil {
		return val, nil
	}
	decrypted, err := ringDecrypt(e.ring, val)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stable get: %w", err)
	}
	return decrypted, nil
}

func (e *EncryptedStableStore) SetUint64(key []byte, val uint64) error {
	// Store as 8 encrypted bytes through Set; the inner store's own
	// SetUint64 would bypass encryption.
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, val)
	return e.Set(key, b)
}

func (e *EncryptedStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := e.Get(key) // This calls our Get(), which decrypts
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, fmt.Errorf("not found")
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("unexpected value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (e *EncryptedStableStore) Close() error {
	if c, ok := e.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

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

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// SendAction is the client API for producing a new action: mark the id
// pending (for echo detection), optimistically advance lastRevision, and
// enqueue for the HTTP fallback drainer.
func (c *Client) SendAction(raw json.RawMessage) error {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("client: malformed action: %w", err)
	}
	c.queueMu.Lock()
	paused := c.paused
	c.queueMu.Unlock()
	if paused {
		return ErrPaused
	}

	c.pendingAdd(a.ID)
	c.setLastRevision(a.ID)

	c.queueMu.Lock()
	c.httpQueue = append(c.httpQueue, raw)
	c.queueMu.Unlock()

	go c.processHTTPQueue()
	return nil
}

// QueueLen reports the number of actions still queued for the HTTP
// fallback, for tests and status displays.
func (c *Client) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.httpQueue)
}

// processHTTPQueue drains the send queue: at most one
// invocation in flight, skipped during SYNCING_HISTORY or while paused by an
// unresolved conflict, batches up to BatchCap actions per POST, and leaves
// unsent items at the head of the queue on any failure.
func (c *Client) processHTTPQueue() {
	c.queueMu.Lock()
	if c.processing || c.paused {
		c.queueMu.Unlock()
		return
	}
	if c.State() == SyncingHistory {
		c.queueMu.Unlock()
		return
	}
	if len(c.httpQueue) == 0 {
		c.queueMu.Unlock()
		return
	}
	n := len(c.httpQueue)
	if n > BatchCap {
		n = BatchCap
	}
	batch := make([]json.RawMessage, n)
	copy(batch, c.httpQueue[:n])
	c.processing = true
	c.queueMu.Unlock()

	conflict, err := c.postBatch(batch)

	c.queueMu.Lock()
	c.processing = false
	if conflict != nil {
		c.paused = true
		c.queueMu.Unlock()
		if c.OnConflict != nil {
			c.OnConflict(*conflict)
		}
		return
	}
	if err != nil {
		c.queueMu.Unlock()
		if c.OnError != nil {
			c.OnError(err)
		}
		return
	}
	c.httpQueue = c.httpQueue[n:]
	more := len(c.httpQueue) > 0
	c.queueMu.Unlock()

	if more {
		c.processHTTPQueue()
	}
}

// postBatch sends one POST /api/sync/push. retryablehttp's CheckRetry/Backoff
// (configured in httpClientOnce) already absorb transient network failures
// and 429/503 with the configured backoff policy; postBatch only needs to
// distinguish a definitive 409 CONFLICT from success.
func (c *Client) postBatch(batch []json.RawMessage) (*Conflict, error) {
	body := pushRequest{
		GameId:       c.GameID,
		Actions:      batch,
		BaseRevision: c.LastRevision(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: marshal push request: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.HTTPBaseURL+"/api/sync/push", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("client: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClientOnce().Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: push: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil, nil
	case http.StatusConflict:
		var cb conflictBody
		if derr := json.NewDecoder(resp.Body).Decode(&cb); derr != nil {
			return nil, fmt.Errorf("client: decode conflict body: %w", derr)
		}
		return &Conflict{
			Kind:             cb.ConflictType,
			CommonAncestorID: cb.CommonAncestorID,
			ServerBranch:     cb.ServerBranch,
		}, nil
	case http.StatusServiceUnavailable:
		var nl notLeaderBody
		_ = json.NewDecoder(resp.Body).Decode(&nl)
		return nil, fmt.Errorf("client: not leader, redirect to %s", nl.LeaderAddr)
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: push failed: %d %s", resp.StatusCode, string(b))
	}
}

// PullSince performs the cold-catch-up HTTP GET /api/sync/pull, used when no
// streaming connection is available (e.g. before the first Connect).
func (c *Client) PullSince(ctx context.Context, since string) ([]json.RawMessage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.HTTPBaseURL+"/api/sync/pull", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build pull request: %w", err)
	}
	q := req.URL.Query()
	q.Set("gameId", c.GameID)
	q.Set("since", since)
	req.URL.RawQuery = q.Encode()
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClientOnce().Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: pull: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: pull failed: %d %s", resp.StatusCode, string(b))
	}
	var out struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode pull response: %w", err)
	}
	return out.Actions, nil
}

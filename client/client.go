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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
)

// BatchCap is the maximum number of actions sent in a single /api/sync/push
// POST; strictly more actions are sent in subsequent batches until the
// queue drains.
const BatchCap = 100

// heartbeatInterval/maxMissedPongs implement the keepalive watchdog:
// missing two consecutive pongs closes the channel and triggers reconnect.
const (
	heartbeatInterval = 30 * time.Second
	maxMissedPongs    = 2
)

// ErrPaused is returned by SendAction while the session is paused awaiting a
// conflict resolution decision from the caller.
var ErrPaused = errors.New("client: paused pending conflict resolution")

// Client is one logical per-game sync session: a streaming channel
// (preferred) plus a batched HTTP fallback and queue drainer.
type Client struct {
	GameID      string
	WSURL       string       // e.g. "ws://host:port/ws"
	HTTPBaseURL string       // e.g. "http://host:port"
	Header      http.Header  // forwarded on both transports (auth cookies/tokens)
	Dialer      *websocket.Dialer

	// RetryWaitMin/Max tune the HTTP-fallback backoff (base·1.5^retry +
	// jitter, capped). Zero values fall back to 500ms / 30s.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	OnRemoteAction func(action json.RawMessage)
	OnConflict     func(c Conflict)
	OnError        func(err error)
	OnStatusChange func(s State)

	mu           sync.Mutex
	state        State
	lastRevision string
	conn         *websocket.Conn
	connMu       sync.Mutex
	cancel       context.CancelFunc
	missedPongs  int

	pendingMu        sync.Mutex
	pendingActionIds map[string]bool

	queueMu    sync.Mutex
	httpQueue  []json.RawMessage
	processing bool
	paused     bool

	httpClient *retryablehttp.Client

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Client for one game. Call Connect to open the session.
func New(gameID, wsURL, httpBaseURL string) *Client {
	return &Client{
		GameID:           gameID,
		WSURL:            wsURL,
		HTTPBaseURL:      httpBaseURL,
		Dialer:           websocket.DefaultDialer,
		pendingActionIds: make(map[string]bool),
		doneCh:           make(chan struct{}),
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastRevision returns the id of the last generative action visible to this
// client; it is the causality marker sent as baseRevision.
func (c *Client) LastRevision() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRevision
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

func (c *Client) setLastRevision(id string) {
	c.mu.Lock()
	c.lastRevision = id
	c.mu.Unlock()
}

func (c *Client) pendingAdd(id string) {
	c.pendingMu.Lock()
	c.pendingActionIds[id] = true
	c.pendingMu.Unlock()
}

// pendingRemove reports whether id was pending and removes it.
func (c *Client) pendingRemove(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingActionIds[id] {
		delete(c.pendingActionIds, id)
		return true
	}
	return false
}

func (c *Client) retryWaitMin() time.Duration {
	if c.RetryWaitMin > 0 {
		return c.RetryWaitMin
	}
	return 500 * time.Millisecond
}

func (c *Client) retryWaitMax() time.Duration {
	if c.RetryWaitMax > 0 {
		return c.RetryWaitMax
	}
	return 30 * time.Second
}

func (c *Client) httpClientOnce() *retryablehttp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		return c.httpClient
	}
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryWaitMin = c.retryWaitMin()
	hc.RetryWaitMax = c.retryWaitMax()
	hc.RetryMax = 1 << 20 // effectively unbounded; Close() cancels the context instead
	hc.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		return transportBackoff(min, max, attempt, resp)
	}
	hc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return true, nil
		case http.StatusOK, http.StatusConflict:
			return false, nil
		default:
			return false, nil
		}
	}
	c.httpClient = hc
	return hc
}

// Connect opens the streaming channel, sends the opening HELLO frame
// carrying lastRevisionKnown, and transitions CONNECTING -> SYNCING_HISTORY.
// The HTTP queue is held back (per processHTTPQueue's contract) until the
// server's ACK moves the session to READY.
func (c *Client) Connect(ctx context.Context, lastRevisionKnown string) error {
	c.setLastRevision(lastRevisionKnown)
	c.setState(Connecting)

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(c.WSURL)
	if err != nil {
		return fmt.Errorf("client: invalid ws url: %w", err)
	}
	q := u.Query()
	q.Set("gameId", c.GameID)
	u.RawQuery = q.Encode()

	conn, _, err := dialer.DialContext(ctx, u.String(), c.Header)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("client: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.cancel = cancel

	hello := Message{Type: MsgTypeHello, GameId: c.GameID, LastRevision: lastRevisionKnown}
	if err := c.sendRaw(hello); err != nil {
		cancel()
		return fmt.Errorf("client: send HELLO: %w", err)
	}
	c.setState(SyncingHistory)

	go c.readLoop(runCtx)
	go c.heartbeat(runCtx)
	return nil
}

func (c *Client) sendRaw(msg Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("client: not connected")
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if c.OnError != nil {
				c.OnError(fmt.Errorf("client: read: %w", err))
			}
			c.setState(Disconnected)
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches one streaming-channel message.
func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MsgTypeAck:
		c.setState(Ready)
		go c.processHTTPQueue()
	case MsgTypeAction:
		c.applyRemote(msg.Action)
	case MsgTypeSyncUpdate:
		for _, a := range msg.Actions {
			c.applyRemote(a)
		}
	case MsgTypeError:
		if c.OnError != nil {
			c.OnError(errors.New(msg.Error))
		}
	case MsgTypeConflict:
		c.queueMu.Lock()
		c.paused = true
		c.queueMu.Unlock()
		if c.OnConflict != nil {
			c.OnConflict(Conflict{
				Kind:             msg.ConflictType,
				CommonAncestorID: msg.CommonAncestorID,
				ServerBranch:     msg.ServerBranch,
			})
		}
	case MsgTypePing:
		_ = c.sendRaw(Message{Type: MsgTypePong})
	case MsgTypePong:
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
	}
}

// applyRemote handles one remote ACTION (live or catch-up). Under the
// echo rule, an action this client itself sent keeps lastRevision
// where the optimistic send left it rather than reapplying an older value;
// a genuinely new remote action advances the tip and reaches the caller.
func (c *Client) applyRemote(raw json.RawMessage) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		if c.OnError != nil {
			c.OnError(fmt.Errorf("client: malformed remote action: %w", err))
		}
		return
	}
	if !c.pendingRemove(a.ID) {
		c.setLastRevision(a.ID)
	}
	if c.OnRemoteAction != nil {
		c.OnRemoteAction(raw)
	}
}

// Resolve lifts the paused-by-conflict state after the caller has submitted
// its resolution action (overwrite/discard/clone), letting processHTTPQueue
// resume draining.
func (c *Client) Resolve() {
	c.queueMu.Lock()
	c.paused = false
	c.queueMu.Unlock()
	go c.processHTTPQueue()
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > maxMissedPongs {
				if c.OnError != nil {
					c.OnError(errors.New("client: keepalive watchdog expired"))
				}
				c.disconnect()
				go c.reconnect()
				return
			}
			_ = c.sendRaw(Message{Type: MsgTypePing})
		}
	}
}

// reconnect redials with backoff after a watchdog-triggered close, until
// either a dial succeeds or the client is closed for good.
func (c *Client) reconnect() {
	for attempt := 0; ; attempt++ {
		select {
		case <-c.doneCh:
			return
		case <-time.After(transportBackoff(c.retryWaitMin(), c.retryWaitMax(), attempt, nil)):
		}
		if err := c.Connect(context.Background(), c.LastRevision()); err == nil {
			return
		}
	}
}

func (c *Client) disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.setState(Disconnected)
}

// Close tears down the session permanently.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.disconnect()
		close(c.doneCh)
	})
	return err
}

// Done is closed once Close has run.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

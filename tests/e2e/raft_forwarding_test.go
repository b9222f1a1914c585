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

package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/scorekeep/core/backend"
)

// startRaftCluster starts a 3-node Raft cluster and returns the Leader's URL, a Follower's URL, and the cluster secret.
func startRaftCluster(t *testing.T) (leaderURL string, followerURL string, secret string) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		t.Fatalf("Failed to generate self-signed cert: %v", err)
	}

	nodeCount := 3
	rms := make([]*backend.RaftManager, nodeCount)
	urls := make([]string, nodeCount)
	clusterSecret := "test-secret-" + fmt.Sprintf("%d", time.Now().UnixNano())

	rmChans := make([]chan *backend.RaftManager, nodeCount)

	for i := 0; i < nodeCount; i++ {
		dataDir := t.TempDir()
		s := storage.New(dataDir, nil)
		gStore := backend.NewGameStore(dataDir, s)
		tStore := backend.NewTeamStore(dataDir, s)
		reg := backend.NewRegistry(gStore, tStore, nil, true)

		l, err := net.Listen("tcp", "0.0.0.0:0")
		if err != nil {
			t.Fatalf("Node %d failed to listen: %v", i, err)
		}
		_, port, _ := net.SplitHostPort(l.Addr().String())
		httpAddr := fmt.Sprintf("https://devtest.local:%s", port)
		urls[i] = httpAddr

		raftL, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Node %d failed to listen raft: %v", i, err)
		}
		raftBind := raftL.Addr().String()
		raftL.Close()

		clusterL, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Node %d failed to listen cluster: %v", i, err)
		}
		clusterAddr := clusterL.Addr().String()
		clusterL.Close()

		t.Cleanup(func() { l.Close() })

		rmChans[i] = make(chan *backend.RaftManager, 1)

		opts := backend.Options{
			Addr:             l.Addr().String(),
			ClusterAdvertise: clusterAddr,
			ClusterAddr:      clusterAddr,
			Listener:         l,
			Cert:             cert,
			UseMockAuth:      true,
			Debug:            true,
			GameStore:        gStore,
			TeamStore:        tStore,
			Registry:         reg,
			RaftEnabled:      true,
			RaftBind:         raftBind,
			RaftSecret:       clusterSecret,
			RaftBootstrap:    i == 0, // Only node 0 bootstraps
			RaftManagerChan:  rmChans[i],
			DataDir:          dataDir,
		}

		server, err := backend.StartServer(opts)
		if err != nil {
			t.Fatalf("Node %d failed to start: %v", i, err)
		}
		t.Cleanup(func() { server.Shutdown(t.Context()) })

		localURL := fmt.Sprintf("https://localhost:%s", port)
		if err := waitForServer(localURL, 5*time.Second); err != nil {
			t.Fatalf("Server %d failed to start: %v", i, err)
		}
	}

	for i := 0; i < nodeCount; i++ {
		select {
		case rm := <-rmChans[i]:
			rms[i] = rm
		case <-time.After(5 * time.Second):
			t.Fatalf("Node %d RaftManager not received", i)
		}
	}

	t.Log("Waiting for initial leader election...")
	waitForLeader(t, rms[0])
	leaderURL = urls[0]

	for i := 1; i < nodeCount; i++ {
		t.Logf("Joining node %d to leader...", i)
		pubKey := base64.StdEncoding.EncodeToString(rms[i].PubKey)
		rms[i].AddNodePubKey(rms[0].NodeID, rms[0].ClusterAdvertise, base64.StdEncoding.EncodeToString(rms[0].PubKey))

		err := rms[0].Join(rms[i].NodeID, rms[i].Bind, rms[0].ClusterAdvertise, pubKey, false, backend.CurrentAppVersion, backend.CurrentProtocolVersion, backend.CurrentSchemaVersion)
		if err != nil {
			t.Fatalf("Failed to join node %d: %v", i, err)
		}
	}

	time.Sleep(2 * time.Second)
	followerURL = urls[1]

	t.Logf("Cluster formed. Leader: %s, Follower: %s", leaderURL, followerURL)
	return leaderURL, followerURL, clusterSecret
}

// postAction sends a single action to a node's streaming HTTP action
// endpoint, the same wire shape the Sync Client uses over its batched HTTP
// fallback.
func postAction(t *testing.T, nodeURL, userId, gameId string, raw json.RawMessage) *http.Response {
	t.Helper()
	msg := backend.Message{
		Type:   backend.MsgTypeAction,
		GameId: gameId,
		Action: raw,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}

	req, err := http.NewRequest("POST", strings.Replace(nodeURL, "devtest.local", "localhost", 1)+"/api/action", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: userId})
	req.Header.Set("Content-Type", "application/json")

	resp, err := insecureClient().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", nodeURL, err)
	}
	return resp
}

// loadGame fetches one game document from a node and returns the raw body.
func loadGame(t *testing.T, nodeURL, userId, gameId string) ([]byte, int) {
	t.Helper()
	req, err := http.NewRequest("GET", strings.Replace(nodeURL, "devtest.local", "localhost", 1)+"/api/load/"+gameId, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: userId})
	resp, err := insecureClient().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", nodeURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body, resp.StatusCode
}

// TestRaftRequestForwarding verifies that a write sent to a Follower is
// forwarded to the Leader, applied via the Reducer, and replicated back,
// observed entirely over the wire protocol (no browser): a Follower-routed
// GAME_START must be readable, with its materialized state intact, from the
// same Follower once Raft has replicated the Leader's commit.
func TestRaftRequestForwarding(t *testing.T) {
	leaderURL, followerURL, _ := startRaftCluster(t)
	t.Logf("Testing forwarding from Follower (%s) to Leader (%s)", followerURL, leaderURL)

	userId := "fwd@example.com"
	gameId := "30000000-0000-0000-0000-000000000001"
	actionId := "40000000-0000-0000-0000-000000000001"

	payload := fmt.Sprintf(`{"id":%q,"timestamp":1,"type":"GAME_START","schemaVersion":3,"payload":{"id":%q,"date":"2025-01-01T00:00:00Z","away":"FwdAway","home":"FwdHome","ownerId":%q}}`, actionId, gameId, userId)

	resp := postAction(t, followerURL, userId, gameId, json.RawMessage(payload))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forwarded GAME_START failed on follower: %d", resp.StatusCode)
	}

	pitchID := "40000000-0000-0000-0000-000000000002"
	pitchPayload := fmt.Sprintf(`{"id":%q,"timestamp":2,"type":"PITCH","schemaVersion":3,"payload":{"activeCtx":{"b":0,"i":1,"col":"col-1"},"activeTeam":"away","type":"ball","batterId":"b1"}}`, pitchID)
	resp2 := postAction(t, followerURL, userId, gameId, json.RawMessage(pitchPayload))
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("forwarded PITCH failed on follower: %d", resp2.StatusCode)
	}

	// Give Raft replication a moment, then confirm the Follower itself now
	// serves the Reducer-materialized state for the game it forwarded.
	var state struct {
		MaterializedState struct {
			PAEvents map[string]json.RawMessage `json:"paEvents"`
		} `json:"materializedState"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	var followerBody []byte
	ok := false
	for i := 0; i < 20; i++ {
		body, status := loadGame(t, followerURL, userId, gameId)
		if status == http.StatusOK {
			if json.Unmarshal(body, &state) == nil && len(state.ActionLog) == 2 {
				followerBody = body
				ok = true
				break
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	if !ok {
		t.Fatal("follower never observed the replicated, reducer-materialized game state")
	}
	if len(state.MaterializedState.PAEvents) == 0 {
		t.Error("expected the PITCH action to have produced a materialized plate appearance")
	}

	// Replay is deterministic, so the leader and the follower must serve the
	// exact same document once replication has caught up.
	leaderBody, status := loadGame(t, leaderURL, userId, gameId)
	if status != http.StatusOK {
		t.Fatalf("leader load failed: %d", status)
	}
	requireSameJSON(t, "replicated game document", leaderBody, followerBody)

	t.Log("Raft request forwarding + reducer materialization verified")
}

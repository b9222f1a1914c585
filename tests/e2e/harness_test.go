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
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/scorekeep/core/backend"
)

// Package e2e drives the real HTTP/sync surface of a standalone or clustered
// server over the network, the way an offline device or a second browser tab
// would. No UI is rendered or inspected here, only the wire protocol.

var raftNodes = flag.Int("raft-nodes", 3, "Number of Raft nodes to start")

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

func startTestServer(t *testing.T) string {
	return startTestServerWithFlags(t, nil)
}

func startTestServerWithFlags(t *testing.T, flags []string) string {
	cert, err := generateSelfSignedCert()
	if err != nil {
		t.Fatalf("Failed to generate self-signed cert: %v", err)
	}

	var bootstrapAdmin string
	for i, f := range flags {
		if f == "--admin" && i+1 < len(flags) {
			bootstrapAdmin = flags[i+1]
		}
	}

	dataDir := t.TempDir()
	s := storage.New(dataDir, nil)
	gStore := backend.NewGameStore(dataDir, s)
	tStore := backend.NewTeamStore(dataDir, s)
	reg := backend.NewRegistry(gStore, tStore, nil, true)

	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	_, port, _ := net.SplitHostPort(l.Addr().String())
	httpAddr := fmt.Sprintf("https://devtest.local:%s", port)

	opts := backend.Options{
		Addr:           httpAddr,
		Listener:       l,
		Cert:           cert,
		UseMockAuth:    true,
		Debug:          true,
		GameStore:      gStore,
		TeamStore:      tStore,
		Registry:       reg,
		DataDir:        dataDir,
		BootstrapAdmin: bootstrapAdmin,
	}

	server, err := backend.StartServer(opts)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(sdCtx)
	})

	localURL := fmt.Sprintf("https://localhost:%s", port)
	if err := waitForServer(localURL, 5*time.Second); err != nil {
		t.Fatalf("server failed to start: %v", err)
	}
	return httpAddr
}

func generateSelfSignedCert() (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(time.Hour * 24),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "devtest", "devtest.local", "devtest.public"},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func waitForServer(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	client := http.Client{Transport: tr}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	for start := time.Now(); time.Since(start) < timeout; {
		resp, err := client.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			log.Printf("Server at %s is ready!", url)
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(200 * time.Millisecond)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return fmt.Errorf("timeout waiting for server at %s", url)
}

func waitForLeader(t *testing.T, rm *backend.RaftManager) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatal("Timeout waiting for leader")
		default:
			if rm.Raft.State().String() == "Leader" {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// insecureClient returns an HTTP client that accepts the harness's
// self-signed certificates, for use by tests that speak the sync protocol
// directly rather than through a rendered page.
func insecureClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		Timeout:   10 * time.Second,
	}
}

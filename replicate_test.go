package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"artstore_gateway/pkg/merkle"
)

// storageNodeStub collects uploaded sector tasks keyed by root so tests
// can reassemble what a gateway fetch would serve.
type storageNodeStub struct {
	mu    sync.Mutex
	tasks map[string][]sectorTask
	fail  bool
}

func newStorageNodeStub() *storageNodeStub {
	return &storageNodeStub{tasks: map[string][]sectorTask{}}
}

func (s *storageNodeStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/upload" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			http.Error(w, "disk full", http.StatusServiceUnavailable)
			return
		}
		var task sectorTask
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.tasks[task.Root] = append(s.tasks[task.Root], task)
		w.WriteHeader(http.StatusOK)
	}
}

// reassemble concatenates stored sectors in order and trims to length.
func (s *storageNodeStub) reassemble(t *testing.T, root string, length uint64) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, task := range s.tasks[root] {
		for _, enc := range task.Sectors {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				t.Fatalf("stored sector is not base64: %v", err)
			}
			out = append(out, raw...)
		}
	}
	if uint64(len(out)) < length {
		t.Fatalf("stored %d bytes, expected at least %d", len(out), length)
	}
	return out[:length]
}

func TestReplicate_RoundTrip(t *testing.T) {
	node := newStorageNodeStub()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	payload := make([]byte, 3*merkle.SectorSize+17)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	c, err := merkle.Commit(payload)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	opts := replicationOptions{RequiredReplicas: 1, TaskSize: 2}
	outcome := replicate(context.Background(), c, payload, []string{srv.URL}, opts)
	if !outcome.Succeeded {
		t.Fatalf("replication failed: %s", outcome.Warning)
	}

	got := node.reassemble(t, hexRoot(c.Root), c.Length)
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch: stored bytes differ from the original payload")
	}

	// Tasks must be bounded by TaskSize and flagged skip-registration.
	for _, task := range node.tasks[hexRoot(c.Root)] {
		if len(task.Sectors) > 2 {
			t.Fatalf("task carries %d sectors, limit is 2", len(task.Sectors))
		}
		if !task.SkipRegistration {
			t.Fatalf("replication must run in skip-registration mode")
		}
	}
}

func TestReplicate_NodeUnreachableIsWarningNotError(t *testing.T) {
	payload := []byte(strings.Repeat("x", 600))
	c, err := merkle.Commit(payload)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	outcome := replicate(context.Background(), c, payload,
		[]string{"http://127.0.0.1:1"}, replicationOptions{RequiredReplicas: 1, TaskSize: 8})
	if outcome.Succeeded {
		t.Fatalf("expected degraded outcome for unreachable node")
	}
	if !outcome.Attempted {
		t.Fatalf("outcome must record the attempt")
	}
	if outcome.Warning == "" {
		t.Fatalf("degraded replication must carry a warning")
	}
}

func TestReplicate_RequiredReplicasHonored(t *testing.T) {
	good := newStorageNodeStub()
	bad := newStorageNodeStub()
	bad.fail = true

	goodSrv := httptest.NewServer(good.handler())
	defer goodSrv.Close()
	badSrv := httptest.NewServer(bad.handler())
	defer badSrv.Close()

	payload := []byte("sector data for replica accounting")
	c, err := merkle.Commit(payload)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// One healthy node out of two cannot satisfy two required replicas.
	outcome := replicate(context.Background(), c, payload,
		[]string{badSrv.URL, goodSrv.URL}, replicationOptions{RequiredReplicas: 2, TaskSize: 4})
	if outcome.Succeeded {
		t.Fatalf("expected failure to reach 2 replicas")
	}

	// A single required replica succeeds via the healthy node.
	outcome = replicate(context.Background(), c, payload,
		[]string{badSrv.URL, goodSrv.URL}, replicationOptions{RequiredReplicas: 1, TaskSize: 4})
	if !outcome.Succeeded {
		t.Fatalf("expected success via healthy node: %s", outcome.Warning)
	}
}

func TestResolveURL_RefusesContentHashMode(t *testing.T) {
	payload := []byte("not actually on the network")

	full, err := merkle.Commit(payload)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := resolveURL(full); err != nil {
		t.Fatalf("full-mode commitment must resolve: %v", err)
	}

	simple, err := merkle.ContentHash(payload)
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if _, err := resolveURL(simple); err == nil {
		t.Fatalf("content-hash commitment must not produce a gateway URL")
	}
}

func TestResolveURL_Shape(t *testing.T) {
	old := gatewayBase
	gatewayBase = "http://gw.example:5678/"
	t.Cleanup(func() { gatewayBase = old })

	c, err := merkle.Commit([]byte("payload"))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	u, err := resolveURL(c)
	if err != nil {
		t.Fatalf("resolveURL failed: %v", err)
	}
	want := "http://gw.example:5678/file?root=" + hexRoot(c.Root)
	if u != want {
		t.Fatalf("resolveURL = %q, want %q", u, want)
	}
}

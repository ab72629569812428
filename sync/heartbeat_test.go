package sync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/sync"
)

func TestHeartbeatReportsStateAndAppliesCommands(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	beats := make(chan sync.HeartbeatStatus, 8)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/heartbeat") {
			var beat sync.HeartbeatStatus
			_ = json.NewDecoder(r.Body).Decode(&beat)
			select {
			case beats <- beat:
			default:
			}
			_ = json.NewEncoder(w).Encode(sync.HeartbeatResponse{
				Commands: []sync.RemoteCommand{{ID: uuid.NewString(), Type: sync.CommandDisable}},
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	if _, err := models.EnqueueMutation(ctx, db, models.TableOrders, "ord-1", models.OperationUpdate, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cfg := testTerminal(backend.URL)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	e := newTestEngine(t, db, cfg)

	loopCtx, cancel := context.WithTimeout(ctx, time.Second)
	done := make(chan struct{})
	go func() {
		e.RunHeartbeatLoop(loopCtx)
		close(done)
	}()

	var beat sync.HeartbeatStatus
	select {
	case beat = <-beats:
	case <-loopCtx.Done():
		t.Fatal("no heartbeat arrived within the deadline")
	}

	// The disable command is applied after the response round-trips.
	deadline := time.Now().Add(2 * time.Second)
	for !models.IsTerminalDisabled(ctx, db) {
		if time.Now().After(deadline) {
			t.Fatal("disable command from heartbeat response was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if beat.TerminalId != "term-1" {
		t.Fatalf("beat terminal id = %q", beat.TerminalId)
	}
	if beat.QueueDepth != 1 {
		t.Fatalf("beat queue depth = %d, want 1", beat.QueueDepth)
	}
	if beat.SentAt.IsZero() {
		t.Fatal("beat missing timestamp")
	}
}

package sync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/sync"
	"github.com/mmdatafocus/pitix_terminal/utils"
	"github.com/shopspring/decimal"
)

func TestDrainDeliversQueuedOrderMutation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var pushes int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/orders/") {
			pushes++
			var req sync.OrderPushRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(sync.OrderPushResponse{
				RemoteId:      "rm-" + req.LocalId,
				RemoteVersion: req.Version,
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	order := &models.Order{
		ID:           uuid.NewString(),
		OrderNumber:  "T-100",
		Status:       models.OrderStatusCompleted,
		TotalAmount:  decimal.NewFromInt(8000),
		Version:      1,
		SyncStatus:   models.SyncStatusSynced,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
		t.Fatalf("save mutation: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	depth, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d after drain, want 0", depth)
	}
	if pushes != 1 {
		t.Fatalf("backend saw %d pushes, want 1", pushes)
	}

	reloaded, err := models.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.SyncStatus != models.SyncStatusSynced {
		t.Fatalf("sync status = %q, want synced", reloaded.SyncStatus)
	}
	if reloaded.RemoteId == nil || *reloaded.RemoteId != "rm-"+order.ID {
		t.Fatalf("remote id not recorded: %v", reloaded.RemoteId)
	}
	if reloaded.RemoteVersion != reloaded.Version {
		t.Fatalf("remote version %d should track pushed version %d", reloaded.RemoteVersion, reloaded.Version)
	}
}

func TestVersionMismatchParksItemWithSingleConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	remoteSnapshot := []byte(`{"id":"","order_number":"R-1"}`)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/orders/") {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(sync.OrderPushResponse{
				RemoteId:       "rm-1",
				RemoteVersion:  7,
				RemoteSnapshot: remoteSnapshot,
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	order := &models.Order{
		ID:           uuid.NewString(),
		Status:       models.OrderStatusCompleted,
		Version:      1,
		SyncStatus:   models.SyncStatusSynced,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
		t.Fatalf("save mutation: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	// Two passes: the second must not create a duplicate conflict or re-push
	// the parked item.
	if _, err := e.ForceSync(ctx); err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if _, err := e.ForceSync(ctx); err != nil {
		t.Fatalf("second force sync: %v", err)
	}

	conflicts, err := models.ListOpenConflicts(ctx, db)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("open conflicts = %d, want exactly 1", len(conflicts))
	}
	conflict := conflicts[0]
	if conflict.ConflictType != models.ConflictTypeVersionMismatch {
		t.Fatalf("conflict type = %q, want version_mismatch", conflict.ConflictType)
	}
	if conflict.RemoteVersion != 7 {
		t.Fatalf("remote version = %d, want 7", conflict.RemoteVersion)
	}

	reloaded, _ := models.GetOrder(ctx, db, order.ID)
	if reloaded.SyncStatus != models.SyncStatusConflict {
		t.Fatalf("order sync status = %q, want conflict", reloaded.SyncStatus)
	}

	var item models.SyncQueueItem
	if err := db.Where("entity_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("reload queue item: %v", err)
	}
	if !item.HasConflict || item.ConflictId == nil || *item.ConflictId != conflict.ID {
		t.Fatalf("queue item not parked on the conflict: %+v", item)
	}
}

func TestRetryableFailureStaysQueuedWithBackoff(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(backend.Close)

	order := &models.Order{
		ID:           uuid.NewString(),
		Status:       models.OrderStatusCompleted,
		Version:      1,
		SyncStatus:   models.SyncStatusSynced,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
		t.Fatalf("save mutation: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	depth, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 (no dead-lettering)", depth)
	}

	var item models.SyncQueueItem
	if err := db.Where("entity_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("reload queue item: %v", err)
	}
	if item.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", item.AttemptCount)
	}
	if !item.NextRetryAt.After(time.Now().UTC()) {
		t.Fatal("failed item must be backed off into the future")
	}
	if item.ErrorMessage == nil || !strings.Contains(*item.ErrorMessage, "502") {
		t.Fatalf("error message should carry the status: %v", item.ErrorMessage)
	}
}

func TestAuthFailurePausesCycleWithoutDataLoss(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var requests int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(backend.Close)

	for i := 0; i < 3; i++ {
		order := &models.Order{
			ID:           uuid.NewString(),
			Status:       models.OrderStatusCompleted,
			Version:      1,
			BusinessDate: utils.StartOfBusinessDay(time.Now()),
		}
		if err := db.Create(order).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
		if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
			t.Fatalf("save mutation: %v", err)
		}
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	depth, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if depth != 3 {
		t.Fatalf("queue depth = %d, want all 3 items kept", depth)
	}
	if requests != 1 {
		t.Fatalf("backend saw %d requests; an auth failure must pause the rest of the cycle", requests)
	}

	// No destructive side effect: every order row survives.
	var orders int64
	db.Model(&models.Order{}).Count(&orders)
	if orders != 3 {
		t.Fatalf("order rows = %d after auth failure, want 3", orders)
	}
}

func TestDrainRequeuesOrphanedRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/orders/"):
			_ = json.NewEncoder(w).Encode(sync.OrderPushResponse{RemoteId: "rm-o", RemoteVersion: 1})
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/ledger/"):
			_ = json.NewEncoder(w).Encode(sync.LedgerPushResponse{RemoteId: "rm-l"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(backend.Close)

	// Torn writes: rows exist, queue does not know about them.
	order := &models.Order{
		ID:           uuid.NewString(),
		Status:       models.OrderStatusCompleted,
		Version:      1,
		SyncStatus:   models.SyncStatusPending,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	earning := &models.DriverEarning{
		ID:           uuid.NewString(),
		DriverId:     "drv-1",
		Amount:       decimal.NewFromInt(2500),
		SyncStatus:   models.SyncStatusPending,
		EarnedAt:     time.Now(),
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(earning).Error; err != nil {
		t.Fatalf("seed earning: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	depth, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0 after orphan requeue and drain", depth)
	}

	reloadedOrder, _ := models.GetOrder(ctx, db, order.ID)
	if reloadedOrder.RemoteId == nil {
		t.Fatal("orphaned order was never delivered")
	}
	var reloadedEarning models.DriverEarning
	if err := db.Where("id = ?", earning.ID).First(&reloadedEarning).Error; err != nil {
		t.Fatalf("reload earning: %v", err)
	}
	if reloadedEarning.RemoteId == nil || reloadedEarning.SyncStatus != models.SyncStatusSynced {
		t.Fatal("orphaned financial record was never delivered")
	}
}

func TestConcurrentForceSyncsPushEachItemOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var mu gosync.Mutex
	pushes := map[string]int{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/orders/") {
			// Hold the push open so a second unguarded drain would overlap.
			time.Sleep(300 * time.Millisecond)
			var req sync.OrderPushRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			pushes[req.LocalId]++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(sync.OrderPushResponse{
				RemoteId:      "rm-" + req.LocalId,
				RemoteVersion: req.Version,
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	order := &models.Order{
		ID:           uuid.NewString(),
		Status:       models.OrderStatusCompleted,
		Version:      1,
		SyncStatus:   models.SyncStatusSynced,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
		t.Fatalf("save mutation: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	var wg gosync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ForceSync(ctx); err != nil {
				t.Errorf("force sync: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if pushes[order.ID] != 1 {
		t.Fatalf("same queue item pushed %d times by overlapping drains, want 1", pushes[order.ID])
	}
}

func TestRetryAfterFailureHitsSameUpsertPath(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var mu gosync.Mutex
	var seen []string
	fail := true
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/orders/") {
			mu.Lock()
			seen = append(seen, r.Method+" "+r.URL.Path)
			shouldFail := fail
			fail = false
			mu.Unlock()
			if shouldFail {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			var req sync.OrderPushRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(sync.OrderPushResponse{
				RemoteId:      "rm-" + req.LocalId,
				RemoteVersion: req.Version,
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	order := &models.Order{
		ID:           uuid.NewString(),
		Status:       models.OrderStatusCompleted,
		Version:      1,
		SyncStatus:   models.SyncStatusSynced,
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := models.SaveLocalOrderMutation(ctx, db, order, models.OperationUpdate); err != nil {
		t.Fatalf("save mutation: %v", err)
	}

	e := newTestEngine(t, db, testTerminal(backend.URL))
	if depth, err := e.ForceSync(ctx); err != nil || depth != 1 {
		t.Fatalf("first drain: depth=%d err=%v, want the failed item kept", depth, err)
	}
	// Clear the backoff the way an operator retry does, then drain again.
	if reset, err := e.ForceSyncRetry(ctx, order.ID); err != nil || reset != 1 {
		t.Fatalf("retry reset: %d, %v", reset, err)
	}
	if depth, err := e.ForceSync(ctx); err != nil || depth != 0 {
		t.Fatalf("second drain: depth=%d err=%v, want delivered", depth, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("backend saw %d order requests, want 2", len(seen))
	}
	if seen[0] != seen[1] {
		t.Fatalf("retry must replay the identical upsert: first %q, retry %q", seen[0], seen[1])
	}
	want := "PUT /api/terminals/term-1/orders/" + order.ID
	if seen[0] != want {
		t.Fatalf("upsert path = %q, want %q", seen[0], want)
	}

	reloaded, _ := models.GetOrder(ctx, db, order.ID)
	if reloaded.RemoteId == nil || *reloaded.RemoteId != "rm-"+order.ID {
		t.Fatalf("order should end with exactly the one remote id, got %v", reloaded.RemoteId)
	}
}

func TestUnpairedTerminalSkipsDrain(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg := testTerminal("")
	cfg.BackendURL = ""
	cfg.APIKey = ""
	e := newTestEngine(t, db, cfg)

	if _, err := models.EnqueueMutation(ctx, db, models.TableOrders, "ord-1", models.OperationUpdate, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := e.ForceSync(ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if depth != 1 {
		t.Fatalf("unpaired terminal must keep the queue untouched, depth = %d", depth)
	}
}

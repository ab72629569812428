package sync_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/sync"
	"github.com/mmdatafocus/pitix_terminal/utils"
)

func newControlRouter(e *sync.Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sync.RegisterControlRoutes(r, func() *sync.Engine { return e })
	sync.RegisterRelayRoutes(r, func() *sync.Engine { return e })
	return r
}

func TestControlRoutesAnswer503UntilEngineReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sync.RegisterControlRoutes(r, func() *sync.Engine { return nil })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before engine ready = %d, want 503", w.Code)
	}
}

func TestStatusEndpointReturnsAggregateState(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(t, db, testTerminal("http://backend.invalid"))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"terminalId":"term-1"`) {
		t.Fatalf("status body missing terminal id: %s", w.Body.String())
	}
}

func TestFinalizeEndpointMapsPreconditionTo422(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(&models.Shift{
		ID:           uuid.NewString(),
		Status:       models.ShiftStatusOpen,
		OpenedAt:     time.Now(),
		BusinessDate: utils.StartOfBusinessDay(time.Now()),
	}).Error; err != nil {
		t.Fatalf("seed shift: %v", err)
	}

	e := newTestEngine(t, db, testTerminal("http://backend.invalid"))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/day/finalize", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("finalize with open shift = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), "shift") {
		t.Fatalf("error body should name the blocking shift: %s", w.Body.String())
	}
}

func TestResolveEndpointRejectsUnknownConflict(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(t, db, testTerminal("http://backend.invalid"))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/"+uuid.NewString()+"/resolve",
		strings.NewReader(`{"strategy":"local_wins"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("resolve unknown conflict = %d, want 404", w.Code)
	}
}

func TestSendTerminalCommandQueuesEnvelope(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(t, db, testTerminal("http://backend.invalid"))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/terminals/commands",
		strings.NewReader(`{"target_terminal_id":"term-2","command":"reprint_receipt"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send command = %d, want 202: %s", w.Code, w.Body.String())
	}

	var item models.SyncQueueItem
	if err := db.Where("entity_table = ?", models.TableTerminalCommands).First(&item).Error; err != nil {
		t.Fatalf("queued command item: %v", err)
	}
	if item.EntityId != "term-2" {
		t.Fatalf("queued command targets %q, want term-2", item.EntityId)
	}
	if !strings.Contains(string(item.PayloadJSON), `"source_terminal_id":"term-1"`) {
		t.Fatalf("envelope missing source terminal: %s", item.PayloadJSON)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/terminals/commands",
		strings.NewReader(`{"command":"reprint_receipt"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("command without target = %d, want 422", w.Code)
	}
}

func TestRelayRefusedOnSatelliteTerminal(t *testing.T) {
	db := newTestDB(t)
	cfg := testTerminal("http://backend.invalid")
	cfg.TerminalType = "satellite"
	e := newTestEngine(t, db, cfg)
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/relay/api/anything", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("relay on satellite = %d, want 403", w.Code)
	}
}

func TestRelayForwardsWithOwnCredential(t *testing.T) {
	db := newTestDB(t)

	var gotKey, gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	e := newTestEngine(t, db, testTerminal(backend.URL))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/relay/api/terminals/term-sat/settings", nil)
	// The satellite's own credential must be replaced, not forwarded.
	req.Header.Set("X-API-Key", "satellite-key")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("relay status = %d, want 200", w.Code)
	}
	if gotKey != "test-key" {
		t.Fatalf("upstream saw key %q, want the main terminal's own credential", gotKey)
	}
	if gotPath != "/api/terminals/term-sat/settings" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}

func TestRelayDayReportValidatesDate(t *testing.T) {
	db := newTestDB(t)
	e := newTestEngine(t, db, testTerminal("http://backend.invalid"))
	r := newControlRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/relay/day-report", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing date = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/relay/day-report?date="+time.Now().Format("2006-01-02"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("day report = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"terminal_id":"term-1"`) {
		t.Fatalf("day report body: %s", w.Body.String())
	}
}

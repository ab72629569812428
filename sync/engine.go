package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"time"

	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine owns the sync orchestrator, the entity adapters and the heartbeat
// and realtime channels. Everything is constructed here and passed explicit
// references; there is no service registry to look things up in.
type Engine struct {
	db     *gorm.DB
	logger *logrus.Logger
	cfg    config.Terminal
	client *Client
	router *Router

	// onShutdown is invoked for remote shutdown/restart commands and the
	// prepare-for-shutdown lifecycle signal. Set by main.
	onShutdown func(reason string)

	// drainMu serializes drain passes across every entry point (timer,
	// force sync, finalization). The redis lock only covers a second
	// process; a terminal without redis still needs this guarantee.
	drainMu gosync.Mutex

	mu      gosync.Mutex
	hbState string // idle | sending | acked | failed
}

func NewEngine(db *gorm.DB, logger *logrus.Logger, cfg config.Terminal) *Engine {
	return &Engine{
		db:      db,
		logger:  logger,
		cfg:     cfg,
		client:  NewClient(cfg),
		router:  NewRouter(cfg),
		hbState: "idle",
	}
}

func (e *Engine) SetShutdownFunc(fn func(reason string)) {
	e.onShutdown = fn
}

func (e *Engine) Router() *Router {
	return e.router
}

func (e *Engine) Config() config.Terminal {
	return e.cfg
}

// Status assembles the aggregate state exposed to the UI/command layer.
func (e *Engine) Status(ctx context.Context) (StatusResponse, error) {
	depth, err := models.QueueDepth(ctx, e.db)
	if err != nil {
		return StatusResponse{}, err
	}
	conflicts, err := models.ListOpenConflicts(ctx, e.db)
	if err != nil {
		return StatusResponse{}, err
	}
	lastErr, err := models.LastQueueError(ctx, e.db)
	if err != nil {
		return StatusResponse{}, err
	}

	resp := StatusResponse{
		TerminalId:     e.cfg.TerminalId,
		Paired:         e.cfg.Paired(),
		Disabled:       models.IsTerminalDisabled(ctx, e.db),
		QueueDepth:     depth,
		OpenConflicts:  int64(len(conflicts)),
		LastError:      lastErr,
		HeartbeatState: e.heartbeatState(),
		Routing:        e.router.Last(),
	}
	if cutover, err := models.GetBusinessDayCutover(ctx, e.db); err == nil && cutover != nil {
		s := cutover.Format(time.RFC3339)
		resp.DayCutover = &s
	}
	return resp, nil
}

func (e *Engine) heartbeatState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hbState
}

func (e *Engine) setHeartbeatState(state string) {
	e.mu.Lock()
	e.hbState = state
	e.mu.Unlock()
}

// RefreshSettings fetches the settings/menu snapshot and caches it locally
// (store row plus redis when available).
func (e *Engine) RefreshSettings(ctx context.Context) error {
	if !e.cfg.Paired() {
		return nil
	}
	base := e.router.BaseURL(e.router.Decide(ctx))
	raw, outcome, err := e.client.FetchSettings(ctx, base)
	if outcome != OutcomeSuccess {
		return err
	}
	if err := models.SetSetting(ctx, e.db, models.SettingKeySettingsSnapshot, string(raw)); err != nil {
		return err
	}
	_ = config.SetRedisObject("terminal:settings:"+e.cfg.TerminalId, json.RawMessage(raw), time.Hour)
	return nil
}

// RefreshMenu fetches and caches the menu snapshot, same shape as settings.
func (e *Engine) RefreshMenu(ctx context.Context) error {
	if !e.cfg.Paired() {
		return nil
	}
	base := e.router.BaseURL(e.router.Decide(ctx))
	raw, outcome, err := e.client.FetchMenu(ctx, base)
	if outcome != OutcomeSuccess {
		return err
	}
	if err := models.SetSetting(ctx, e.db, models.SettingKeyMenuSnapshot, string(raw)); err != nil {
		return err
	}
	_ = config.SetRedisObject("terminal:menu:"+e.cfg.TerminalId, json.RawMessage(raw), time.Hour)
	return nil
}

// CachedSettings serves the last fetched settings snapshot, redis first with
// the store row as fallback. Empty when the terminal has never synced.
func (e *Engine) CachedSettings(ctx context.Context) (json.RawMessage, error) {
	var cached json.RawMessage
	if ok, err := config.GetRedisObject("terminal:settings:"+e.cfg.TerminalId, &cached); err == nil && ok {
		return cached, nil
	}
	value, err := models.GetSetting(ctx, e.db, models.SettingKeySettingsSnapshot)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// FactoryReset wipes all locally persisted state. Safe to run twice: wiping
// an empty store is a no-op, which is what makes the remote command
// idempotent under duplicated delivery.
func (e *Engine) FactoryReset(ctx context.Context) error {
	tables := []string{
		"sync_queue_items",
		"order_conflicts",
		"orders",
		"driver_earnings",
		"staff_payments",
		"shift_expenses",
		"shifts",
		"drawer_sessions",
		"operator_sessions",
		"terminal_settings",
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = config.RemoveRedisKey("terminal:settings:"+e.cfg.TerminalId, "terminal:menu:"+e.cfg.TerminalId)
	e.logger.WithFields(logrus.Fields{
		"field":       "FactoryReset",
		"terminal_id": e.cfg.TerminalId,
	}).Warn("local state wiped by factory reset command")
	return nil
}

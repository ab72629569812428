package sync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Routing modes. Computed per decision window, never persisted as
// authoritative state.
const (
	RoutingModeMain    = "main"
	RoutingModeParent  = "via_parent"
	RoutingModeDirect  = "direct_to_backend"
	RoutingModeOffline = "offline"
)

// RoutingState is re-derived from current connectivity plus configuration.
type RoutingState struct {
	TerminalType     string `json:"terminal_type"`
	ParentTerminalId string `json:"parent_terminal_id,omitempty"`
	ParentReachable  bool   `json:"parent_reachable"`
	RoutingMode      string `json:"routing_mode"`
}

// OrderPushRequest is the upsert-by-local-id body for order mutations.
type OrderPushRequest struct {
	TerminalId      string          `json:"terminal_id"`
	LocalId         string          `json:"local_id"`
	Version         int             `json:"version"`
	ExpectedVersion int             `json:"expected_remote_version"`
	Snapshot        json.RawMessage `json:"snapshot"`
}

type OrderPushResponse struct {
	RemoteId       string          `json:"remote_id"`
	RemoteVersion  int             `json:"remote_version"`
	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty"`
}

// LedgerPushRequest carries one mapped financial record.
type LedgerPushRequest struct {
	TerminalId string          `json:"terminal_id"`
	LocalId    string          `json:"local_id"`
	Kind       string          `json:"kind"`
	Record     json.RawMessage `json:"record"`
}

type LedgerPushResponse struct {
	RemoteId string `json:"remote_id"`
}

// TerminalCommandEnvelope routes an inter-terminal control message through
// the backend to its target terminal.
type TerminalCommandEnvelope struct {
	SourceTerminalId string          `json:"source_terminal_id"`
	TargetTerminalId string          `json:"target_terminal_id"`
	Command          string          `json:"command"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// HeartbeatStatus is the periodic outbound status report.
type HeartbeatStatus struct {
	TerminalId         string     `json:"terminal_id"`
	TerminalType       string     `json:"terminal_type"`
	RoutingMode        string     `json:"routing_mode"`
	QueueDepth         int64      `json:"queue_depth"`
	LedgerSyncFailures int64      `json:"ledger_sync_failures"`
	OpenConflicts      int64      `json:"open_conflicts"`
	CPUPercent         float64    `json:"cpu_percent"`
	MemoryUsedPercent  float64    `json:"memory_used_percent"`
	LastOrderAt        *time.Time `json:"last_order_at,omitempty"`
	Disabled           bool       `json:"disabled"`
	SentAt             time.Time  `json:"sent_at"`
}

// RemoteCommand is an administrative command carried on a heartbeat response
// or the realtime feed. Commands are idempotent by design: network retries
// can duplicate delivery.
type RemoteCommand struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Confirm string          `json:"confirm,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	CommandShutdown     = "shutdown"
	CommandRestart      = "restart"
	CommandEnable       = "enable"
	CommandDisable      = "disable"
	CommandFactoryReset = "factory_reset"
)

// PendingOperation is a backend-requested local update delivered outside the
// realtime feed.
type PendingOperation struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type HeartbeatResponse struct {
	Commands          []RemoteCommand    `json:"commands,omitempty"`
	PendingOperations []PendingOperation `json:"pending_operations,omitempty"`
}

// FeedMessage is one frame on the realtime change feed.
type FeedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	FeedOrderUpsert     = "order_upsert"
	FeedSettingsUpdated = "settings_updated"
	FeedMenuUpdated     = "menu_updated"
	FeedTerminalCommand = "terminal_command"
)

// RemoteOrderEvent is the payload of an order_upsert feed frame.
type RemoteOrderEvent struct {
	RemoteVersion int             `json:"remote_version"`
	BusinessDate  string          `json:"business_date"`
	Snapshot      json.RawMessage `json:"snapshot"`
}

// DayReport is the end-of-day snapshot submitted to the backend. A main
// terminal merges its satellites' same-day reports before submitting.
type DayReport struct {
	TerminalId          string          `json:"terminal_id"`
	BusinessDate        string          `json:"business_date"`
	OrdersCount         int64           `json:"orders_count"`
	OrdersTotal         decimal.Decimal `json:"orders_total"`
	DriverEarningsTotal decimal.Decimal `json:"driver_earnings_total"`
	StaffPaymentsTotal  decimal.Decimal `json:"staff_payments_total"`
	ShiftExpensesTotal  decimal.Decimal `json:"shift_expenses_total"`
	ClosedShifts        int64           `json:"closed_shifts"`
	Terminals           []string        `json:"terminals"`
	ClosedBy            string          `json:"closed_by,omitempty"`
	GeneratedAt         time.Time       `json:"generated_at"`
}

// DayTotals is the backend's view used by the optional integrity check.
type DayTotals struct {
	OrdersCount int64           `json:"orders_count"`
	OrdersTotal decimal.Decimal `json:"orders_total"`
}

// Control API response shapes.

type StatusResponse struct {
	TerminalId     string       `json:"terminalId"`
	Paired         bool         `json:"paired"`
	Disabled       bool         `json:"disabled"`
	QueueDepth     int64        `json:"queueDepth"`
	OpenConflicts  int64        `json:"openConflicts"`
	LastError      string       `json:"lastError,omitempty"`
	HeartbeatState string       `json:"heartbeatState"`
	Routing        RoutingState `json:"routing"`
	DayCutover     *string      `json:"dayCutover,omitempty"`
}

type ResolveConflictRequest struct {
	Strategy   string          `json:"strategy" binding:"required"`
	MergedData json.RawMessage `json:"mergedData,omitempty"`
	ResolvedBy string          `json:"resolvedBy"`
}

type FinalizeRequest struct {
	RunIntegrityCheck bool   `json:"runIntegrityCheck"`
	Operator          string `json:"operator"`
}

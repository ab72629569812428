package models

// Entity tables carried through the sync queue. Order mutations settle first
// within a drain pass because they affect customer-visible state.
const (
	TableOrders           = "orders"
	TableDriverEarnings   = "driver_earnings"
	TableStaffPayments    = "staff_payments"
	TableShiftExpenses    = "shift_expenses"
	TableTerminalCommands = "terminal_commands"
)

const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
)

const (
	OrderStatusOpen      = "open"
	OrderStatusCompleted = "completed"
	OrderStatusVoided    = "voided"
)

const (
	ConflictTypeVersionMismatch     = "version_mismatch"
	ConflictTypeSimultaneousUpdate  = "simultaneous_update"
	ConflictTypePendingLocalChanges = "pending_local_changes"
)

const (
	ResolutionLocalWins   = "local_wins"
	ResolutionRemoteWins  = "remote_wins"
	ResolutionManualMerge = "manual_merge"
	ResolutionForceUpdate = "force_update"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	DrawerStatusOpen   = "open"
	DrawerStatusClosed = "closed"
)

package models

import (
	"context"

	"github.com/mmdatafocus/pitix_terminal/config"
	"gorm.io/gorm"
)

// Migrate runs AutoMigrate for all engine tables against an explicit DB.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SyncQueueItem{},
		&OrderConflict{},
		&Order{},
		&DriverEarning{},
		&StaffPayment{},
		&ShiftExpense{},
		&Shift{},
		&DrawerSession{},
		&OperatorSession{},
		&TerminalSetting{},
	)
}

// MigrateTable migrates the global DB on startup.
func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		config.GetLogger().Error("auto migrate failed: " + err.Error())
	}
}

// NormalizeLegacySyncStatuses is a one-time startup migration, kept separate
// from the steady-state sync engine: older builds wrote the literal "error"
// into sync_status, which the current engine never emits. Rows are moved to
// "pending" so they re-enter the queue path instead of being stranded.
func NormalizeLegacySyncStatuses(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	tables := append(LedgerTables(), TableOrders)
	for _, table := range tables {
		res := db.WithContext(ctx).
			Table(table).
			Where("sync_status NOT IN ?", []string{SyncStatusPending, SyncStatusSynced, SyncStatusConflict}).
			Update("sync_status", SyncStatusPending)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

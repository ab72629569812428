package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Financial ledger rows. Each kind has its own backend schema but shares one
// sync mechanism: an idempotent upsert keyed by the local id, so a retried
// push after a timeout can never double-count money.

type DriverEarning struct {
	ID           string          `gorm:"primary_key;size:36" json:"id"`
	DriverId     string          `gorm:"index;size:64;not null" json:"driver_id"`
	OrderId      *string         `gorm:"index;size:36" json:"order_id"`
	ShiftId      *string         `gorm:"index;size:36" json:"shift_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description  string          `gorm:"size:255" json:"description"`
	RemoteId     *string         `gorm:"size:64" json:"remote_id"`
	SyncStatus   string          `gorm:"index;size:20;not null;default:pending" json:"sync_status"`
	EarnedAt     time.Time       `gorm:"not null" json:"earned_at"`
	BusinessDate time.Time       `gorm:"index;not null" json:"business_date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type StaffPayment struct {
	ID           string          `gorm:"primary_key;size:36" json:"id"`
	StaffId      string          `gorm:"index;size:64;not null" json:"staff_id"`
	ShiftId      *string         `gorm:"index;size:36" json:"shift_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	PaymentType  string          `gorm:"size:30" json:"payment_type"`
	Notes        string          `gorm:"size:255" json:"notes"`
	RemoteId     *string         `gorm:"size:64" json:"remote_id"`
	SyncStatus   string          `gorm:"index;size:20;not null;default:pending" json:"sync_status"`
	PaidAt       time.Time       `gorm:"not null" json:"paid_at"`
	BusinessDate time.Time       `gorm:"index;not null" json:"business_date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ShiftExpense struct {
	ID           string          `gorm:"primary_key;size:36" json:"id"`
	ShiftId      *string         `gorm:"index;size:36" json:"shift_id"`
	Category     string          `gorm:"size:50" json:"category"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Notes        string          `gorm:"size:255" json:"notes"`
	RemoteId     *string         `gorm:"size:64" json:"remote_id"`
	SyncStatus   string          `gorm:"index;size:20;not null;default:pending" json:"sync_status"`
	SpentAt      time.Time       `gorm:"not null" json:"spent_at"`
	BusinessDate time.Time       `gorm:"index;not null" json:"business_date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrphanRecord is a ledger row lacking both a remote id and a pending queue
// entry: evidence of a crash between "write row" and "enqueue mutation".
type OrphanRecord struct {
	EntityTable string
	EntityId    string
}

var ledgerTables = []string{TableDriverEarnings, TableStaffPayments, TableShiftExpenses}

func LedgerTables() []string {
	return append([]string(nil), ledgerTables...)
}

// FindOrphanedFinancialRecords scans all ledger kinds for torn writes.
func FindOrphanedFinancialRecords(ctx context.Context, db *gorm.DB) ([]OrphanRecord, error) {
	var orphans []OrphanRecord
	for _, table := range ledgerTables {
		var ids []string
		err := db.WithContext(ctx).
			Table(table).
			Select("id").
			Where("(remote_id IS NULL OR remote_id = '')").
			Where("id NOT IN (?)", db.Model(&SyncQueueItem{}).
				Select("entity_id").
				Where("entity_table = ?", table)).
			Scan(&ids).Error
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			orphans = append(orphans, OrphanRecord{EntityTable: table, EntityId: id})
		}
	}
	return orphans, nil
}

// CountUnsyncedFinancialRecords is the finalization gate: unsynced money at
// day close is a hard stop, not a warning.
func CountUnsyncedFinancialRecords(ctx context.Context, db *gorm.DB, businessDate time.Time) (int64, error) {
	var total int64
	for _, table := range ledgerTables {
		var n int64
		err := db.WithContext(ctx).
			Table(table).
			Where("business_date <= ?", businessDate).
			Where("sync_status <> ?", SyncStatusSynced).
			Count(&n).Error
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func MarkLedgerRowSynced(ctx context.Context, db *gorm.DB, entityTable string, id string, remoteId string) error {
	return db.WithContext(ctx).
		Table(entityTable).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_status": SyncStatusSynced,
			"remote_id":   remoteId,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// SumLedgerForDay totals one ledger table for the day report.
func SumLedgerForDay(ctx context.Context, db *gorm.DB, entityTable string, businessDate time.Time) (decimal.Decimal, error) {
	var raw *string
	err := db.WithContext(ctx).
		Table(entityTable).
		Select("CAST(SUM(amount) AS TEXT)").
		Where("business_date = ?", businessDate).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil || *raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}

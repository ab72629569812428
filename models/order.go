package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is the locally persisted order row. version increments on every local
// mutation; the backend only accepts a push whose version is contiguous with
// its last known version for the order.
type Order struct {
	ID            string          `gorm:"primary_key;size:36" json:"id"`
	OrderNumber   string          `gorm:"size:64" json:"order_number"`
	Status        string          `gorm:"size:20;not null" json:"status"`
	TableNumber   string          `gorm:"size:20" json:"table_number"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Version       int             `gorm:"default:1" json:"version"`
	SyncStatus    string          `gorm:"index;size:20;not null;default:pending" json:"sync_status"`
	RemoteId      *string         `gorm:"size:64" json:"remote_id"`
	RemoteVersion int             `gorm:"default:0" json:"remote_version"`
	UpdatedBy     string          `gorm:"size:100" json:"updated_by"`
	LastSyncedAt  *time.Time      `json:"last_synced_at"`
	ShiftId       *string         `gorm:"index;size:36" json:"shift_id"`
	BusinessDate  time.Time       `gorm:"index;not null" json:"business_date"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetOrder(ctx context.Context, db *gorm.DB, id string) (*Order, error) {
	var order Order
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// SaveLocalOrderMutation persists a local edit, bumps the version and enqueues
// the mutation in one transaction, so queue and row cannot diverge on the
// happy path. (A crash between two separate writes is what the orphan scan
// recovers from; callers that cannot use this helper get that safety net.)
func SaveLocalOrderMutation(ctx context.Context, db *gorm.DB, order *Order, operation string) (string, error) {
	var queueId string
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order.Version++
		order.SyncStatus = SyncStatusPending
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		id, err := EnqueueMutation(ctx, tx, TableOrders, order.ID, operation, order)
		if err != nil {
			return err
		}
		queueId = id
		return nil
	})
	return queueId, err
}

// MarkOrderSynced stores the backend-assigned id and acknowledged version.
// The remote id is the idempotency anchor for every future retry.
func MarkOrderSynced(ctx context.Context, db *gorm.DB, id string, remoteId string, remoteVersion int) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_status":    SyncStatusSynced,
			"remote_id":      &remoteId,
			"remote_version": remoteVersion,
			"last_synced_at": &now,
		}).Error
}

func MarkOrderConflicted(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", id).
		Update("sync_status", SyncStatusConflict).Error
}

// ApplyRemoteOrderSnapshot overwrites the local row with the remote copy and
// marks it synced. Used by remote_wins resolution and realtime ingestion.
func ApplyRemoteOrderSnapshot(ctx context.Context, db *gorm.DB, snapshot []byte, remoteVersion int) (*Order, error) {
	var order Order
	if err := json.Unmarshal(snapshot, &order); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	order.SyncStatus = SyncStatusSynced
	order.RemoteVersion = remoteVersion
	order.Version = remoteVersion
	order.LastSyncedAt = &now
	if err := db.WithContext(ctx).Save(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOrphanedOrders returns orders with no remote id and no pending queue
// entry. Evidence of a torn write between the order save and the enqueue.
func FindOrphanedOrders(ctx context.Context, db *gorm.DB) ([]Order, error) {
	var orders []Order
	err := db.WithContext(ctx).
		Where("(remote_id IS NULL OR remote_id = '')").
		Where("sync_status <> ?", SyncStatusConflict).
		Where("id NOT IN (?)", db.Model(&SyncQueueItem{}).
			Select("entity_id").
			Where("entity_table = ?", TableOrders)).
		Find(&orders).Error
	return orders, err
}

// CountUnsyncedFinalizedOrders counts completed/voided orders for the day that
// the backend has not acknowledged. Must be zero before day close.
// CountUnsyncedFinalizedOrders gates end-of-day cleanup. The predicate covers
// everything the cleanup will delete, prior days included, not just today.
func CountUnsyncedFinalizedOrders(ctx context.Context, db *gorm.DB, businessDate time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Order{}).
		Where("business_date <= ?", businessDate).
		Where("status IN ?", []string{OrderStatusCompleted, OrderStatusVoided}).
		Where("sync_status <> ?", SyncStatusSynced).
		Count(&n).Error
	return n, err
}

func LastOrderTimestamp(ctx context.Context, db *gorm.DB) *time.Time {
	var order Order
	if err := db.WithContext(ctx).Order("updated_at DESC").First(&order).Error; err != nil {
		return nil
	}
	return &order.UpdatedAt
}

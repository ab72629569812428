package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderConflict records a detected divergence between the local and remote
// copies of an order. The row lives until an operator or automated policy
// picks a resolution strategy.
type OrderConflict struct {
	ID                 string     `gorm:"primary_key;size:36" json:"id"`
	OrderId            string     `gorm:"index;size:36;not null" json:"order_id"`
	LocalVersion       int        `json:"local_version"`
	RemoteVersion      int        `json:"remote_version"`
	LocalSnapshot      []byte     `gorm:"type:json" json:"local_snapshot"`
	RemoteSnapshot     []byte     `gorm:"type:json" json:"remote_snapshot"`
	ConflictType       string     `gorm:"size:30;not null" json:"conflict_type"`
	ResolutionStrategy *string    `gorm:"size:20" json:"resolution_strategy"`
	Resolved           bool       `gorm:"index;default:false" json:"resolved"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	ResolvedBy         string     `gorm:"size:100" json:"resolved_by"`
	TerminalId         string     `gorm:"size:64" json:"terminal_id"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func CreateOrderConflict(ctx context.Context, db *gorm.DB, conflict *OrderConflict) (*OrderConflict, error) {
	if conflict.ID == "" {
		conflict.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Create(conflict).Error; err != nil {
		return nil, err
	}
	return conflict, nil
}

func GetOrderConflict(ctx context.Context, db *gorm.DB, id string) (*OrderConflict, error) {
	var conflict OrderConflict
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&conflict).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conflict, nil
}

// FindOpenConflictForOrder avoids stacking duplicate conflict rows when the
// same parked item is pushed again.
func FindOpenConflictForOrder(ctx context.Context, db *gorm.DB, orderId string) (*OrderConflict, error) {
	var conflict OrderConflict
	err := db.WithContext(ctx).
		Where("order_id = ? AND resolved = ?", orderId, false).
		Order("created_at DESC").
		First(&conflict).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conflict, nil
}

func ListOpenConflicts(ctx context.Context, db *gorm.DB) ([]OrderConflict, error) {
	var conflicts []OrderConflict
	err := db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at ASC").
		Find(&conflicts).Error
	return conflicts, err
}

func MarkConflictResolved(ctx context.Context, db *gorm.DB, id string, strategy string, resolvedBy string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&OrderConflict{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":            true,
			"resolution_strategy": &strategy,
			"resolved_at":         &now,
			"resolved_by":         resolvedBy,
		}).Error
}

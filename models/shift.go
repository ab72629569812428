package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Shift struct {
	ID           string     `gorm:"primary_key;size:36" json:"id"`
	OperatorId   int        `gorm:"index" json:"operator_id"`
	OperatorName string     `gorm:"size:100" json:"operator_name"`
	Status       string     `gorm:"index;size:20;not null" json:"status"`
	OpenedAt     time.Time  `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	BusinessDate time.Time  `gorm:"index;not null" json:"business_date"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type DrawerSession struct {
	ID           string          `gorm:"primary_key;size:36" json:"id"`
	ShiftId      string          `gorm:"index;size:36;not null" json:"shift_id"`
	Status       string          `gorm:"index;size:20;not null" json:"status"`
	OpeningFloat decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_float"`
	ClosingTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_total"`
	OpenedAt     time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at"`
	BusinessDate time.Time       `gorm:"index;not null" json:"business_date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// OperatorSession is the logged-in operator on this terminal. Finalization
// ends it as its last step.
type OperatorSession struct {
	ID           string     `gorm:"primary_key;size:36" json:"id"`
	OperatorId   int        `gorm:"index" json:"operator_id"`
	OperatorName string     `gorm:"size:100" json:"operator_name"`
	StartedAt    time.Time  `gorm:"not null" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
}

func CountOpenShifts(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Shift{}).
		Where("status = ?", ShiftStatusOpen).
		Count(&n).Error
	return n, err
}

func CountOpenDrawerSessions(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&DrawerSession{}).
		Where("status = ?", DrawerStatusOpen).
		Count(&n).Error
	return n, err
}

// EndOperatorSessions closes any active operator session.
func EndOperatorSessions(ctx context.Context, db *gorm.DB) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&OperatorSession{}).
		Where("ended_at IS NULL").
		Update("ended_at", &now).Error
}

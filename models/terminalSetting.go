package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/pitix_terminal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TerminalSetting is a single-row-per-key local key/value store for engine
// state that must survive restarts but is not a business entity.
type TerminalSetting struct {
	Key       string    `gorm:"primary_key;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	SettingKeyBusinessDayCutover = "business_day_cutover"
	SettingKeyTerminalDisabled   = "terminal_disabled"
	SettingKeyMenuSnapshot       = "menu_snapshot"
	SettingKeySettingsSnapshot   = "settings_snapshot"
)

func GetSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	var setting TerminalSetting
	err := db.WithContext(ctx).Where("key = ?", key).Take(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.ErrorRecordNotFound
		}
		return "", err
	}
	return setting.Value, nil
}

func SetSetting(ctx context.Context, db *gorm.DB, key string, value string) error {
	setting := TerminalSetting{Key: key, Value: value}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&setting).Error
}

// GetBusinessDayCutover returns the last finalized day boundary, or nil when
// no finalization has run yet.
func GetBusinessDayCutover(ctx context.Context, db *gorm.DB) (*time.Time, error) {
	value, err := GetSetting(ctx, db, SettingKeyBusinessDayCutover)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil || value == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetBusinessDayCutover persists the cutover boundary. Finalization writes it
// BEFORE any destructive cleanup so realtime ingestion has a boundary to
// reject stale writes against.
func SetBusinessDayCutover(ctx context.Context, db *gorm.DB, t time.Time) error {
	return SetSetting(ctx, db, SettingKeyBusinessDayCutover, t.UTC().Format(time.RFC3339))
}

func IsTerminalDisabled(ctx context.Context, db *gorm.DB) bool {
	value, err := GetSetting(ctx, db, SettingKeyTerminalDisabled)
	if err != nil {
		return false
	}
	return value == "true"
}

func SetTerminalDisabled(ctx context.Context, db *gorm.DB, disabled bool) error {
	value := "false"
	if disabled {
		value = "true"
	}
	return SetSetting(ctx, db, SettingKeyTerminalDisabled, value)
}

package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/utils"
)

func TestGetSettingReturnsNotFoundSentinel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := models.GetSetting(ctx, db, "never-written"); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("missing key: got %v, want ErrorRecordNotFound", err)
	}

	if err := models.SetSetting(ctx, db, "greeting", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := models.GetSetting(ctx, db, "greeting")
	if err != nil || value != "hello" {
		t.Fatalf("get = %q, %v", value, err)
	}

	// Upsert by key, not a second row.
	if err := models.SetSetting(ctx, db, "greeting", "hola"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if value, _ := models.GetSetting(ctx, db, "greeting"); value != "hola" {
		t.Fatalf("overwritten value = %q, want hola", value)
	}
}

func TestBusinessDayCutoverUnsetIsNil(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cutover, err := models.GetBusinessDayCutover(ctx, db)
	if err != nil || cutover != nil {
		t.Fatalf("unset cutover = %v, %v; want nil, nil", cutover, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := models.SetBusinessDayCutover(ctx, db, now); err != nil {
		t.Fatalf("set cutover: %v", err)
	}
	cutover, err = models.GetBusinessDayCutover(ctx, db)
	if err != nil || cutover == nil || !cutover.Equal(now) {
		t.Fatalf("cutover roundtrip = %v, %v; want %s", cutover, err, now)
	}
}

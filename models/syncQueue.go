package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CurrentPayloadSchema versions the serialized mutation payload. Consumers
// reject unknown schemas instead of guessing at the shape.
const CurrentPayloadSchema = 1

// SyncQueueItem is one durable local mutation awaiting remote acceptance.
// Owned exclusively by this terminal; deleted on confirmed delivery.
type SyncQueueItem struct {
	ID                string     `gorm:"primary_key;size:36" json:"id"`
	EntityTable       string     `gorm:"index;size:50;not null" json:"entity_table"`
	EntityId          string     `gorm:"index;size:64;not null" json:"entity_id"`
	Operation         string     `gorm:"size:10;not null" json:"operation"`
	PayloadJSON       []byte     `gorm:"type:json" json:"payload"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	AttemptCount      int        `gorm:"default:0" json:"attempt_count"`
	LastAttemptAt     *time.Time `json:"last_attempt_at"`
	NextRetryAt       time.Time  `gorm:"index;not null" json:"next_retry_at"`
	RetryDelaySeconds int        `gorm:"default:0" json:"retry_delay_seconds"`
	ErrorMessage      *string    `gorm:"type:text" json:"error_message"`
	HasConflict       bool       `gorm:"index;default:false" json:"has_conflict"`
	ConflictId        *string    `gorm:"size:36" json:"conflict_id"`
	RoutingAttempt    string     `gorm:"size:24" json:"routing_attempt"`
}

// MutationPayload is the tagged envelope written into PayloadJSON.
type MutationPayload struct {
	Schema int             `json:"schema"`
	Entity string          `json:"entity"`
	Data   json.RawMessage `json:"data"`
}

func EncodeMutationPayload(entity string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(MutationPayload{
		Schema: CurrentPayloadSchema,
		Entity: entity,
		Data:   raw,
	})
}

func DecodeMutationPayload(raw []byte) (MutationPayload, error) {
	var p MutationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return MutationPayload{}, err
	}
	if p.Schema != CurrentPayloadSchema {
		return MutationPayload{}, fmt.Errorf("unsupported payload schema %d", p.Schema)
	}
	return p, nil
}

type queueRetryConfig struct {
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	rateLimitBackoff time.Duration
	rateLimitMax     time.Duration
}

func getQueueRetryConfig() queueRetryConfig {
	cfg := queueRetryConfig{
		baseBackoff:      5 * time.Second,
		maxBackoff:       10 * time.Minute,
		rateLimitBackoff: 30 * time.Second,
		rateLimitMax:     30 * time.Minute,
	}
	if v := os.Getenv("QUEUE_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_RATE_LIMIT_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.rateLimitBackoff = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// RetryBackoff computes base * 2^(attempt-1), capped. Monotone non-decreasing
// across consecutive failures of the same item.
func RetryBackoff(attempt int) time.Duration {
	cfg := getQueueRetryConfig()
	return boundedBackoff(attempt, cfg.baseBackoff, cfg.maxBackoff)
}

// RateLimitBackoff is the separate, heavier schedule used when the backend is
// throttling rather than failing.
func RateLimitBackoff(attempt int) time.Duration {
	cfg := getQueueRetryConfig()
	return boundedBackoff(attempt, cfg.rateLimitBackoff, cfg.rateLimitMax)
}

func boundedBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(base) * math.Pow(2, exp))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// EnqueueMutation appends a durable queue item for a local mutation and
// returns its id. attempt_count starts at 0 and next_retry_at at now, so the
// item is due on the next drain pass.
func EnqueueMutation(ctx context.Context, db *gorm.DB, entityTable string, entityId string, operation string, data any) (string, error) {
	payload, err := EncodeMutationPayload(entityTable, data)
	if err != nil {
		return "", err
	}
	item := SyncQueueItem{
		ID:          uuid.NewString(),
		EntityTable: entityTable,
		EntityId:    entityId,
		Operation:   operation,
		PayloadJSON: payload,
		NextRetryAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return "", err
	}
	return item.ID, nil
}

// DrainDueItems returns items due for transmission, order mutations first.
// Items parked on a conflict are excluded until the conflict is resolved.
func DrainDueItems(ctx context.Context, db *gorm.DB, maxN int) ([]SyncQueueItem, error) {
	if maxN <= 0 {
		maxN = 50
	}
	var items []SyncQueueItem
	err := db.WithContext(ctx).
		Where("next_retry_at <= ?", time.Now().UTC()).
		Where("has_conflict = ?", false).
		Order("CASE WHEN entity_table = 'orders' THEN 0 ELSE 1 END, created_at ASC").
		Limit(maxN).
		Find(&items).Error
	return items, err
}

// MarkSucceeded removes a delivered item.
func MarkSucceeded(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&SyncQueueItem{}).Error
}

// MarkFailed records a retryable failure and schedules the next attempt with
// exponential backoff. There is no dead-lettering: financial correctness
// requires eventual delivery, so items retry until cleared by an operator.
func MarkFailed(ctx context.Context, db *gorm.DB, id string, errMsg string, routingMode string) error {
	return markRetry(ctx, db, id, errMsg, routingMode, RetryBackoff)
}

// MarkRateLimited uses the throttling schedule instead of the failure one.
func MarkRateLimited(ctx context.Context, db *gorm.DB, id string, errMsg string, routingMode string) error {
	return markRetry(ctx, db, id, errMsg, routingMode, RateLimitBackoff)
}

func markRetry(ctx context.Context, db *gorm.DB, id string, errMsg string, routingMode string, backoff func(int) time.Duration) error {
	var item SyncQueueItem
	if err := db.WithContext(ctx).Select("id,attempt_count").Where("id = ?", id).First(&item).Error; err != nil {
		return err
	}
	attempts := item.AttemptCount + 1
	delay := backoff(attempts)
	now := time.Now().UTC()
	next := now.Add(delay)
	return db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count":       attempts,
			"last_attempt_at":     &now,
			"next_retry_at":       next,
			"retry_delay_seconds": int(delay.Seconds()),
			"error_message":       &errMsg,
			"routing_attempt":     routingMode,
		}).Error
}

// MarkConflicted parks an item until its conflict is resolved.
func MarkConflicted(ctx context.Context, db *gorm.DB, id string, conflictId string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"has_conflict":    true,
			"conflict_id":     &conflictId,
			"last_attempt_at": &now,
		}).Error
}

// ResetBackoffForEntity makes all pending items of one entity due immediately.
// Used by force-retry after a transient stall; conflict flags are untouched.
func ResetBackoffForEntity(ctx context.Context, db *gorm.DB, entityTable string, entityId string) (int64, error) {
	res := db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("entity_table = ? AND entity_id = ?", entityTable, entityId).
		Updates(map[string]interface{}{
			"attempt_count":       0,
			"next_retry_at":       time.Now().UTC(),
			"retry_delay_seconds": 0,
			"error_message":       nil,
		})
	return res.RowsAffected, res.Error
}

// ClearFailedItems drops items that have failed at least once. Explicit
// operator action only.
func ClearFailedItems(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Where("attempt_count > 0").Delete(&SyncQueueItem{})
	return res.RowsAffected, res.Error
}

// ClearAllItems drops the whole queue. Explicit operator action only.
func ClearAllItems(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Where("1 = 1").Delete(&SyncQueueItem{})
	return res.RowsAffected, res.Error
}

// QueueDepth is exposed as a gauge on heartbeat and status reports.
func QueueDepth(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&SyncQueueItem{}).Count(&n).Error
	return n, err
}

func CountPendingForTable(ctx context.Context, db *gorm.DB, entityTable string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("entity_table = ?", entityTable).
		Count(&n).Error
	return n, err
}

// CountFailedForTables aggregates items with at least one failed attempt, for
// the heartbeat's ledger failure counters.
func CountFailedForTables(ctx context.Context, db *gorm.DB, entityTables ...string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("entity_table IN ? AND attempt_count > 0", entityTables).
		Count(&n).Error
	return n, err
}

// HasPendingEntry reports whether an entity already has a queue item.
func HasPendingEntry(ctx context.Context, db *gorm.DB, entityTable string, entityId string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("entity_table = ? AND entity_id = ?", entityTable, entityId).
		Count(&n).Error
	return n > 0, err
}

// LastQueueError returns the most recent recorded error, for status reports.
func LastQueueError(ctx context.Context, db *gorm.DB) (string, error) {
	var item SyncQueueItem
	err := db.WithContext(ctx).
		Where("error_message IS NOT NULL").
		Order("last_attempt_at DESC").
		First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	if item.ErrorMessage == nil {
		return "", nil
	}
	return *item.ErrorMessage, nil
}

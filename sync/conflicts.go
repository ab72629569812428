package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/sirupsen/logrus"
)

var ErrConflictNotFound = errors.New("conflict not found")

// ResolveConflict applies an explicit resolution strategy. Every strategy
// ends the same way: the order re-enters the normal queue with
// sync_status=pending and the conflict row is marked resolved.
func (e *Engine) ResolveConflict(ctx context.Context, conflictId string, strategy string, mergedData json.RawMessage, resolvedBy string) error {
	conflict, err := models.GetOrderConflict(ctx, e.db, conflictId)
	if err != nil {
		return err
	}
	if conflict == nil {
		return ErrConflictNotFound
	}
	if conflict.Resolved {
		// Resolving twice is a no-op, not an error.
		return nil
	}

	order, err := models.GetOrder(ctx, e.db, conflict.OrderId)
	if err != nil {
		return err
	}
	if order == nil {
		return validationErrorf("order %s for conflict %s no longer exists", conflict.OrderId, conflictId)
	}

	switch strategy {
	case models.ResolutionLocalWins, models.ResolutionForceUpdate:
		// Re-apply the local snapshot as an authoritative overwrite, bumping
		// the version past the remote's so the next push is contiguous.
		if conflict.RemoteVersion >= order.Version {
			order.Version = conflict.RemoteVersion
		}
		order.RemoteVersion = conflict.RemoteVersion
	case models.ResolutionRemoteWins:
		restored, err := models.ApplyRemoteOrderSnapshot(ctx, e.db, conflict.RemoteSnapshot, conflict.RemoteVersion)
		if err != nil {
			return err
		}
		order = restored
	case models.ResolutionManualMerge:
		if len(mergedData) == 0 {
			return validationErrorf("manual_merge requires merged order data")
		}
		if err := json.Unmarshal(mergedData, order); err != nil {
			return validationErrorf("merged order data is malformed: %v", err)
		}
		// Merged data must correct the conflicted order, not save a new row
		// under a different (or blank) id.
		if order.ID != conflict.OrderId {
			return validationErrorf("merged order data targets order %q, expected %s", order.ID, conflict.OrderId)
		}
		if conflict.RemoteVersion >= order.Version {
			order.Version = conflict.RemoteVersion
		}
		order.RemoteVersion = conflict.RemoteVersion
	default:
		return validationErrorf("unknown resolution strategy %q", strategy)
	}

	if strategy != models.ResolutionRemoteWins {
		// SaveLocalOrderMutation bumps version and re-enqueues in one
		// transaction, putting the corrective write on the normal path.
		if _, err := models.SaveLocalOrderMutation(ctx, e.db, order, models.OperationUpdate); err != nil {
			return err
		}
	}

	// Unpark any queue items that were held on this conflict. remote_wins
	// discards them outright: the local changes lost.
	if strategy == models.ResolutionRemoteWins {
		if err := e.db.WithContext(ctx).
			Where("entity_table = ? AND entity_id = ? AND has_conflict = ?", models.TableOrders, conflict.OrderId, true).
			Delete(&models.SyncQueueItem{}).Error; err != nil {
			return err
		}
	} else {
		if err := e.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
			Where("entity_table = ? AND entity_id = ? AND has_conflict = ?", models.TableOrders, conflict.OrderId, true).
			Updates(map[string]interface{}{
				"has_conflict": false,
				"conflict_id":  nil,
			}).Error; err != nil {
			return err
		}
	}

	if err := models.MarkConflictResolved(ctx, e.db, conflictId, strategy, resolvedBy); err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"field":       "ConflictResolver",
		"conflict_id": conflictId,
		"order_id":    conflict.OrderId,
		"strategy":    strategy,
		"resolved_by": resolvedBy,
	}).Info("order conflict resolved")
	return nil
}

// ForceSyncRetry resets backoff state for one order without touching conflict
// status. Used when a transient network failure, not a real conflict, stalled
// the order.
func (e *Engine) ForceSyncRetry(ctx context.Context, orderId string) (int64, error) {
	return models.ResetBackoffForEntity(ctx, e.db, models.TableOrders, orderId)
}

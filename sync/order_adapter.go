package sync

import (
	"context"
	"encoding/json"

	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/sirupsen/logrus"
)

// syncOrderItem pushes one queued order mutation. Insert/update is an upsert
// by the order's stable local id carrying the locally tracked version; the
// backend accepts it only when that version is contiguous with its own. A
// version gap becomes an OrderConflict row, never a silent overwrite.
func (e *Engine) syncOrderItem(ctx context.Context, base string, item models.SyncQueueItem) (Outcome, error) {
	if item.Operation == models.OperationDelete {
		return e.client.DeleteOrder(ctx, base, item.EntityId)
	}

	payload, err := models.DecodeMutationPayload(item.PayloadJSON)
	if err != nil {
		return OutcomeFatal, err
	}

	order, err := models.GetOrder(ctx, e.db, item.EntityId)
	if err != nil {
		return OutcomeFatal, err
	}
	if order == nil {
		// Row deleted locally after the mutation was queued; nothing to push.
		return OutcomeSuccess, nil
	}

	resp, outcome, err := e.client.PushOrder(ctx, base, OrderPushRequest{
		TerminalId:      e.cfg.TerminalId,
		LocalId:         order.ID,
		Version:         order.Version,
		ExpectedVersion: order.RemoteVersion,
		Snapshot:        payload.Data,
	})
	switch outcome {
	case OutcomeSuccess:
		// The backend-assigned remote id anchors idempotency for every
		// future retry of this order.
		if err := models.MarkOrderSynced(ctx, e.db, order.ID, resp.RemoteId, resp.RemoteVersion); err != nil {
			return OutcomeRetryable, err
		}
		return OutcomeSuccess, nil
	case OutcomeConflict:
		return e.recordOrderConflict(ctx, item, order, resp)
	default:
		return outcome, err
	}
}

// recordOrderConflict writes the conflict row (once per open conflict), marks
// the order and parks the queue item so normal retry stops.
func (e *Engine) recordOrderConflict(ctx context.Context, item models.SyncQueueItem, order *models.Order, resp OrderPushResponse) (Outcome, error) {
	existing, err := models.FindOpenConflictForOrder(ctx, e.db, order.ID)
	if err != nil {
		return OutcomeRetryable, err
	}

	conflictId := ""
	if existing != nil {
		conflictId = existing.ID
	} else {
		localSnapshot, _ := json.Marshal(order)
		conflictType := models.ConflictTypeVersionMismatch
		if resp.RemoteVersion == order.Version {
			conflictType = models.ConflictTypeSimultaneousUpdate
		}
		conflict, err := models.CreateOrderConflict(ctx, e.db, &models.OrderConflict{
			OrderId:        order.ID,
			LocalVersion:   order.Version,
			RemoteVersion:  resp.RemoteVersion,
			LocalSnapshot:  localSnapshot,
			RemoteSnapshot: resp.RemoteSnapshot,
			ConflictType:   conflictType,
			TerminalId:     e.cfg.TerminalId,
		})
		if err != nil {
			return OutcomeRetryable, err
		}
		conflictId = conflict.ID
	}

	if err := models.MarkConflicted(ctx, e.db, item.ID, conflictId); err != nil {
		return OutcomeRetryable, err
	}
	if err := models.MarkOrderConflicted(ctx, e.db, order.ID); err != nil {
		return OutcomeRetryable, err
	}

	e.logger.WithFields(logrus.Fields{
		"field":          "OrderSync",
		"order_id":       order.ID,
		"local_version":  order.Version,
		"remote_version": resp.RemoteVersion,
		"conflict_id":    conflictId,
	}).Warn("order push rejected: remote version has advanced")
	return OutcomeConflict, nil
}

// RequeueOrphanedOrders re-enqueues orders with neither a remote id nor a
// pending queue entry. Local write and enqueue are two storage operations; a
// crash between them must not silently drop the mutation.
func (e *Engine) RequeueOrphanedOrders(ctx context.Context) error {
	orders, err := models.FindOrphanedOrders(ctx, e.db)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := models.EnqueueMutation(ctx, e.db, models.TableOrders, order.ID, models.OperationUpdate, order); err != nil {
			config.LogError(e.logger, "sync", "RequeueOrphanedOrders", order.ID, nil, err)
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"field":    "OrderSync",
			"order_id": order.ID,
		}).Info("re-queued orphaned order")
	}
	return nil
}

// IngestRemoteOrder applies a server-initiated order update from the realtime
// feed. Writes dated at or before the finalized cutover are stale: the day
// they belong to is already closed and its local rows are gone. A remote write
// landing on an order with unsent local edits becomes a conflict, not an
// overwrite.
func (e *Engine) IngestRemoteOrder(ctx context.Context, event RemoteOrderEvent) error {
	cutover, err := models.GetBusinessDayCutover(ctx, e.db)
	if err != nil {
		return err
	}
	if cutover != nil && event.BusinessDate != "" {
		if day, perr := parseBusinessDate(event.BusinessDate); perr == nil && !day.After(*cutover) {
			e.logger.WithFields(logrus.Fields{
				"field":         "OrderSync",
				"business_date": event.BusinessDate,
			}).Warn("rejected stale remote order write at or before day cutover")
			return nil
		}
	}

	var incoming models.Order
	if err := json.Unmarshal(event.Snapshot, &incoming); err != nil {
		return err
	}
	if incoming.ID != "" {
		local, err := models.GetOrder(ctx, e.db, incoming.ID)
		if err != nil {
			return err
		}
		if local != nil && (local.SyncStatus == models.SyncStatusPending || local.SyncStatus == models.SyncStatusConflict) {
			return e.recordInboundConflict(ctx, local, event)
		}
	}

	_, err = models.ApplyRemoteOrderSnapshot(ctx, e.db, event.Snapshot, event.RemoteVersion)
	return err
}

// recordInboundConflict handles the inbound half of a simultaneous edit: the
// remote copy moved while this terminal still holds unsent changes.
func (e *Engine) recordInboundConflict(ctx context.Context, local *models.Order, event RemoteOrderEvent) error {
	existing, err := models.FindOpenConflictForOrder(ctx, e.db, local.ID)
	if err != nil {
		return err
	}
	conflictId := ""
	if existing != nil {
		conflictId = existing.ID
	} else {
		localSnapshot, _ := json.Marshal(local)
		conflict, err := models.CreateOrderConflict(ctx, e.db, &models.OrderConflict{
			OrderId:        local.ID,
			LocalVersion:   local.Version,
			RemoteVersion:  event.RemoteVersion,
			LocalSnapshot:  localSnapshot,
			RemoteSnapshot: event.Snapshot,
			ConflictType:   models.ConflictTypePendingLocalChanges,
			TerminalId:     e.cfg.TerminalId,
		})
		if err != nil {
			return err
		}
		conflictId = conflict.ID
	}

	if err := e.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("entity_table = ? AND entity_id = ?", models.TableOrders, local.ID).
		Updates(map[string]interface{}{
			"has_conflict": true,
			"conflict_id":  &conflictId,
		}).Error; err != nil {
		return err
	}
	if err := models.MarkOrderConflicted(ctx, e.db, local.ID); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"field":          "OrderSync",
		"order_id":       local.ID,
		"conflict_id":    conflictId,
		"remote_version": event.RemoteVersion,
	}).Warn("remote order write collided with unsent local changes")
	return nil
}

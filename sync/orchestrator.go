package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/sirupsen/logrus"
)

const drainBatchSize = 50

// RunDrainLoop is the queue-drain timer. The pass runs to completion before
// the next sleep starts, so a slow pass can never be re-entered by its own
// timer firing again.
func (e *Engine) RunDrainLoop(ctx context.Context) {
	if e == nil || e.db == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.DrainInterval):
		}
	}
}

// drainOnce requeues orphans, then services due items in order. Returns false
// when the pass was paused early (auth failure or routing unavailable).
// At most one pass runs at a time: a concurrent caller blocks until the
// in-flight pass finishes, then runs its own against whatever is still due.
func (e *Engine) drainOnce(ctx context.Context) bool {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if !e.cfg.Paired() {
		return false
	}
	if models.IsTerminalDisabled(ctx, e.db) {
		return false
	}

	// When a local redis is present, hold the drain lock so a second engine
	// process (e.g. during a rolling update) cannot run the same pass.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "sync:drain:"+e.cfg.TerminalId, 2*e.cfg.DrainInterval, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return false
			}
		} else {
			defer lock.Release(context.Background())
		}
	}

	if err := e.RequeueOrphanedFinancialRecords(ctx); err != nil {
		config.LogError(e.logger, "sync", "drainOnce", "requeue orphaned ledger rows", nil, err)
	}
	if err := e.RequeueOrphanedOrders(ctx); err != nil {
		config.LogError(e.logger, "sync", "drainOnce", "requeue orphaned orders", nil, err)
	}

	routing := e.router.Decide(ctx)
	base := e.router.BaseURL(routing)

	items, err := models.DrainDueItems(ctx, e.db, drainBatchSize)
	if err != nil {
		config.LogError(e.logger, "sync", "drainOnce", "load due items", nil, err)
		return false
	}

	for _, item := range items {
		outcome := e.processItem(ctx, item, base, routing.RoutingMode)
		if outcome == OutcomeAuthFailed {
			// Credential problems are never auto-destructive; pause the rest
			// of this cycle and let the next tick retry.
			e.logger.WithFields(logrus.Fields{
				"field":       "SyncOrchestrator",
				"terminal_id": e.cfg.TerminalId,
			}).Warn("backend rejected terminal credential; sync paused for this cycle")
			return false
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return true
}

// processItem dispatches one queue item to its entity adapter and applies the
// typed outcome to queue state.
func (e *Engine) processItem(ctx context.Context, item models.SyncQueueItem, base string, routingMode string) Outcome {
	var outcome Outcome
	var err error

	switch item.EntityTable {
	case models.TableOrders:
		outcome, err = e.syncOrderItem(ctx, base, item)
	case models.TableDriverEarnings, models.TableStaffPayments, models.TableShiftExpenses:
		outcome, err = e.syncLedgerItem(ctx, base, item)
	case models.TableTerminalCommands:
		outcome, err = e.syncCommandItem(ctx, base, item)
	default:
		outcome = OutcomeFatal
		err = errors.New("unknown entity table " + item.EntityTable)
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	switch outcome {
	case OutcomeSuccess:
		if derr := models.MarkSucceeded(ctx, e.db, item.ID); derr != nil {
			config.LogError(e.logger, "sync", "processItem", "mark succeeded", item.ID, derr)
		}
	case OutcomeRateLimited:
		_ = models.MarkRateLimited(ctx, e.db, item.ID, errMsg, routingMode)
	case OutcomeConflict:
		// The order adapter has already written the conflict row and parked
		// the item; nothing more to do here.
	case OutcomeAuthFailed:
		// Leave the item untouched; the cycle pauses.
	default:
		// Retryable and fatal both stay in the queue: there is no dead
		// letter, an operator clears what truly cannot deliver.
		if outcome == OutcomeFatal {
			e.logger.WithFields(logrus.Fields{
				"field":        "SyncOrchestrator",
				"queue_id":     item.ID,
				"entity_table": item.EntityTable,
				"entity_id":    item.EntityId,
			}).Error("non-retryable push failure: " + errMsg)
		}
		_ = models.MarkFailed(ctx, e.db, item.ID, errMsg, routingMode)
	}
	return outcome
}

// DrainUntilEmpty forces drain passes until the queue is observed empty or
// the context deadline elapses. This is the one drain path with a hard
// deadline and abort; finalization depends on it.
func (e *Engine) DrainUntilEmpty(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.drainOnce(ctx)

		depth, err := models.QueueDepth(ctx, e.db)
		if err != nil {
			return err
		}
		if depth == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// ForceSync triggers a single immediate drain pass, outside the timer.
func (e *Engine) ForceSync(ctx context.Context) (int64, error) {
	e.drainOnce(ctx)
	return models.QueueDepth(ctx, e.db)
}

// EnqueueTerminalCommand queues an inter-terminal control message for
// delivery through the backend.
func (e *Engine) EnqueueTerminalCommand(ctx context.Context, env TerminalCommandEnvelope) (string, error) {
	env.SourceTerminalId = e.cfg.TerminalId
	return models.EnqueueMutation(ctx, e.db, models.TableTerminalCommands, env.TargetTerminalId, models.OperationInsert, env)
}

func (e *Engine) syncCommandItem(ctx context.Context, base string, item models.SyncQueueItem) (Outcome, error) {
	payload, err := models.DecodeMutationPayload(item.PayloadJSON)
	if err != nil {
		return OutcomeFatal, err
	}
	var env TerminalCommandEnvelope
	if err := json.Unmarshal(payload.Data, &env); err != nil {
		return OutcomeFatal, err
	}
	return e.client.PushTerminalCommand(ctx, base, env)
}

package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// RunHeartbeatLoop beats on a fixed interval, independent of the drain
// cadence. Heartbeats are cheap and time-sensitive: a failed beat gets no
// backoff escalation, the next scheduled tick simply retries.
func (e *Engine) RunHeartbeatLoop(ctx context.Context) {
	if e == nil || e.db == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beatOnce(ctx)
		}
	}
}

func (e *Engine) beatOnce(ctx context.Context) {
	if !e.cfg.Paired() {
		return
	}
	e.setHeartbeatState("sending")

	base := e.router.BaseURL(e.router.Decide(ctx))
	resp, outcome, err := e.client.Heartbeat(ctx, base, e.buildHeartbeat(ctx))
	switch outcome {
	case OutcomeSuccess:
		e.setHeartbeatState("acked")
	case OutcomeAuthFailed:
		// A rejected credential might mean the terminal was deleted, or it
		// might be an outage or mis-configuration. Only an explicit command
		// payload may trigger destructive action, so here we just log.
		e.setHeartbeatState("failed")
		e.logger.WithFields(logrus.Fields{
			"field":       "Heartbeat",
			"terminal_id": e.cfg.TerminalId,
		}).Warn("heartbeat rejected: invalid terminal credential")
		return
	default:
		e.setHeartbeatState("failed")
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"field":       "Heartbeat",
				"terminal_id": e.cfg.TerminalId,
			}).Debug("heartbeat failed: " + err.Error())
		}
		return
	}

	for _, cmd := range resp.Commands {
		e.ApplyRemoteCommand(ctx, cmd)
	}
	for _, op := range resp.PendingOperations {
		e.applyPendingOperation(ctx, op)
	}
}

func (e *Engine) buildHeartbeat(ctx context.Context) HeartbeatStatus {
	beat := HeartbeatStatus{
		TerminalId:   e.cfg.TerminalId,
		TerminalType: e.cfg.TerminalType,
		RoutingMode:  e.router.Last().RoutingMode,
		Disabled:     models.IsTerminalDisabled(ctx, e.db),
		SentAt:       time.Now().UTC(),
	}
	if depth, err := models.QueueDepth(ctx, e.db); err == nil {
		beat.QueueDepth = depth
	}
	if failures, err := models.CountFailedForTables(ctx, e.db, models.LedgerTables()...); err == nil {
		beat.LedgerSyncFailures = failures
	}
	if conflicts, err := models.ListOpenConflicts(ctx, e.db); err == nil {
		beat.OpenConflicts = int64(len(conflicts))
	}
	beat.LastOrderAt = models.LastOrderTimestamp(ctx, e.db)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		beat.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		beat.MemoryUsedPercent = vm.UsedPercent
	}
	return beat
}

// ApplyRemoteCommand executes one administrative command. All commands are
// idempotent: duplicated delivery over retried heartbeats must be safe.
func (e *Engine) ApplyRemoteCommand(ctx context.Context, cmd RemoteCommand) {
	log := e.logger.WithFields(logrus.Fields{
		"field":       "RemoteCommand",
		"terminal_id": e.cfg.TerminalId,
		"command_id":  cmd.ID,
		"command":     cmd.Type,
	})

	switch cmd.Type {
	case CommandShutdown, CommandRestart:
		log.Warn("remote " + cmd.Type + " command received")
		if e.onShutdown != nil {
			e.onShutdown(cmd.Type)
		}
	case CommandEnable:
		if err := models.SetTerminalDisabled(ctx, e.db, false); err != nil {
			log.Error("failed to enable terminal: " + err.Error())
			return
		}
		log.Info("terminal enabled by remote command")
	case CommandDisable:
		if err := models.SetTerminalDisabled(ctx, e.db, true); err != nil {
			log.Error("failed to disable terminal: " + err.Error())
			return
		}
		log.Warn("terminal disabled by remote command")
	case CommandFactoryReset:
		// The confirm field must name this terminal. An unconfirmed reset is
		// ignored: an ambiguous payload must never wipe financial state.
		if cmd.Confirm != e.cfg.TerminalId {
			log.Warn("factory reset command without matching confirmation; ignored")
			return
		}
		if err := e.FactoryReset(ctx); err != nil {
			log.Error("factory reset failed: " + err.Error())
		}
	default:
		log.Warn("unknown remote command ignored")
	}
}

func (e *Engine) applyPendingOperation(ctx context.Context, op PendingOperation) {
	switch op.Type {
	case FeedSettingsUpdated:
		if err := e.RefreshSettings(ctx); err != nil {
			config.LogError(e.logger, "sync", "applyPendingOperation", op.Type, nil, err)
		}
	case FeedMenuUpdated:
		if err := e.RefreshMenu(ctx); err != nil {
			config.LogError(e.logger, "sync", "applyPendingOperation", op.Type, nil, err)
		}
	case FeedOrderUpsert:
		var event RemoteOrderEvent
		if err := json.Unmarshal(op.Data, &event); err != nil {
			config.LogError(e.logger, "sync", "applyPendingOperation", op.Type, nil, err)
			return
		}
		if err := e.IngestRemoteOrder(ctx, event); err != nil {
			config.LogError(e.logger, "sync", "applyPendingOperation", op.Type, nil, err)
		}
	default:
		e.logger.WithFields(logrus.Fields{
			"field": "Heartbeat",
			"type":  op.Type,
		}).Warn("unknown pending operation ignored")
	}
}

package sync

import (
	"context"
	"time"

	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type FinalizeOptions struct {
	RunIntegrityCheck bool
	DrainTimeout      time.Duration
	Operator          string
}

type FinalizeResult struct {
	Report         DayReport `json:"report"`
	OrdersCleared  int64     `json:"ordersCleared"`
	ShiftsCleared  int64     `json:"shiftsCleared"`
	DrawersCleared int64     `json:"drawersCleared"`
}

// FinalizeBusinessDay closes the business day. Each step is a hard
// precondition for the next; any abort before the cutover write (step 8)
// leaves all local data untouched, so callers never observe a partially
// finalized terminal.
func (e *Engine) FinalizeBusinessDay(ctx context.Context, opts FinalizeOptions) (*FinalizeResult, error) {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Minute
	}
	businessDate := utils.StartOfBusinessDay(time.Now())
	log := e.logger.WithFields(logrus.Fields{
		"field":         "Finalization",
		"terminal_id":   e.cfg.TerminalId,
		"business_date": businessDate.Format(businessDateLayout),
	})

	// 1. No active shifts or open drawers may remain.
	if openShifts, err := models.CountOpenShifts(ctx, e.db); err != nil {
		return nil, err
	} else if openShifts > 0 {
		return nil, validationErrorf("%d shift(s) still open; close all shifts before end of day", openShifts)
	}
	if openDrawers, err := models.CountOpenDrawerSessions(ctx, e.db); err != nil {
		return nil, err
	} else if openDrawers > 0 {
		return nil, validationErrorf("%d cash drawer(s) still open; close all drawers before end of day", openDrawers)
	}

	// 2. Finalization must not proceed blind.
	if !e.cfg.Paired() {
		return nil, validationErrorf("terminal is not paired with a backend")
	}
	base := e.router.BaseURL(e.router.Decide(ctx))
	if !e.client.Ping(ctx, base) {
		return nil, validationErrorf("backend is unreachable; end of day requires an online terminal")
	}

	// 3. Re-queue orphans, then force-drain the queue until empty or the
	// deadline elapses.
	if err := e.RequeueOrphanedFinancialRecords(ctx); err != nil {
		return nil, err
	}
	if err := e.RequeueOrphanedOrders(ctx); err != nil {
		return nil, err
	}
	drainCtx, cancel := context.WithTimeout(ctx, opts.DrainTimeout)
	err := e.DrainUntilEmpty(drainCtx)
	cancel()
	if err != nil {
		depth, _ := models.QueueDepth(ctx, e.db)
		return nil, validationErrorf("sync queue did not drain within %s (%d item(s) remaining)", opts.DrainTimeout, depth)
	}

	// 4. Re-verify; a mutation could have landed between the drain and now.
	if unsyncedOrders, err := models.CountUnsyncedFinalizedOrders(ctx, e.db, businessDate); err != nil {
		return nil, err
	} else if unsyncedOrders > 0 {
		return nil, validationErrorf("%d finalized order(s) not yet synced", unsyncedOrders)
	}
	if unsyncedLedger, err := models.CountUnsyncedFinancialRecords(ctx, e.db, businessDate); err != nil {
		return nil, err
	} else if unsyncedLedger > 0 {
		return nil, validationErrorf("%d financial record(s) not yet synced", unsyncedLedger)
	}

	// 5. Optional integrity check against the backend's own totals.
	report, err := e.buildDayReport(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	if opts.RunIntegrityCheck {
		remote, outcome, err := e.client.FetchDayTotals(ctx, base, report.BusinessDate)
		if outcome != OutcomeSuccess {
			return nil, validationErrorf("integrity check failed: backend totals unavailable: %v", err)
		}
		if remote.OrdersCount != report.OrdersCount || !remote.OrdersTotal.Equal(report.OrdersTotal) {
			return nil, validationErrorf("integrity mismatch: local %d/%s vs remote %d/%s orders",
				report.OrdersCount, report.OrdersTotal, remote.OrdersCount, remote.OrdersTotal)
		}
	}

	// 6. A main terminal merges its satellites' same-day snapshots.
	if e.cfg.IsMain() {
		for _, satURL := range e.cfg.SatelliteURLs {
			satReport, err := e.client.FetchSatelliteDayReport(ctx, satURL, report.BusinessDate)
			if err != nil {
				return nil, validationErrorf("satellite report unavailable from %s: %v", satURL, err)
			}
			report = mergeDayReports(report, satReport)
		}
	}

	// 7. Submit the (possibly aggregated) snapshot, attributed to whoever
	// ran the close.
	report.ClosedBy = opts.Operator
	if outcome, err := e.client.SubmitDayReport(ctx, base, report); outcome != OutcomeSuccess {
		return nil, validationErrorf("day report submission failed: %v", err)
	}

	// 8. Persist the cutover BEFORE any deletion. Realtime writes arriving
	// from here on have a boundary to be rejected against, so the cleanup
	// below cannot delete an order that just landed for the closed day.
	cutover := time.Now().UTC()
	if err := models.SetBusinessDayCutover(ctx, e.db, cutover); err != nil {
		return nil, err
	}

	// 9. Destructive cleanup of day-scoped state.
	result := &FinalizeResult{Report: report}
	res := e.db.WithContext(ctx).Where("business_date <= ?", businessDate).Delete(&models.Order{})
	if res.Error != nil {
		return nil, res.Error
	}
	result.OrdersCleared = res.RowsAffected
	res = e.db.WithContext(ctx).Where("business_date <= ?", businessDate).Delete(&models.Shift{})
	if res.Error != nil {
		return nil, res.Error
	}
	result.ShiftsCleared = res.RowsAffected
	res = e.db.WithContext(ctx).Where("business_date <= ?", businessDate).Delete(&models.DrawerSession{})
	if res.Error != nil {
		return nil, res.Error
	}
	result.DrawersCleared = res.RowsAffected

	log.WithFields(logrus.Fields{
		"orders_cleared":  result.OrdersCleared,
		"shifts_cleared":  result.ShiftsCleared,
		"drawers_cleared": result.DrawersCleared,
		"closed_by":       opts.Operator,
	}).Info("business day finalized")

	// 10. End the operator session.
	if err := models.EndOperatorSessions(ctx, e.db); err != nil {
		log.Warn("failed to end operator session: " + err.Error())
	}

	return result, nil
}

// BuildDayReport produces this terminal's snapshot; exposed for the relay
// endpoint that satellites answer on.
func (e *Engine) BuildDayReport(ctx context.Context, businessDate time.Time) (DayReport, error) {
	return e.buildDayReport(ctx, businessDate)
}

func (e *Engine) buildDayReport(ctx context.Context, businessDate time.Time) (DayReport, error) {
	report := DayReport{
		TerminalId:   e.cfg.TerminalId,
		BusinessDate: businessDate.Format(businessDateLayout),
		Terminals:    []string{e.cfg.TerminalId},
		GeneratedAt:  time.Now().UTC(),
	}

	type orderAgg struct {
		Count int64
		Total *string
	}
	var agg orderAgg
	err := e.db.WithContext(ctx).Model(&models.Order{}).
		Select("COUNT(*) AS count, CAST(SUM(total_amount) AS TEXT) AS total").
		Where("business_date = ? AND status = ?", businessDate, models.OrderStatusCompleted).
		Scan(&agg).Error
	if err != nil {
		return DayReport{}, err
	}
	report.OrdersCount = agg.Count
	if agg.Total != nil && *agg.Total != "" {
		if total, perr := decimal.NewFromString(*agg.Total); perr == nil {
			report.OrdersTotal = total
		}
	}

	if total, err := models.SumLedgerForDay(ctx, e.db, models.TableDriverEarnings, businessDate); err == nil {
		report.DriverEarningsTotal = total
	}
	if total, err := models.SumLedgerForDay(ctx, e.db, models.TableStaffPayments, businessDate); err == nil {
		report.StaffPaymentsTotal = total
	}
	if total, err := models.SumLedgerForDay(ctx, e.db, models.TableShiftExpenses, businessDate); err == nil {
		report.ShiftExpensesTotal = total
	}

	if err := e.db.WithContext(ctx).Model(&models.Shift{}).
		Where("business_date = ? AND status = ?", businessDate, models.ShiftStatusClosed).
		Count(&report.ClosedShifts).Error; err != nil {
		return DayReport{}, err
	}
	return report, nil
}

func mergeDayReports(main DayReport, sat DayReport) DayReport {
	main.OrdersCount += sat.OrdersCount
	main.OrdersTotal = main.OrdersTotal.Add(sat.OrdersTotal)
	main.DriverEarningsTotal = main.DriverEarningsTotal.Add(sat.DriverEarningsTotal)
	main.StaffPaymentsTotal = main.StaffPaymentsTotal.Add(sat.StaffPaymentsTotal)
	main.ShiftExpensesTotal = main.ShiftExpensesTotal.Add(sat.ShiftExpensesTotal)
	main.ClosedShifts += sat.ClosedShifts
	main.Terminals = append(main.Terminals, sat.Terminals...)
	return main
}

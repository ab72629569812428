package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Each ledger kind maps its fields onto the backend schema differently but
// shares one push mechanism: upsert by local id, so a retried push after a
// timeout cannot create a duplicate record.

type driverEarningRemote struct {
	DriverId         string          `json:"driver_id"`
	OrderRef         *string         `json:"order_ref,omitempty"`
	ShiftRef         *string         `json:"shift_ref,omitempty"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Description      string          `json:"description,omitempty"`
	EarnedAt         time.Time       `json:"earned_at"`
	BusinessDate     string          `json:"business_date"`
}

type staffPaymentRemote struct {
	StaffId      string          `json:"staff_id"`
	ShiftRef     *string         `json:"shift_ref,omitempty"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	PaymentType  string          `json:"payment_type,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	PaidAt       time.Time       `json:"paid_at"`
	BusinessDate string          `json:"business_date"`
}

type shiftExpenseRemote struct {
	ShiftRef      *string         `json:"shift_ref,omitempty"`
	Category      string          `json:"category,omitempty"`
	ExpenseAmount decimal.Decimal `json:"expense_amount"`
	Notes         string          `json:"notes,omitempty"`
	SpentAt       time.Time       `json:"spent_at"`
	BusinessDate  string          `json:"business_date"`
}

const businessDateLayout = "2006-01-02"

func parseBusinessDate(s string) (time.Time, error) {
	return time.Parse(businessDateLayout, s)
}

// syncLedgerItem pushes one queued financial record. The record is re-read
// from the store so the push always carries current fields, not the snapshot
// taken at enqueue time.
func (e *Engine) syncLedgerItem(ctx context.Context, base string, item models.SyncQueueItem) (Outcome, error) {
	record, err := e.mapLedgerRecord(ctx, item.EntityTable, item.EntityId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row deleted locally; nothing left to deliver.
			return OutcomeSuccess, nil
		}
		return OutcomeFatal, err
	}

	resp, outcome, err := e.client.PushLedgerRecord(ctx, base, LedgerPushRequest{
		TerminalId: e.cfg.TerminalId,
		LocalId:    item.EntityId,
		Kind:       item.EntityTable,
		Record:     record,
	})
	if outcome != OutcomeSuccess {
		return outcome, err
	}
	if err := models.MarkLedgerRowSynced(ctx, e.db, item.EntityTable, item.EntityId, resp.RemoteId); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeSuccess, nil
}

func (e *Engine) mapLedgerRecord(ctx context.Context, entityTable string, id string) (json.RawMessage, error) {
	db := e.db.WithContext(ctx)
	switch entityTable {
	case models.TableDriverEarnings:
		var row models.DriverEarning
		if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
			return nil, err
		}
		return json.Marshal(driverEarningRemote{
			DriverId:         row.DriverId,
			OrderRef:         row.OrderId,
			ShiftRef:         row.ShiftId,
			CommissionAmount: row.Amount,
			Description:      row.Description,
			EarnedAt:         row.EarnedAt,
			BusinessDate:     row.BusinessDate.Format(businessDateLayout),
		})
	case models.TableStaffPayments:
		var row models.StaffPayment
		if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
			return nil, err
		}
		return json.Marshal(staffPaymentRemote{
			StaffId:      row.StaffId,
			ShiftRef:     row.ShiftId,
			PaidAmount:   row.Amount,
			PaymentType:  row.PaymentType,
			Notes:        row.Notes,
			PaidAt:       row.PaidAt,
			BusinessDate: row.BusinessDate.Format(businessDateLayout),
		})
	case models.TableShiftExpenses:
		var row models.ShiftExpense
		if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
			return nil, err
		}
		return json.Marshal(shiftExpenseRemote{
			ShiftRef:      row.ShiftId,
			Category:      row.Category,
			ExpenseAmount: row.Amount,
			Notes:         row.Notes,
			SpentAt:       row.SpentAt,
			BusinessDate:  row.BusinessDate.Format(businessDateLayout),
		})
	}
	return nil, errors.New("unknown ledger table " + entityTable)
}

// RequeueOrphanedFinancialRecords finds locally persisted ledger rows with no
// remote id and no pending queue entry and re-enqueues them. Runs on the
// drain schedule and explicitly before finalization: unsynced money at day
// close is a hard stop.
func (e *Engine) RequeueOrphanedFinancialRecords(ctx context.Context) error {
	orphans, err := models.FindOrphanedFinancialRecords(ctx, e.db)
	if err != nil {
		return err
	}
	for _, orphan := range orphans {
		if _, err := models.EnqueueMutation(ctx, e.db, orphan.EntityTable, orphan.EntityId, models.OperationUpdate, nil); err != nil {
			config.LogError(e.logger, "sync", "RequeueOrphanedFinancialRecords", orphan.EntityId, nil, err)
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"field":        "LedgerSync",
			"entity_table": orphan.EntityTable,
			"entity_id":    orphan.EntityId,
		}).Info("re-queued orphaned financial record")
	}
	return nil
}

package escrow

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

// lockByPayment resolves a processor reference to its payment and escrow,
// both locked. A nil escrow with a nil error means the reference is unknown.
func lockByPayment(tx *gorm.DB, reference string) (*models.Payment, *models.Escrow, error) {
	var p models.Payment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference = ?", reference).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var esc models.Escrow
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_id = ?", p.ID).
		First(&esc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &p, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &p, &esc, nil
}

// HandleChargeback applies a processor dispute. It is idempotent: a second
// notification for the same payment changes nothing. Escrows that already
// closed keep their status and only record the chargeback for manual review.
func (e *Engine) HandleChargeback(ctx context.Context, paymentRef, disputeRef string, data map[string]any) error {
	const op = "handle_chargeback"
	var escrowID uint
	err := e.run(ctx, op, 0, func(tx *gorm.DB) error {
		payment, esc, err := lockByPayment(tx, paymentRef)
		if err != nil {
			return err
		}
		if esc == nil {
			e.log.Warn("chargeback for unknown payment", zap.String("reference", paymentRef))
			return nil
		}
		escrowID = esc.ID
		if esc.Status == models.EscrowChargebacked || payment.Status == models.PaymentChargebacked {
			return nil
		}

		now := e.now()
		if err := setPaymentStatus(tx, payment.ID, models.PaymentChargebacked, map[string]any{"dispute_ref": disputeRef}); err != nil {
			return err
		}
		logData := map[string]any{
			"payment_reference": paymentRef,
			"dispute_reference": disputeRef,
			"previous_status":   esc.Status,
			"details":           data,
		}
		if esc.Status.Terminal() {
			e.log.Warn("chargeback on closed escrow needs manual review",
				zap.Uint("escrow_id", esc.ID),
				zap.String("status", string(esc.Status)),
				zap.String("dispute_ref", disputeRef))
			logData["manual_review"] = true
			return e.appendLog(tx, models.LogChargebackReceived, nil, esc, logData, txlog.RequestMeta{})
		}

		esc.ChargebackAt = &now
		if err := e.transition(tx, op, esc, models.EscrowChargebacked, nil, txlog.RequestMeta{}, "chargeback "+disputeRef, map[string]any{"chargeback_at": now}); err != nil {
			return err
		}
		return e.appendLog(tx, models.LogChargebackReceived, nil, esc, logData, txlog.RequestMeta{})
	})
	if err == nil && escrowID != 0 {
		e.log.Info("chargeback processed", zap.Uint("escrow_id", escrowID), zap.String("dispute_ref", disputeRef))
	}
	return err
}

// HandlePaymentFailed cancels a captured escrow whose payment the processor
// later reports as failed. Anything past PENDING is left alone and logged.
func (e *Engine) HandlePaymentFailed(ctx context.Context, paymentRef string, data map[string]any) error {
	const op = "handle_payment_failed"
	return e.run(ctx, op, 0, func(tx *gorm.DB) error {
		payment, esc, err := lockByPayment(tx, paymentRef)
		if err != nil {
			return err
		}
		if esc == nil {
			e.log.Warn("payment failure for unknown payment", zap.String("reference", paymentRef))
			return nil
		}
		if payment.Status == models.PaymentFailed {
			return nil
		}
		if esc.FundingMode != models.FundingCaptured || esc.Status != models.EscrowPending {
			e.log.Warn("payment failure ignored",
				zap.Uint("escrow_id", esc.ID),
				zap.String("status", string(esc.Status)),
				zap.String("funding_mode", string(esc.FundingMode)))
			return nil
		}
		if err := setPaymentStatus(tx, payment.ID, models.PaymentFailed, nil); err != nil {
			return err
		}
		now := e.now()
		esc.CancelledAt = &now
		if err := e.transition(tx, op, esc, models.EscrowCancelled, nil, txlog.RequestMeta{}, "payment failed", map[string]any{"cancelled_at": now}); err != nil {
			return err
		}
		return e.appendLog(tx, models.LogEscrowCancelled, nil, esc, map[string]any{
			"amount":            esc.Amount.StringFixed(2),
			"payment_reference": paymentRef,
			"reason":            "payment failed",
			"details":           data,
		}, txlog.RequestMeta{})
	})
}

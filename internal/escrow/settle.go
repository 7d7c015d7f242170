package escrow

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/ledger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

// settleable lists the open states from which held money can go to the payee.
var settleable = []models.EscrowStatus{
	models.EscrowPending,
	models.EscrowFunded,
	models.EscrowDeliveredPendingRelease,
}

// FundEscrow debits the payer's wallet for a WALLET escrow. Balance is checked
// again here because it may have changed since the escrow was opened. An escrow
// whose delivery was confirmed before funding keeps DELIVERED_PENDING_RELEASE.
func (e *Engine) FundEscrow(ctx context.Context, escrowID, payerID uint, meta txlog.RequestMeta) (*models.Escrow, error) {
	const op = "fund_escrow"
	var esc *models.Escrow
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		locked, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if err := e.fund(tx, op, locked, payerID, meta); err != nil {
			return err
		}
		esc = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func (e *Engine) fund(tx *gorm.DB, op string, esc *models.Escrow, payerID uint, meta txlog.RequestMeta) error {
	if err := requirePayer(op, esc, payerID, "fund the escrow"); err != nil {
		return err
	}
	if esc.FundingMode != models.FundingWallet {
		return invalidState(op, esc.Status, "captured escrows are funded by the payment processor")
	}
	if esc.FundedAt != nil || !statusIn(esc.Status, models.EscrowPending, models.EscrowDeliveredPendingRelease) {
		return invalidState(op, esc.Status, "escrow cannot be funded")
	}
	if _, err := ledger.Debit(tx, esc.PayerID, esc.Amount, ledger.Ref{EscrowID: esc.ID, Reason: "escrow_fund"}); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return insufficientFunds(op, err)
		}
		return err
	}
	if err := setPaymentStatus(tx, esc.PaymentID, models.PaymentEscrowed, nil); err != nil {
		return err
	}
	now := e.now()
	esc.FundedAt = &now
	actor := txlog.Actor(payerID)
	if esc.Status == models.EscrowPending {
		if err := e.transition(tx, op, esc, models.EscrowFunded, actor, meta, "funded from wallet", map[string]any{"funded_at": now}); err != nil {
			return err
		}
	} else if err := tx.Model(&models.Escrow{}).Where("id = ?", esc.ID).Update("funded_at", now).Error; err != nil {
		return err
	}
	return e.appendLog(tx, models.LogEscrowFunded, actor, esc, map[string]any{
		"amount":     esc.Amount.StringFixed(2),
		"payment_id": esc.PaymentID,
	}, meta)
}

// ReleaseFunds lets the payer hand the escrowed amount to the payee.
func (e *Engine) ReleaseFunds(ctx context.Context, escrowID, payerID uint, meta txlog.RequestMeta) (*models.Escrow, error) {
	const op = "release_funds"
	var esc *models.Escrow
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		locked, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if err := requirePayer(op, locked, payerID, "release funds"); err != nil {
			return err
		}
		if err := e.settle(tx, op, locked, txlog.Actor(payerID), models.LogFundsReleased, "released by payer", meta); err != nil {
			return err
		}
		esc = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// CompleteEscrow settles an escrow on behalf of the system. Calling it twice
// returns ErrInvalidStateTransition the second time and credits nothing.
func (e *Engine) CompleteEscrow(ctx context.Context, escrowID uint) (*models.Escrow, error) {
	const op = "complete_escrow"
	var esc *models.Escrow
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		locked, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if err := e.settle(tx, op, locked, nil, models.LogEscrowCompleted, "completed", txlog.RequestMeta{}); err != nil {
			return err
		}
		esc = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// settle credits the payee and closes the escrow as RELEASED. The caller holds the lock.
func (e *Engine) settle(tx *gorm.DB, op string, esc *models.Escrow, actor *uint, logType models.LogType, reason string, meta txlog.RequestMeta) error {
	if !statusIn(esc.Status, settleable...) {
		return invalidState(op, esc.Status, "funds can no longer be released")
	}
	if !esc.Funded() {
		return invalidState(op, esc.Status, "escrow has not been funded")
	}
	if _, err := ledger.Credit(tx, esc.PayeeID, esc.Amount, ledger.Ref{EscrowID: esc.ID, Reason: "escrow_release"}); err != nil {
		return err
	}
	now := e.now()
	if err := setPaymentStatus(tx, esc.PaymentID, models.PaymentCompleted, map[string]any{"completed_at": now}); err != nil {
		return err
	}
	esc.ReleasedAt = &now
	if err := e.transition(tx, op, esc, models.EscrowReleased, actor, meta, reason, map[string]any{"released_at": now}); err != nil {
		return err
	}
	return e.appendLog(tx, logType, actor, esc, map[string]any{
		"amount":   esc.Amount.StringFixed(2),
		"payee_id": esc.PayeeID,
	}, meta)
}

// IssueRefund is the payee voluntarily giving the money back. Funded WALLET
// escrows are credited back to the payer; CAPTURED escrows never debited the
// payer's wallet, so only the records change.
func (e *Engine) IssueRefund(ctx context.Context, escrowID, payeeID uint, reason string, meta txlog.RequestMeta) (*models.Escrow, error) {
	const op = "issue_refund"
	var esc *models.Escrow
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		locked, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if err := requirePayee(op, locked, payeeID, "issue a refund"); err != nil {
			return err
		}
		if !statusIn(locked.Status, settleable...) {
			return invalidState(op, locked.Status, "escrow can no longer be refunded")
		}
		creditBack := locked.FundingMode == models.FundingWallet && locked.FundedAt != nil
		if creditBack {
			if _, err := ledger.Credit(tx, locked.PayerID, locked.Amount, ledger.Ref{EscrowID: locked.ID, Reason: "escrow_refund"}); err != nil {
				return err
			}
		}
		now := e.now()
		if err := setPaymentStatus(tx, locked.PaymentID, models.PaymentRefunded, map[string]any{"refunded_at": now}); err != nil {
			return err
		}
		actor := txlog.Actor(payeeID)
		locked.RefundedAt = &now
		if err := e.transition(tx, op, locked, models.EscrowRefunded, actor, meta, reason, map[string]any{"refunded_at": now}); err != nil {
			return err
		}
		if err := e.appendLog(tx, models.LogEscrowRefunded, actor, locked, map[string]any{
			"amount":        locked.Amount.StringFixed(2),
			"reason":        reason,
			"credited_back": creditBack,
		}, meta); err != nil {
			return err
		}
		esc = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// CancelEscrow lets either party walk away before delivery is claimed.
func (e *Engine) CancelEscrow(ctx context.Context, escrowID, userID uint, meta txlog.RequestMeta) (*models.Escrow, error) {
	const op = "cancel_escrow"
	var esc *models.Escrow
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		locked, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if !isParty(locked, userID) {
			return forbidden(op, "not a party to this escrow")
		}
		if err := e.cancel(tx, op, locked, txlog.Actor(userID), "cancelled by party", meta); err != nil {
			return err
		}
		esc = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func (e *Engine) cancel(tx *gorm.DB, op string, esc *models.Escrow, actor *uint, reason string, meta txlog.RequestMeta) error {
	if !statusIn(esc.Status, models.EscrowPending, models.EscrowFunded) {
		return invalidState(op, esc.Status, "only pending or funded escrows can be cancelled")
	}
	claimed, err := proofs.HasClaims(tx, esc.ID)
	if err != nil {
		return err
	}
	if claimed {
		return invalidState(op, esc.Status, "delivery has been claimed; refund or dispute instead")
	}
	now := e.now()
	returned := esc.FundingMode == models.FundingWallet && esc.FundedAt != nil
	if returned {
		if _, err := ledger.Credit(tx, esc.PayerID, esc.Amount, ledger.Ref{EscrowID: esc.ID, Reason: "escrow_cancel"}); err != nil {
			return err
		}
		if err := setPaymentStatus(tx, esc.PaymentID, models.PaymentRefunded, map[string]any{"refunded_at": now}); err != nil {
			return err
		}
	} else if err := setPaymentStatus(tx, esc.PaymentID, models.PaymentCancelled, nil); err != nil {
		return err
	}
	esc.CancelledAt = &now
	if err := e.transition(tx, op, esc, models.EscrowCancelled, actor, meta, reason, map[string]any{"cancelled_at": now}); err != nil {
		return err
	}
	return e.appendLog(tx, models.LogEscrowCancelled, actor, esc, map[string]any{
		"amount":         esc.Amount.StringFixed(2),
		"funds_returned": returned,
		"reason":         reason,
	}, meta)
}

package escrow

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

// SubmitDeliveryProof records evidence from either party. Payee confirmation
// from the payee is accepted on the spot and moves the escrow to
// DELIVERED_PENDING_RELEASE. System verification and admin override are
// refused here; they arrive through SubmitSystemProof.
func (e *Engine) SubmitDeliveryProof(ctx context.Context, escrowID uint, in proofs.Input, submitterID uint, meta txlog.RequestMeta) (*models.DeliveryProof, error) {
	const op = "submit_delivery_proof"
	if !in.Type.Valid() {
		return nil, validation(op, "unknown proof type "+string(in.Type))
	}
	if proofs.SystemOnly(in.Type) {
		return nil, forbidden(op, string(in.Type)+" proofs can only be issued by the platform")
	}
	return e.submitProof(ctx, op, escrowID, in, txlog.Actor(submitterID), meta)
}

// SubmitSystemProof records a platform-issued SYSTEM_VERIFICATION or
// ADMIN_OVERRIDE proof. It has no actor and is always accepted.
func (e *Engine) SubmitSystemProof(ctx context.Context, escrowID uint, in proofs.Input, meta txlog.RequestMeta) (*models.DeliveryProof, error) {
	const op = "submit_system_proof"
	if !proofs.SystemOnly(in.Type) {
		return nil, validation(op, "system proofs must be SYSTEM_VERIFICATION or ADMIN_OVERRIDE")
	}
	return e.submitProof(ctx, op, escrowID, in, nil, meta)
}

// submitProof stores the proof under the escrow lock. A nil submitter is the
// platform and skips the party check.
func (e *Engine) submitProof(ctx context.Context, op string, escrowID uint, in proofs.Input, submitter *uint, meta txlog.RequestMeta) (*models.DeliveryProof, error) {
	var proof *models.DeliveryProof
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		esc, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		var submitterID uint
		if submitter != nil {
			submitterID = *submitter
			if !isParty(esc, submitterID) {
				return forbidden(op, "not a party to this escrow")
			}
		}
		if !statusIn(esc.Status, models.EscrowPending, models.EscrowFunded) {
			return invalidState(op, esc.Status, "escrow no longer accepts delivery proofs")
		}

		auto := proofs.AutoAccepted(in.Type, submitter != nil && submitterID == esc.PayeeID)
		status := models.ProofPending
		if auto {
			status = models.ProofAccepted
		}
		p, err := proofs.Create(tx, esc, in, submitterID, status, e.now())
		if err != nil {
			if errors.Is(err, proofs.ErrEscrowClosed) {
				return invalidState(op, esc.Status, err.Error())
			}
			return err
		}

		if _, err := txlog.Append(tx, txlog.Entry{
			Type:       models.LogProofSubmitted,
			ActorID:    submitter,
			EntityID:   p.ID,
			EntityType: txlog.EntityProof,
			Data:       map[string]any{"escrow_id": esc.ID, "type": p.Type, "files": len(in.Files)},
			Meta:       meta,
			At:         e.now(),
		}); err != nil {
			return err
		}
		if auto {
			if _, err := txlog.Append(tx, txlog.Entry{
				Type:       models.LogProofAutoVerified,
				EntityID:   p.ID,
				EntityType: txlog.EntityProof,
				Data:       map[string]any{"escrow_id": esc.ID, "type": p.Type},
				Meta:       meta,
				At:         e.now(),
			}); err != nil {
				return err
			}
			if err := e.transition(tx, op, esc, models.EscrowDeliveredPendingRelease, nil, meta, "delivery proof auto-verified", nil); err != nil {
				return err
			}
		}
		proof = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// ReviewDeliveryProof is the payer's verdict on a pending proof. Acceptance
// settles a funded escrow; an unfunded one waits in DELIVERED_PENDING_RELEASE.
// Rejection leaves the escrow open for another proof.
func (e *Engine) ReviewDeliveryProof(ctx context.Context, proofID uint, decision proofs.Decision, reviewerID uint, reason string, meta txlog.RequestMeta) (*models.DeliveryProof, error) {
	const op = "review_delivery_proof"
	if decision != proofs.Accept && decision != proofs.Reject {
		return nil, validation(op, "decision must be ACCEPT or REJECT")
	}
	var proof *models.DeliveryProof
	err := e.run(ctx, op, 0, func(tx *gorm.DB) error {
		var owner models.DeliveryProof
		if err := tx.Select("id", "escrow_id").First(&owner, proofID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(op, "delivery proof", proofID)
			}
			return err
		}

		// Escrow first, then proof: the same order every command uses.
		esc, err := lockEscrow(tx, op, owner.EscrowID)
		if err != nil {
			return err
		}
		p, err := proofs.GetForUpdate(tx, proofID)
		if err != nil {
			return err
		}
		if err := requirePayer(op, esc, reviewerID, "review delivery proofs"); err != nil {
			return err
		}
		if esc.Status.Terminal() {
			return invalidState(op, esc.Status, "escrow is closed")
		}
		if err := proofs.Review(tx, &p, decision, reviewerID, reason, e.now()); err != nil {
			switch {
			case errors.Is(err, proofs.ErrAlreadyReviewed):
				return invalidState(op, esc.Status, "delivery proof already reviewed as "+string(p.Status))
			case errors.Is(err, proofs.ErrRejectionReasonRequired):
				return validation(op, err.Error())
			}
			return err
		}

		actor := txlog.Actor(reviewerID)
		if _, err := txlog.Append(tx, txlog.Entry{
			Type:       models.LogProofReviewed,
			ActorID:    actor,
			EntityID:   p.ID,
			EntityType: txlog.EntityProof,
			Data:       map[string]any{"escrow_id": esc.ID, "decision": decision, "reason": p.RejectionReason},
			Meta:       meta,
			At:         e.now(),
		}); err != nil {
			return err
		}
		if decision == proofs.Accept {
			if err := e.deliver(tx, op, esc, actor, "delivery proof accepted", meta); err != nil {
				return err
			}
		}
		proof = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// deliver is reached when delivery is confirmed: settle if money is held,
// otherwise park the escrow until it is funded and released.
func (e *Engine) deliver(tx *gorm.DB, op string, esc *models.Escrow, actor *uint, reason string, meta txlog.RequestMeta) error {
	if esc.Funded() {
		return e.settle(tx, op, esc, actor, models.LogEscrowCompleted, reason, meta)
	}
	if esc.Status == models.EscrowDeliveredPendingRelease {
		return nil
	}
	return e.transition(tx, op, esc, models.EscrowDeliveredPendingRelease, actor, meta, reason, nil)
}

// Package proofs persists delivery evidence. Proofs are created while their
// escrow is open, reviewed at most once and never deleted.
package proofs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

var (
	ErrNotFound                = errors.New("delivery proof not found")
	ErrEscrowClosed            = errors.New("escrow no longer accepts proofs")
	ErrAlreadyReviewed         = errors.New("delivery proof already reviewed")
	ErrRejectionReasonRequired = errors.New("rejection reason is required")
	ErrInvalidType             = errors.New("unknown proof type")
)

type Decision string

const (
	Accept Decision = "ACCEPT"
	Reject Decision = "REJECT"
)

type Input struct {
	Type        models.ProofType
	Description string
	Files       []string
}

// SystemOnly reports whether t may only come from the platform itself, never
// from a party to the escrow.
func SystemOnly(t models.ProofType) bool {
	return t == models.ProofSystemVerification || t == models.ProofAdminOverride
}

// AutoAccepted reports whether a proof of type t from submitter is accepted on submission.
func AutoAccepted(t models.ProofType, submitterIsPayee bool) bool {
	switch t {
	case models.ProofSystemVerification, models.ProofAdminOverride:
		return true
	case models.ProofPayeeConfirmation:
		return submitterIsPayee
	}
	return false
}

// Create stores a proof for escrow. The caller holds the escrow row lock.
func Create(tx *gorm.DB, escrow *models.Escrow, in Input, submitterID uint, status models.ProofStatus, now time.Time) (models.DeliveryProof, error) {
	if escrow.Status != models.EscrowPending && escrow.Status != models.EscrowFunded {
		return models.DeliveryProof{}, ErrEscrowClosed
	}
	if !in.Type.Valid() {
		return models.DeliveryProof{}, ErrInvalidType
	}
	files := "[]"
	if len(in.Files) > 0 {
		b, err := json.Marshal(in.Files)
		if err != nil {
			return models.DeliveryProof{}, err
		}
		files = string(b)
	}
	p := models.DeliveryProof{
		EscrowID:    escrow.ID,
		Type:        in.Type,
		Description: strings.TrimSpace(in.Description),
		Files:       files,
		Status:      status,
		SubmittedBy: submitterID,
	}
	if status == models.ProofAccepted {
		p.ReviewedAt = &now
	}
	if err := tx.Create(&p).Error; err != nil {
		return models.DeliveryProof{}, err
	}
	return p, nil
}

// GetForUpdate loads and locks a proof.
func GetForUpdate(tx *gorm.DB, id uint) (models.DeliveryProof, error) {
	var p models.DeliveryProof
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, ErrNotFound
	}
	return p, err
}

// Review records the decision. Only the review columns are ever written.
func Review(tx *gorm.DB, p *models.DeliveryProof, decision Decision, reviewerID uint, reason string, now time.Time) error {
	if p.Status != models.ProofPending {
		return ErrAlreadyReviewed
	}
	reason = strings.TrimSpace(reason)
	updates := map[string]any{
		"reviewed_by": reviewerID,
		"reviewed_at": now,
	}
	switch decision {
	case Accept:
		updates["status"] = models.ProofAccepted
	case Reject:
		if reason == "" {
			return ErrRejectionReasonRequired
		}
		updates["status"] = models.ProofRejected
		updates["rejection_reason"] = reason
	default:
		return errors.New("unknown review decision")
	}
	res := tx.Model(&models.DeliveryProof{}).
		Where("id = ? AND status = ?", p.ID, models.ProofPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyReviewed
	}
	p.Status = updates["status"].(models.ProofStatus)
	p.ReviewedBy = &reviewerID
	p.ReviewedAt = &now
	if decision == Reject {
		p.RejectionReason = reason
	}
	return nil
}

// ListByEscrow returns proofs oldest first.
func ListByEscrow(db *gorm.DB, escrowID uint) ([]models.DeliveryProof, error) {
	var out []models.DeliveryProof
	err := db.Where("escrow_id = ?", escrowID).Order("id ASC").Find(&out).Error
	return out, err
}

// HasClaims reports whether delivery has been claimed: a proof pending review or accepted.
func HasClaims(tx *gorm.DB, escrowID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.DeliveryProof{}).
		Where("escrow_id = ? AND status IN ?", escrowID, []models.ProofStatus{models.ProofPending, models.ProofAccepted}).
		Count(&n).Error
	return n > 0, err
}

// Files decodes the stored file references.
func Files(p models.DeliveryProof) []string {
	var out []string
	_ = json.Unmarshal([]byte(p.Files), &out)
	return out
}

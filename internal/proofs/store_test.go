package proofs_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/testutil"
)

func newEscrow(t *testing.T, db *gorm.DB, status models.EscrowStatus) *models.Escrow {
	t.Helper()
	e := &models.Escrow{Amount: decimal.NewFromInt(10), PayerID: 1, PayeeID: 2, PaymentID: 1, Status: status, FundingMode: models.FundingCaptured}
	require.NoError(t, db.Create(e).Error)
	return e
}

func TestAutoAccepted(t *testing.T) {
	assert.True(t, proofs.AutoAccepted(models.ProofSystemVerification, false))
	assert.True(t, proofs.AutoAccepted(models.ProofAdminOverride, false))
	assert.True(t, proofs.AutoAccepted(models.ProofPayeeConfirmation, true))
	assert.False(t, proofs.AutoAccepted(models.ProofPayeeConfirmation, false))
	assert.False(t, proofs.AutoAccepted(models.ProofText, true))
}

func TestSystemOnly(t *testing.T) {
	assert.True(t, proofs.SystemOnly(models.ProofSystemVerification))
	assert.True(t, proofs.SystemOnly(models.ProofAdminOverride))
	for _, typ := range []models.ProofType{models.ProofPayeeConfirmation, models.ProofText, models.ProofVideo} {
		assert.False(t, proofs.SystemOnly(typ), typ)
	}
}

func TestCreateRejectsClosedEscrow(t *testing.T) {
	db := testutil.NewDB(t)
	e := newEscrow(t, db, models.EscrowReleased)
	_, err := proofs.Create(db, e, proofs.Input{Type: models.ProofText}, 2, models.ProofPending, time.Now())
	assert.ErrorIs(t, err, proofs.ErrEscrowClosed)

	e = newEscrow(t, db, models.EscrowPending)
	_, err = proofs.Create(db, e, proofs.Input{Type: "SMOKE_SIGNAL"}, 2, models.ProofPending, time.Now())
	assert.ErrorIs(t, err, proofs.ErrInvalidType)
}

func TestReviewOnlyOnce(t *testing.T) {
	db := testutil.NewDB(t)
	e := newEscrow(t, db, models.EscrowPending)
	p, err := proofs.Create(db, e, proofs.Input{Type: models.ProofLink, Files: []string{"https://cdn/x"}}, 2, models.ProofPending, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/x"}, proofs.Files(p))

	claimed, err := proofs.HasClaims(db, e.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	err = proofs.Review(db, &p, proofs.Reject, 1, "  ", time.Now())
	assert.ErrorIs(t, err, proofs.ErrRejectionReasonRequired)

	require.NoError(t, proofs.Review(db, &p, proofs.Reject, 1, "incomplete", time.Now()))
	assert.Equal(t, models.ProofRejected, p.Status)

	stored, err := proofs.GetForUpdate(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "incomplete", stored.RejectionReason)

	err = proofs.Review(db, &stored, proofs.Accept, 1, "", time.Now())
	assert.ErrorIs(t, err, proofs.ErrAlreadyReviewed)

	claimed, err = proofs.HasClaims(db, e.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestGetForUpdateMissing(t *testing.T) {
	db := testutil.NewDB(t)
	_, err := proofs.GetForUpdate(db, 404)
	assert.ErrorIs(t, err, proofs.ErrNotFound)
}

package escrow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/escrow"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/testutil"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

var ctx = context.Background()

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type fixture struct {
	db    *gorm.DB
	eng   *escrow.Engine
	clock *clock
	payer models.User
	payee models.User
}

func newFixture(t *testing.T, payerBalance string) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	eng := escrow.NewEngine(db, zaptest.NewLogger(t), escrow.Config{Clock: c.Now})
	return &fixture{
		db:    db,
		eng:   eng,
		clock: c,
		payer: testutil.CreateUser(t, db, "payer", payerBalance, 365*24*time.Hour),
		payee: testutil.CreateUser(t, db, "payee", "0", 365*24*time.Hour),
	}
}

func (f *fixture) captured(t *testing.T, ref, amount string, milestones ...escrow.MilestoneInput) *models.Escrow {
	t.Helper()
	esc, err := f.eng.CreateEscrow(ctx, escrow.CreateInput{
		PayerID:          f.payer.ID,
		PayeeID:          f.payee.ID,
		Amount:           d(amount),
		Milestones:       milestones,
		PaymentReference: ref,
	})
	require.NoError(t, err)
	return esc
}

func (f *fixture) wallet(t *testing.T, amount string, fundNow bool) *models.Escrow {
	t.Helper()
	esc, err := f.eng.OpenEscrow(ctx, escrow.CreateInput{
		PayerID: f.payer.ID,
		PayeeID: f.payee.ID,
		Amount:  d(amount),
		FundNow: fundNow,
	})
	require.NoError(t, err)
	return esc
}

func (f *fixture) reload(t *testing.T, id uint) models.Escrow {
	t.Helper()
	var esc models.Escrow
	require.NoError(t, f.db.First(&esc, id).Error)
	return esc
}

func (f *fixture) payment(t *testing.T, id uint) models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, f.db.First(&p, id).Error)
	return p
}

func (f *fixture) logTypes(t *testing.T, escrowID uint) []models.LogType {
	t.Helper()
	logs, err := txlog.ListForEscrow(f.db, escrowID)
	require.NoError(t, err)
	out := make([]models.LogType, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Type)
	}
	return out
}

func assertBalance(t *testing.T, f *fixture, userID uint, want string) {
	t.Helper()
	got := testutil.Balance(t, f.db, userID)
	assert.True(t, got.Equal(d(want)), "balance of user %d: got %s want %s", userID, got, want)
}

func TestCreateAndReleaseManually(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_100", "100")

	assert.Equal(t, models.EscrowPending, esc.Status)
	assert.Equal(t, models.FundingCaptured, esc.FundingMode)
	require.NotNil(t, esc.ScheduleReleaseAt)
	assert.WithinDuration(t, f.clock.Now().Add(72*time.Hour), *esc.ScheduleReleaseAt, time.Second)
	assert.Equal(t, "payer", esc.PayerAlias)
	assert.Equal(t, models.PaymentEscrowed, f.payment(t, esc.PaymentID).Status)

	released, err := f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{UserAgent: "test"})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, released.Status)
	assert.True(t, released.Status.Terminal())
	require.NotNil(t, released.ReleasedAt)

	assertBalance(t, f, f.payee.ID, "100")
	assertBalance(t, f, f.payer.ID, "0")
	assert.Equal(t, models.PaymentCompleted, f.payment(t, esc.PaymentID).Status)
	assert.Equal(t, []models.LogType{
		models.LogEscrowCreated,
		models.LogStatusChanged,
		models.LogFundsReleased,
	}, f.logTypes(t, esc.ID))
}

func TestMilestonesCompleteEscrow(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_ms", "100",
		escrow.MilestoneInput{Amount: d("60"), Description: "design"},
		escrow.MilestoneInput{Amount: d("40"), Description: "build"},
	)

	full, err := f.eng.GetEscrowByID(ctx, esc.ID, f.payee.ID)
	require.NoError(t, err)
	require.Len(t, full.Milestones, 2)
	first, second := full.Milestones[0], full.Milestones[1]
	assert.Equal(t, 1, first.Sequence)
	assert.True(t, first.Amount.Equal(d("60")))

	m, err := f.eng.UpdateMilestone(ctx, esc.ID, first.ID, models.MilestoneCompleted, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneCompleted, m.Status)
	assert.NotNil(t, m.CompletedAt)
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)
	assertBalance(t, f, f.payee.ID, "0")

	_, err = f.eng.UpdateMilestone(ctx, esc.ID, second.ID, models.MilestoneCompleted, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, f.reload(t, esc.ID).Status)
	assertBalance(t, f, f.payee.ID, "100")

	types := f.logTypes(t, esc.ID)
	assert.Contains(t, types, models.LogMilestoneUpdated)
	assert.Contains(t, types, models.LogEscrowCompleted)
}

func TestMilestoneRules(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_rules", "100",
		escrow.MilestoneInput{Amount: d("60")},
		escrow.MilestoneInput{Amount: d("40")},
	)
	full, err := f.eng.GetEscrowByID(ctx, esc.ID, f.payer.ID)
	require.NoError(t, err)
	first := full.Milestones[0]

	_, err = f.eng.UpdateMilestone(ctx, esc.ID, first.ID, models.MilestoneCompleted, f.payee.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrForbidden)

	_, err = f.eng.UpdateMilestone(ctx, esc.ID, first.ID, models.MilestonePending, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrValidation)

	_, err = f.eng.UpdateMilestone(ctx, esc.ID, 9999, models.MilestoneDisputed, f.payee.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrNotFound)

	disputed, err := f.eng.UpdateMilestone(ctx, esc.ID, first.ID, models.MilestoneDisputed, f.payee.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneDisputed, disputed.Status)
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)
	assert.Contains(t, f.logTypes(t, esc.ID), models.LogEscrowDisputed)

	_, err = f.eng.UpdateMilestone(ctx, esc.ID, first.ID, models.MilestoneCompleted, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
}

func TestRejectedProofLeavesEscrowOpen(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_text", "25")

	p, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{
		Type:        models.ProofText,
		Description: "shipped it",
	}, f.payee.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.ProofPending, p.Status)
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)

	_, err = f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Reject, f.payer.ID, "  ", txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrValidation)

	_, err = f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Reject, f.payee.ID, "incomplete", txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrForbidden)

	reviewed, err := f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Reject, f.payer.ID, "incomplete", txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.ProofRejected, reviewed.Status)
	assert.Equal(t, "incomplete", reviewed.RejectionReason)
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)

	_, err = f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Accept, f.payer.ID, "", txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)

	again, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{
		Type:  models.ProofTrackingNumber,
		Files: []string{"1Z999"},
	}, f.payee.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.ProofPending, again.Status)

	list, err := f.eng.GetEscrowProofs(ctx, esc.ID, f.payer.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAcceptedProofReleasesFundedEscrow(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_accept", "40")

	p, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: models.ProofImage}, f.payee.ID, txlog.RequestMeta{})
	require.NoError(t, err)

	_, err = f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Accept, f.payer.ID, "", txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, f.reload(t, esc.ID).Status)
	assertBalance(t, f, f.payee.ID, "40")
}

func TestAcceptedProofOnUnfundedWalletEscrowWaits(t *testing.T) {
	f := newFixture(t, "100")
	esc := f.wallet(t, "40", false)

	p, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: models.ProofLink}, f.payee.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	_, err = f.eng.ReviewDeliveryProof(ctx, p.ID, proofs.Accept, f.payer.ID, "", txlog.RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, models.EscrowDeliveredPendingRelease, f.reload(t, esc.ID).Status)
	assertBalance(t, f, f.payee.ID, "0")

	_, err = f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	assertBalance(t, f, f.payee.ID, "0")

	funded, err := f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDeliveredPendingRelease, funded.Status)
	assertBalance(t, f, f.payer.ID, "60")

	_, err = f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assertBalance(t, f, f.payee.ID, "40")
}

func TestSystemVerificationAutoAccepts(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_auto", "10")

	p, err := f.eng.SubmitSystemProof(ctx, esc.ID, proofs.Input{Type: models.ProofSystemVerification}, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.ProofAccepted, p.Status)
	assert.Zero(t, p.SubmittedBy)
	assert.Equal(t, models.EscrowDeliveredPendingRelease, f.reload(t, esc.ID).Status)

	types := f.logTypes(t, esc.ID)
	assert.Contains(t, types, models.LogProofSubmitted)
	assert.Contains(t, types, models.LogProofAutoVerified)

	// DELIVERED_PENDING_RELEASE no longer takes proofs but can still be released.
	_, err = f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: models.ProofText}, f.payee.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)

	_, err = f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assertBalance(t, f, f.payee.ID, "10")
}

func TestLogsUseEngineClock(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_clock", "10")
	f.clock.Advance(48 * time.Hour)

	released, err := f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)

	logs, err := txlog.ListForEscrow(f.db, esc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.WithinDuration(t, *released.ReleasedAt, last.CreatedAt, time.Second)
	assert.WithinDuration(t, f.clock.Now().Add(-48*time.Hour), logs[0].CreatedAt, time.Second)
}

func TestPartiesCannotSubmitSystemProofs(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_override", "10")

	for _, typ := range []models.ProofType{models.ProofAdminOverride, models.ProofSystemVerification} {
		for _, who := range []uint{f.payer.ID, f.payee.ID} {
			_, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: typ}, who, txlog.RequestMeta{})
			assert.ErrorIs(t, err, escrow.ErrForbidden, "%s from user %d", typ, who)
		}
	}
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)
	assert.NotContains(t, f.logTypes(t, esc.ID), models.LogProofSubmitted)

	_, err := f.eng.SubmitSystemProof(ctx, esc.ID, proofs.Input{Type: models.ProofText}, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrValidation)

	// Nothing was claimed, so the payer can still walk away.
	_, err = f.eng.CancelEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
}

func TestPayeeConfirmationOnlyAutoAcceptsFromPayee(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_confirm", "10")

	p, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: models.ProofPayeeConfirmation}, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.ProofPending, p.Status)
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)

	_, err = f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: "SELFIE"}, f.payee.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrValidation)
}

func TestFundWithInsufficientBalance(t *testing.T) {
	f := newFixture(t, "30")
	esc := f.wallet(t, "50", false)
	assert.Equal(t, models.PaymentPending, f.payment(t, esc.PaymentID).Status)
	assert.Nil(t, esc.ScheduleReleaseAt)

	_, err := f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	assertBalance(t, f, f.payer.ID, "30")
	assert.Equal(t, models.EscrowPending, f.reload(t, esc.ID).Status)
	assert.Nil(t, f.reload(t, esc.ID).FundedAt)
}

func TestFundFromWallet(t *testing.T) {
	f := newFixture(t, "80")
	esc := f.wallet(t, "50", false)

	_, err := f.eng.FundEscrow(ctx, esc.ID, f.payee.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrForbidden)

	funded, err := f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowFunded, funded.Status)
	assert.NotNil(t, funded.FundedAt)
	assertBalance(t, f, f.payer.ID, "30")
	assert.Equal(t, models.PaymentEscrowed, f.payment(t, esc.PaymentID).Status)

	_, err = f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	assertBalance(t, f, f.payer.ID, "30")
}

func TestOpenAndFundNow(t *testing.T) {
	f := newFixture(t, "20")

	_, err := f.eng.OpenEscrow(ctx, escrow.CreateInput{
		PayerID: f.payer.ID,
		PayeeID: f.payee.ID,
		Amount:  d("25"),
		FundNow: true,
	})
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	var n int64
	require.NoError(t, f.db.Model(&models.Escrow{}).Count(&n).Error)
	assert.Zero(t, n)

	esc := f.wallet(t, "20", true)
	assert.Equal(t, models.EscrowFunded, esc.Status)
	assertBalance(t, f, f.payer.ID, "0")
}

func TestCapturedEscrowCannotBeFundedFromWallet(t *testing.T) {
	f := newFixture(t, "100")
	esc := f.captured(t, "pi_nofund", "10")

	_, err := f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	assertBalance(t, f, f.payer.ID, "100")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "0")

	cases := map[string]escrow.CreateInput{
		"same party":   {PayerID: f.payer.ID, PayeeID: f.payer.ID, Amount: d("10"), PaymentReference: "pi_a"},
		"zero amount":  {PayerID: f.payer.ID, PayeeID: f.payee.ID, Amount: d("0"), PaymentReference: "pi_b"},
		"no reference": {PayerID: f.payer.ID, PayeeID: f.payee.ID, Amount: d("10")},
		"bad provider": {PayerID: f.payer.ID, PayeeID: f.payee.ID, Amount: d("10"), PaymentReference: "pi_c", Provider: "cash"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.eng.CreateEscrow(ctx, in)
			assert.ErrorIs(t, err, escrow.ErrValidation)
		})
	}

	_, err := f.eng.CreateEscrow(ctx, escrow.CreateInput{PayerID: f.payer.ID, PayeeID: 4242, Amount: d("10"), PaymentReference: "pi_d"})
	assert.ErrorIs(t, err, escrow.ErrNotFound)

	f.captured(t, "pi_dup", "10")
	_, err = f.eng.CreateEscrow(ctx, escrow.CreateInput{PayerID: f.payer.ID, PayeeID: f.payee.ID, Amount: d("10"), PaymentReference: "pi_dup"})
	assert.ErrorIs(t, err, escrow.ErrValidation)
}

func TestRiskFlag(t *testing.T) {
	f := newFixture(t, "0")
	fresh := testutil.CreateUser(t, f.db, "fresh", "0", 24*time.Hour)

	low, err := f.eng.CreateEscrow(ctx, escrow.CreateInput{PayerID: fresh.ID, PayeeID: f.payee.ID, Amount: d("600"), PaymentReference: "pi_r1"})
	require.NoError(t, err)
	assert.False(t, low.IsHighRisk)
	assert.InDelta(t, 0.7, low.RiskScore, 1e-9)

	high, err := f.eng.CreateEscrow(ctx, escrow.CreateInput{PayerID: fresh.ID, PayeeID: f.payee.ID, Amount: d("1500"), PaymentReference: "pi_r2"})
	require.NoError(t, err)
	assert.True(t, high.IsHighRisk)
	assert.Contains(t, high.Metadata, `"high_risk":true`)

	old := f.captured(t, "pi_r3", "1500")
	assert.False(t, old.IsHighRisk)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, "100")
	esc := f.wallet(t, "60", true)
	assertBalance(t, f, f.payer.ID, "40")

	_, err := f.eng.IssueRefund(ctx, esc.ID, f.payer.ID, "changed mind", txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrForbidden)

	refunded, err := f.eng.IssueRefund(ctx, esc.ID, f.payee.ID, "out of stock", txlog.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)
	assertBalance(t, f, f.payer.ID, "100")
	assertBalance(t, f, f.payee.ID, "0")
	assert.Equal(t, models.PaymentRefunded, f.payment(t, esc.PaymentID).Status)

	_, err = f.eng.IssueRefund(ctx, esc.ID, f.payee.ID, "again", txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	assertBalance(t, f, f.payer.ID, "100")
}

func TestCancel(t *testing.T) {
	t.Run("funded wallet escrow returns money", func(t *testing.T) {
		f := newFixture(t, "100")
		esc := f.wallet(t, "70", true)

		cancelled, err := f.eng.CancelEscrow(ctx, esc.ID, f.payee.ID, txlog.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.EscrowCancelled, cancelled.Status)
		assertBalance(t, f, f.payer.ID, "100")
		assert.Equal(t, models.PaymentRefunded, f.payment(t, esc.PaymentID).Status)
	})

	t.Run("unfunded escrow", func(t *testing.T) {
		f := newFixture(t, "100")
		esc := f.wallet(t, "70", false)

		_, err := f.eng.CancelEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
		require.NoError(t, err)
		assertBalance(t, f, f.payer.ID, "100")
		assert.Equal(t, models.PaymentCancelled, f.payment(t, esc.PaymentID).Status)

		_, err = f.eng.FundEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
		assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
		assertBalance(t, f, f.payer.ID, "100")
	})

	t.Run("pending claim blocks cancel", func(t *testing.T) {
		f := newFixture(t, "0")
		esc := f.captured(t, "pi_claim", "10")
		_, err := f.eng.SubmitDeliveryProof(ctx, esc.ID, proofs.Input{Type: models.ProofDocument}, f.payee.ID, txlog.RequestMeta{})
		require.NoError(t, err)

		_, err = f.eng.CancelEscrow(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
		assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	})

	t.Run("stranger", func(t *testing.T) {
		f := newFixture(t, "0")
		esc := f.captured(t, "pi_stranger", "10")
		other := testutil.CreateUser(t, f.db, "other", "0", time.Hour)

		_, err := f.eng.CancelEscrow(ctx, esc.ID, other.ID, txlog.RequestMeta{})
		assert.ErrorIs(t, err, escrow.ErrForbidden)
	})
}

func TestChargeback(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_cb", "90")

	require.NoError(t, f.eng.HandleChargeback(ctx, "pi_cb", "dp_1", map[string]any{"reason": "fraudulent"}))
	got := f.reload(t, esc.ID)
	assert.Equal(t, models.EscrowChargebacked, got.Status)
	assert.NotNil(t, got.ChargebackAt)
	p := f.payment(t, esc.PaymentID)
	assert.Equal(t, models.PaymentChargebacked, p.Status)
	assert.Equal(t, "dp_1", p.DisputeRef)

	// Replays are no-ops.
	require.NoError(t, f.eng.HandleChargeback(ctx, "pi_cb", "dp_1", nil))
	var n int64
	require.NoError(t, f.db.Model(&models.TransactionLog{}).
		Where("entity_id = ? AND type = ?", esc.ID, models.LogChargebackReceived).
		Count(&n).Error)
	assert.EqualValues(t, 1, n)

	_, err := f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	assert.ErrorIs(t, err, escrow.ErrInvalidStateTransition)
	assertBalance(t, f, f.payee.ID, "0")
}

func TestChargebackUnknownReference(t *testing.T) {
	f := newFixture(t, "0")
	assert.NoError(t, f.eng.HandleChargeback(ctx, "pi_nope", "dp_x", nil))
}

func TestChargebackOnReleasedEscrowIsRecordedOnly(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_late", "15")
	_, err := f.eng.ReleaseFunds(ctx, esc.ID, f.payer.ID, txlog.RequestMeta{})
	require.NoError(t, err)

	require.NoError(t, f.eng.HandleChargeback(ctx, "pi_late", "dp_late", nil))
	assert.Equal(t, models.EscrowReleased, f.reload(t, esc.ID).Status)
	assert.Equal(t, models.PaymentChargebacked, f.payment(t, esc.PaymentID).Status)
	assert.Contains(t, f.logTypes(t, esc.ID), models.LogChargebackReceived)
	assertBalance(t, f, f.payee.ID, "15")
}

func TestPaymentFailedCancelsCapturedEscrow(t *testing.T) {
	f := newFixture(t, "0")
	esc := f.captured(t, "pi_fail", "15")

	require.NoError(t, f.eng.HandlePaymentFailed(ctx, "pi_fail", map[string]any{"code": "card_declined"}))
	assert.Equal(t, models.EscrowCancelled, f.reload(t, esc.ID).Status)
	assert.Equal(t, models.PaymentFailed, f.payment(t, esc.PaymentID).Status)

	require.NoError(t, f.eng.HandlePaymentFailed(ctx, "pi_fail", nil))
	require.NoError(t, f.eng.HandlePaymentFailed(ctx, "pi_unknown", nil))
}

func TestQueriesAreScopedToParties(t *testing.T) {
	f := newFixture(t, "100")
	a := f.captured(t, "pi_q1", "10")
	f.wallet(t, "5", false)
	other := testutil.CreateUser(t, f.db, "other", "0", time.Hour)

	_, err := f.eng.GetEscrowByID(ctx, a.ID, other.ID)
	assert.ErrorIs(t, err, escrow.ErrForbidden)
	_, err = f.eng.GetEscrowByID(ctx, 777, f.payer.ID)
	assert.ErrorIs(t, err, escrow.ErrNotFound)
	_, err = f.eng.GetTransactionLogs(ctx, a.ID, other.ID)
	assert.ErrorIs(t, err, escrow.ErrForbidden)

	list, total, err := f.eng.GetEscrowsByUser(ctx, f.payee.ID, nil, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 2)

	pending := models.EscrowPending
	page, total, err := f.eng.GetEscrowsByUser(ctx, f.payer.ID, &pending, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, page, 1)

	none, total, err := f.eng.GetEscrowsByUser(ctx, other.ID, nil, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)

	logs, err := f.eng.GetTransactionLogs(ctx, a.ID, f.payee.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogEscrowCreated, logs[0].Type)

	view, err := f.eng.WalletBalance(ctx, f.payer.ID, 0)
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(d("100")))
}

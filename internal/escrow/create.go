package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/ledger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

var milestoneTolerance = decimal.RequireFromString("0.01")

type MilestoneInput struct {
	Amount      decimal.Decimal
	Description string
}

type CreateInput struct {
	PayerID    uint
	PayeeID    uint
	Amount     decimal.Decimal
	Milestones []MilestoneInput
	Terms      string

	// PaymentReference and Provider identify the processor capture (CreateEscrow only).
	PaymentReference string
	Provider         string

	// FundNow debits the payer while opening (OpenEscrow only).
	FundNow bool

	Meta txlog.RequestMeta
}

type escrowMetadata struct {
	txlog.RequestMeta
	Risk riskAssessment `json:"risk"`
}

// CreateEscrow escrows a payment the processor has already captured. The
// escrow starts PENDING and is released automatically after the grace period.
func (e *Engine) CreateEscrow(ctx context.Context, in CreateInput) (*models.Escrow, error) {
	const op = "create_escrow"
	ref := strings.TrimSpace(in.PaymentReference)
	if ref == "" {
		return nil, validation(op, "payment reference is required")
	}
	provider := in.Provider
	if provider == "" {
		provider = "card"
	}
	if provider != "card" && provider != "crypto" {
		return nil, validation(op, "provider must be card or crypto")
	}

	var esc *models.Escrow
	err := e.run(ctx, op, 0, func(tx *gorm.DB) error {
		release := e.now().Add(e.cfg.GracePeriod)
		created, err := e.create(tx, op, in, models.FundingCaptured, &release, models.Payment{
			Provider:  provider,
			Reference: ref,
			Status:    models.PaymentEscrowed,
		})
		if err != nil {
			return err
		}
		esc = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// OpenEscrow creates an escrow whose funds come from the payer's wallet at
// FundEscrow time, or immediately when in.FundNow is set.
func (e *Engine) OpenEscrow(ctx context.Context, in CreateInput) (*models.Escrow, error) {
	const op = "open_escrow"
	var esc *models.Escrow
	err := e.run(ctx, op, 0, func(tx *gorm.DB) error {
		created, err := e.create(tx, op, in, models.FundingWallet, nil, models.Payment{
			Provider:  "wallet",
			Reference: "wallet_" + uuid.NewString(),
			Status:    models.PaymentPending,
		})
		if err != nil {
			return err
		}
		if in.FundNow {
			if err := e.fund(tx, op, created, in.PayerID, in.Meta); err != nil {
				return err
			}
		}
		esc = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func (e *Engine) create(tx *gorm.DB, op string, in CreateInput, mode models.FundingMode, releaseAt *time.Time, payment models.Payment) (*models.Escrow, error) {
	if in.PayerID == 0 || in.PayeeID == 0 {
		return nil, validation(op, "payer and payee are required")
	}
	if in.PayerID == in.PayeeID {
		return nil, validation(op, "payer and payee must differ")
	}
	amount, err := ledger.Normalize(in.Amount)
	if err != nil {
		return nil, validation(op, "amount must be positive")
	}
	milestones, err := buildMilestones(op, amount, in.Milestones)
	if err != nil {
		return nil, err
	}
	payer, err := loadUser(tx, op, in.PayerID)
	if err != nil {
		return nil, err
	}
	payee, err := loadUser(tx, op, in.PayeeID)
	if err != nil {
		return nil, err
	}

	payment.UserID = payer.ID
	payment.Amount = amount
	if err := tx.Create(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, validation(op, "payment reference is already escrowed")
		}
		return nil, err
	}

	risk := e.assessRisk(payer.CreatedAt, amount)
	meta, err := json.Marshal(escrowMetadata{RequestMeta: in.Meta, Risk: risk})
	if err != nil {
		return nil, err
	}
	esc := &models.Escrow{
		Amount:            amount,
		PayerID:           payer.ID,
		PayeeID:           payee.ID,
		PayerAlias:        payer.Alias,
		PayeeAlias:        payee.Alias,
		PaymentID:         payment.ID,
		Status:            models.EscrowPending,
		FundingMode:       mode,
		ScheduleReleaseAt: releaseAt,
		Terms:             strings.TrimSpace(in.Terms),
		IsHighRisk:        risk.HighRisk,
		RiskScore:         risk.Score,
		Metadata:          string(meta),
		Milestones:        milestones,
	}
	if err := tx.Create(esc).Error; err != nil {
		return nil, err
	}

	err = e.appendLog(tx, models.LogEscrowCreated, txlog.Actor(payer.ID), esc, map[string]any{
		"amount":       amount.StringFixed(2),
		"payee_id":     payee.ID,
		"funding_mode": mode,
		"payment_id":   payment.ID,
		"milestones":   len(milestones),
		"high_risk":    risk.HighRisk,
	}, in.Meta)
	if err != nil {
		return nil, err
	}
	if risk.HighRisk {
		e.log.Warn("high risk escrow created",
			zap.Uint("escrow_id", esc.ID),
			zap.Float64("risk_score", risk.Score))
	}
	return esc, nil
}

// buildMilestones validates the breakdown against the total. Without a
// breakdown a single milestone covers the whole amount. The unrounded inputs
// are checked against the total; each milestone is then stored in cents with
// the rounding remainder on the last one, so the stored rows sum exactly.
func buildMilestones(op string, total decimal.Decimal, in []MilestoneInput) ([]models.EscrowMilestone, error) {
	if len(in) == 0 {
		return []models.EscrowMilestone{{
			Amount:      total,
			Description: "Full delivery",
			Sequence:    1,
			Status:      models.MilestonePending,
		}}, nil
	}
	raw := decimal.Zero
	for i, m := range in {
		if !m.Amount.IsPositive() {
			return nil, validation(op, fmt.Sprintf("milestone %d amount must be positive", i+1))
		}
		raw = raw.Add(m.Amount)
	}
	if raw.Sub(total).Abs().GreaterThanOrEqual(milestoneTolerance) {
		return nil, validation(op, fmt.Sprintf("milestones sum to %s but escrow amount is %s", raw.String(), total.StringFixed(2)))
	}

	out := make([]models.EscrowMilestone, 0, len(in))
	stored := decimal.Zero
	for i, m := range in {
		amount := m.Amount.Round(2)
		if i == len(in)-1 {
			amount = total.Sub(stored)
		}
		if !amount.IsPositive() {
			return nil, validation(op, fmt.Sprintf("milestone %d amount must be at least 0.01", i+1))
		}
		stored = stored.Add(amount)
		out = append(out, models.EscrowMilestone{
			Amount:      amount,
			Description: strings.TrimSpace(m.Description),
			Sequence:    i + 1,
			Status:      models.MilestonePending,
		})
	}
	return out, nil
}

package escrow

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Risk weights in hundredths so the cutoff comparison is exact.
const (
	weightNewAccount = 40
	weightAmountHigh = 50
	weightAmountMid  = 30
	weightAmountLow  = 10
)

var (
	amountHigh = decimal.NewFromInt(1000)
	amountMid  = decimal.NewFromInt(500)
	amountLow  = decimal.NewFromInt(100)
)

type riskAssessment struct {
	Score      float64 `json:"score"`
	HighRisk   bool    `json:"high_risk"`
	NewAccount bool    `json:"new_account"`
}

func (e *Engine) assessRisk(payerCreatedAt time.Time, amount decimal.Decimal) riskAssessment {
	points := 0
	newAccount := e.now().Sub(payerCreatedAt) < e.cfg.NewAccountAge
	if newAccount {
		points += weightNewAccount
	}
	switch {
	case amount.GreaterThan(amountHigh):
		points += weightAmountHigh
	case amount.GreaterThan(amountMid):
		points += weightAmountMid
	case amount.GreaterThan(amountLow):
		points += weightAmountLow
	}
	cutoff := int(math.Round(e.cfg.RiskCutoff * 100))
	return riskAssessment{
		Score:      float64(points) / 100,
		HighRisk:   points > cutoff,
		NewAccount: newAccount,
	}
}

// Package webhook turns payment processor notifications into escrow commands,
// at most once per processor event id.
package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/escrow"
	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypeDisputeCreated   = "charge.dispute.created"
)

const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

var errDuplicate = errors.New("duplicate webhook event")

type Event struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	PaymentReference string         `json:"payment_reference"`
	DisputeReference string         `json:"dispute_reference"`
	Data             map[string]any `json:"data"`
}

type Result struct {
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

type Reconciler struct {
	db     *gorm.DB
	engine *escrow.Engine
	log    *zap.Logger
}

func NewReconciler(db *gorm.DB, engine *escrow.Engine, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{db: db, engine: engine, log: log}
}

// Handle records the event id and applies it in the same transaction, so a
// redelivery after a crash either finds the id committed with its effect or
// neither. Not-found references and business rejections are acknowledged;
// only infrastructure failures return an error, which asks the processor to
// redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Result, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.ID == "" || ev.Type == "" {
		return Result{}, ErrMalformedEvent
	}

	var res Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := models.WebhookEvent{
			ExternalID: ev.ID,
			Type:       ev.Type,
			Reference:  ev.PaymentReference,
			ReceivedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicate
			}
			return err
		}

		outcome, err := r.dispatch(ctx, r.engine.WithDB(tx), ev)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		now := time.Now().UTC()
		return tx.Model(&rec).Updates(map[string]any{"outcome": outcome, "processed_at": now}).Error
	})
	switch {
	case errors.Is(err, errDuplicate):
		metrics.WebhookEvents.WithLabelValues(ev.Type, OutcomeDuplicate).Inc()
		r.log.Info("duplicate webhook event", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		return Result{Duplicate: true, Outcome: OutcomeDuplicate}, nil
	case err != nil:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
		r.log.Error("webhook event failed",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err))
		return Result{}, err
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, res.Outcome).Inc()
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, eng *escrow.Engine, ev Event) (string, error) {
	var err error
	switch ev.Type {
	case TypeDisputeCreated:
		err = eng.HandleChargeback(ctx, ev.PaymentReference, ev.DisputeReference, ev.Data)
	case TypePaymentFailed:
		err = eng.HandlePaymentFailed(ctx, ev.PaymentReference, ev.Data)
	case TypePaymentSucceeded:
		// Captured escrows are created after the capture succeeded.
		return OutcomeIgnored, nil
	default:
		r.log.Info("unhandled webhook event type", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		return OutcomeIgnored, nil
	}
	if err == nil {
		return OutcomeApplied, nil
	}
	if kind := escrow.KindOf(err); kind != "" {
		r.log.Warn("webhook event rejected by escrow engine",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return OutcomeRejected, nil
	}
	return "", err
}

// Package outbox relays transaction log events to the message broker. Rows are
// written by txlog in the same transaction as the change they describe; the
// relay only ever reads them after commit, so a broker outage never affects
// escrow state.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type Config struct {
	BatchSize  int
	Interval   time.Duration
	ClaimTTL   time.Duration
	MaxRetries int
}

type Relay struct {
	db  *gorm.DB
	pub Publisher
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func NewRelay(db *gorm.DB, pub Publisher, cfg Config, log *zap.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{db: db, pub: pub, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("outbox relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it. It returns how many events went out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	token := uuid.NewString()
	rows, err := r.claim(ctx, token)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, row := range rows {
		if err := r.pub.Publish(ctx, row.EventType, []byte(row.Payload), row.PartitionKey); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			r.log.Warn("outbox publish failed",
				zap.String("outbox_id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Int("retry_count", row.RetryCount),
				zap.Error(err))
			if markErr := r.markFailed(ctx, row.ID, token, err); markErr != nil {
				return published, markErr
			}
			continue
		}
		if err := r.markPublished(ctx, row.ID, token); err != nil {
			return published, err
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		published++
	}
	return published, nil
}

func (r *Relay) claim(ctx context.Context, token string) ([]models.OutboxEvent, error) {
	now := r.now()
	until := now.Add(r.cfg.ClaimTTL)
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates := tx.Model(&models.OutboxEvent{}).
			Select("id").
			Where("published_at IS NULL").
			Where("retry_count < ?", r.cfg.MaxRetries).
			Where("(claim_until IS NULL OR claim_until < ?)", now).
			Order("log_id ASC").
			Limit(r.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		if err := tx.Model(&models.OutboxEvent{}).
			Where("id IN (?)", candidates).
			Updates(map[string]any{"claim_token": token, "claim_until": until}).Error; err != nil {
			return err
		}
		return tx.Where("claim_token = ? AND published_at IS NULL", token).
			Order("log_id ASC").
			Find(&rows).Error
	})
	return rows, err
}

func (r *Relay) markPublished(ctx context.Context, id, token string) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"published_at": r.now(),
			"claim_token":  nil,
			"claim_until":  nil,
		}).Error
}

func (r *Relay) markFailed(ctx context.Context, id, token string, cause error) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
			"claim_token": nil,
			"claim_until": nil,
		}).Error
}

package escrow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

// ProcessScheduledReleases completes every PENDING escrow whose grace
// period has passed. Each escrow settles in its own transaction; a failure is
// logged and the sweep moves on. Escrows already in DELIVERED_PENDING_RELEASE
// wait for the payer. WALLET escrows carry no release deadline and never
// match. It returns how many escrows were released.
func (e *Engine) ProcessScheduledReleases(ctx context.Context) (int, error) {
	const op = "scheduled_release"
	now := e.now()
	released := 0
	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		var ids []uint
		err := e.db.WithContext(ctx).Model(&models.Escrow{}).
			Where("status = ? AND schedule_release_at IS NOT NULL AND schedule_release_at <= ? AND id > ?",
				models.EscrowPending, now, afterID).
			Order("id").
			Limit(e.cfg.SweepBatchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return released, err
		}
		if len(ids) == 0 {
			return released, nil
		}
		for _, id := range ids {
			ok, err := e.releaseDue(ctx, op, id, now)
			switch {
			case err != nil:
				metrics.ScheduledReleases.WithLabelValues("error").Inc()
				e.log.Error("scheduled release failed", zap.Uint("escrow_id", id), zap.Error(err))
			case ok:
				released++
				metrics.ScheduledReleases.WithLabelValues("released").Inc()
			default:
				metrics.ScheduledReleases.WithLabelValues("skipped").Inc()
			}
		}
		afterID = ids[len(ids)-1]
		if len(ids) < e.cfg.SweepBatchSize {
			return released, nil
		}
	}
}

// releaseDue re-checks the escrow under its lock since a party may have acted
// between the scan and now. It reports false when there was nothing to do.
func (e *Engine) releaseDue(ctx context.Context, op string, id uint, now time.Time) (bool, error) {
	done := false
	err := e.run(ctx, op, id, func(tx *gorm.DB) error {
		esc, err := lockEscrow(tx, op, id)
		if err != nil {
			return err
		}
		if esc.Status != models.EscrowPending || !esc.Funded() {
			return nil
		}
		if esc.ScheduleReleaseAt == nil || esc.ScheduleReleaseAt.After(now) {
			return nil
		}
		if err := e.settle(tx, op, esc, nil, models.LogEscrowCompleted, "grace period elapsed", txlog.RequestMeta{}); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

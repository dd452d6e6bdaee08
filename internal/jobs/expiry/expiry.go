package expiry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/domain/model"
	"github.com/ivankudzin/vpnshop/internal/registry"
)

// Notifier tells the buyer their purchase session timed out.
type Notifier interface {
	NotifyExpired(ctx context.Context, session model.PurchaseSession) error
}

type expiryMetrics interface {
	RecordSessionsExpired(count int)
}

// Job sweeps stale purchase sessions: unfinished sessions older than the
// TTL become EXPIRED, terminal sessions past the retention window are
// dropped. Each run is a single pass; the app drives it on a ticker.
type Job struct {
	registry  *registry.Registry
	notifier  Notifier
	metrics   expiryMetrics
	ttl       time.Duration
	retention time.Duration
	logger    *zap.Logger
}

func New(reg *registry.Registry, ttl, retention time.Duration, logger *zap.Logger) *Job {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		registry:  reg,
		ttl:       ttl,
		retention: retention,
		logger:    logger,
	}
}

func (j *Job) AttachNotifier(notifier Notifier) {
	j.notifier = notifier
}

func (j *Job) AttachMetrics(metrics expiryMetrics) {
	j.metrics = metrics
}

func (j *Job) Run(ctx context.Context) error {
	expired := j.registry.SweepExpired(j.ttl)
	if len(expired) > 0 {
		if j.metrics != nil {
			j.metrics.RecordSessionsExpired(len(expired))
		}
		j.logger.Info("expired stale purchase sessions", zap.Int("expired", len(expired)))
	}

	for _, session := range expired {
		if j.notifier == nil {
			break
		}
		if err := j.notifier.NotifyExpired(ctx, session); err != nil {
			j.logger.Warn("failed to notify buyer about expired session",
				zap.String("payment_id", session.PaymentID),
				zap.Int64("buyer_id", session.BuyerID),
				zap.Error(err))
		}
	}

	if purged := j.registry.PurgeRetired(j.retention); purged > 0 {
		j.logger.Info("purged retired purchase sessions", zap.Int("purged", purged))
	}

	return nil
}

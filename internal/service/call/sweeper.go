package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"carebridge-backend/pkg/logger"
)

// StartExpirySweeper runs ExpireOverdue, ReapUnacknowledged, and
// ReapStalled on a fixed interval until ctx is cancelled. The sweep is
// idempotent, so running one per replica is safe: the conditional
// updates make concurrent sweeps close each row exactly once.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ExpireOverdue(ctx)
				if err != nil {
					logger.Error("Invitation expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("Expired overdue invitations", zap.Int("count", n))
				}

				n, err = s.ReapUnacknowledged(ctx)
				if err != nil {
					logger.Error("Unacknowledged session sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("Reaped unacknowledged sessions", zap.Int("count", n))
				}

				n, err = s.ReapStalled(ctx)
				if err != nil {
					logger.Error("Stalled session sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("Failed stalled sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

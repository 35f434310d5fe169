// Package sweeper runs the periodic deletion of expired refresh token
// records. Revocation never deletes, so without the sweep the store would
// grow without bound.
package sweeper

import (
	"context"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/services"
)

// Sweeper calls TokenService.Sweep on a fixed interval. A failed sweep is
// logged and retried on the next tick.
type Sweeper struct {
	service  *services.TokenService
	log      logging.Logger
	interval time.Duration
}

// New constructs a Sweeper with the given interval.
func New(service *services.TokenService, log logging.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, log: log, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.service.Sweep(ctx, time.Now())
			if err != nil {
				s.log.Error(ctx, "sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				s.log.Info(ctx, "swept expired refresh tokens", "count", n)
			}
		}
	}
}

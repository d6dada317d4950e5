package pull

import (
	"context"
	"time"

	"github.com/directim/relay/server/logs"
)

// RunSweeper removes expired operations once immediately, then every period until ctx is done.
// The optional report is called after every pass with the number of removed operations.
func (s *Service) RunSweeper(ctx context.Context, period time.Duration, report func(removed int)) {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		removed := s.SweepExpired()
		if removed > 0 {
			logs.Info.Println("pull: expired operations removed:", removed)
		}
		if report != nil {
			report(removed)
		}

		select {
		case <-ctx.Done():
			logs.Info.Println("pull: sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

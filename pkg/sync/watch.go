package sync

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Watch calls `run` immediately, and then again every time `trigger` fires or
// `interval` elapses, until `ctx` is cancelled. Failed runs are logged and
// retried on the next tick. `trigger` may be nil, in which case only the
// interval is used.
func Watch(ctx context.Context, clock clockwork.Clock, trigger <-chan struct{},
	interval time.Duration, run func() error) {

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := run(); err != nil {
			log.WithError(err).Errorf("Backup failed. Will retry in %s.", interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-ticker.Chan():
		}
	}
}

package dispatch

import (
	"context"
	"time"
)

// Run expires due offers on every sweep tick and, when a re-dispatch interval
// is configured, starts new rounds for trips still waiting. It returns when ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	var redispatch <-chan time.Time
	if d.cfg.RedispatchInterval > 0 {
		t := time.NewTicker(d.cfg.RedispatchInterval)
		defer t.Stop()
		redispatch = t.C
	}

	d.logger.Info("dispatch sweeper started", "sweep_interval", d.cfg.SweepInterval, "redispatch_interval", d.cfg.RedispatchInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			n, err := d.ExpireDue(ctx)
			if err != nil {
				d.logger.Warn("expire sweep failed", "error", err)
			} else if n > 0 {
				d.logger.Info("expired offers", "count", n)
			}
		case <-redispatch:
			n, err := d.RedispatchWaiting(ctx)
			if err != nil {
				d.logger.Warn("redispatch sweep failed", "error", err)
			} else if n > 0 {
				d.logger.Info("redispatched trips", "count", n)
			}
		}
	}
}

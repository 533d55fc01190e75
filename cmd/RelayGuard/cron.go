package main

import (
	"context"
	"time"

	"RelayGuard/internal/biz"
	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartGatewayCron starts the recurring background jobs:
//   - lease refresh: re-snapshots every known budget lease so that local
//     slices track the shared usage closely
//   - probe cycle: actively probes the next batch of upstream endpoints
//   - probe log sweep: prunes probe audit rows past the retention window
func StartGatewayCron(gw *conf.Gateway, lease *biz.LeaseUseCase, prober *biz.ProberUseCase, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	leaseInterval := 10 * time.Second
	if gw != nil && gw.Lease != nil && gw.Lease.RefreshInterval != nil && gw.Lease.RefreshInterval.AsDuration() > 0 {
		leaseInterval = gw.Lease.RefreshInterval.AsDuration()
	}
	probeInterval := 30 * time.Second
	if gw != nil && gw.Prober != nil && gw.Prober.Interval != nil && gw.Prober.Interval.AsDuration() > 0 {
		probeInterval = gw.Prober.Interval.AsDuration()
	}

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc("@every "+leaseInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaseInterval)
		defer cancel()

		refreshed, err := lease.RefreshAll(ctx)
		if err != nil {
			helper.Errorw("msg", "lease refresh cycle failed", "error", err)
			return
		}
		helper.Debugw("msg", "lease refresh cycle completed", "refreshed", refreshed)
	})
	if err != nil {
		helper.Errorw("msg", "failed to register lease refresh job", "error", err)
	}

	_, err = c.AddFunc("@every "+probeInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeInterval)
		defer cancel()

		probed, err := prober.RunCycle(ctx)
		if err != nil {
			helper.Errorw("msg", "probe cycle failed", "error", err)
			return
		}
		helper.Debugw("msg", "probe cycle completed", "probed", probed)
	})
	if err != nil {
		helper.Errorw("msg", "failed to register probe job", "error", err)
	}

	// Hourly is plenty: the sweep only trims rows past a multi-day window.
	_, err = c.AddFunc("0 0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		removed, err := prober.SweepProbeEvents(ctx)
		if err != nil {
			helper.Errorw("msg", "probe log sweep failed", "error", err)
			return
		}
		if removed > 0 {
			helper.Infow("msg", "probe log sweep completed", "removed", removed)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register probe log sweep job", "error", err)
	}

	c.Start()
	helper.Infow("msg", "gateway cron jobs started",
		"lease_interval", leaseInterval.String(),
		"probe_interval", probeInterval.String(),
	)

	return c
}

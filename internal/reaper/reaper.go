// Package reaper implements the Idle Reaper (spec.md §4.7, C8): a periodic
// sweep that stops runs and containers after configured inactivity
// thresholds.
//
// Grounded on the teacher's internal/monitor/backtest_monitor.go
// Start(ctx)/ticker.C/stopChan loop shape.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/activity"
	"github.com/forgepad/nodeagent/internal/logger"
)

// Cadence is the sweep interval (spec.md §4.7, "Periodic, one-minute
// cadence").
const Cadence = time.Minute

// ContainerStopper stops a user's container if it's currently running.
type ContainerStopper interface {
	StopContainerForIdle(ctx context.Context, userID string) (bool, error)
}

// RunStopper stops a user's managed run without ensuring the container.
type RunStopper interface {
	StopRunForIdle(ctx context.Context, userID string) (bool, error)
}

// Reaper periodically sweeps the activity tracker and reaps idle users.
type Reaper struct {
	tracker             *activity.Tracker
	runs                RunStopper
	containers          ContainerStopper
	stopRunAfter        time.Duration
	stopContainerAfter  time.Duration
	stop                chan struct{}
}

// New creates a Reaper. A threshold <= 0 disables reaping for that
// resource (spec.md §4.7, "safety: prevents mis-configured zero from
// immediate reaping").
func New(tracker *activity.Tracker, runs RunStopper, containers ContainerStopper, stopRunAfter, stopContainerAfter time.Duration) *Reaper {
	return &Reaper{
		tracker:            tracker,
		runs:               runs,
		containers:         containers,
		stopRunAfter:       stopRunAfter,
		stopContainerAfter: stopContainerAfter,
		stop:               make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	close(r.stop)
}

func (r *Reaper) sweep(ctx context.Context) {
	log := logger.Get(ctx)
	snapshot := r.tracker.Snapshot()
	now := time.Now()

	for userID, lastTouch := range snapshot {
		idle := now.Sub(lastTouch)

		if r.stopRunAfter > 0 && idle >= r.stopRunAfter {
			killed, err := r.runs.StopRunForIdle(ctx, userID)
			if err != nil {
				log.Warn("idle reaper: stop run failed", zap.String("userId", userID), zap.Error(err))
			} else if killed {
				log.Info("idle reaper: stopped run", zap.String("userId", userID), zap.Duration("idle", idle))
			}
		}

		if r.stopContainerAfter > 0 && idle >= r.stopContainerAfter {
			stopped, err := r.containers.StopContainerForIdle(ctx, userID)
			if err != nil {
				log.Warn("idle reaper: stop container failed", zap.String("userId", userID), zap.Error(err))
			} else if stopped {
				log.Info("idle reaper: stopped container", zap.String("userId", userID), zap.Duration("idle", idle))
			}
		}
	}
}

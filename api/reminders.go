/*
reminders.go - Pending-approval reminder scheduler

PURPOSE:
  Periodically finds pending approval requests that have waited longer
  than StaleAfter and publishes an approval_reminder event for each, so
  the notification layer can nudge the approver (and their delegate).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Publishing goes through the engine, which resolves delegates
  - A failed sweep is logged and retried on the next tick

USAGE:
  scheduler := NewReminderScheduler(engine, store, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - approval/engine.go: Remind
  - notify/publisher.go: Event delivery
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/hris-approvals/approval"
)

// StaleSource lists pending requests older than a cutoff.
type StaleSource interface {
	ListPendingSubmittedBefore(ctx context.Context, before time.Time) ([]*approval.ApprovalRequest, error)
}

// ReminderScheduler publishes reminders for stale pending requests.
type ReminderScheduler struct {
	Engine        *approval.Engine
	Source        StaleSource
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool
	Log           zerolog.Logger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReminderScheduler creates a scheduler with hourly checks and a
// two-day staleness threshold.
func NewReminderScheduler(engine *approval.Engine, source StaleSource, log zerolog.Logger) *ReminderScheduler {
	return &ReminderScheduler{
		Engine:        engine,
		Source:        source,
		CheckInterval: time.Hour,
		StaleAfter:    48 * time.Hour,
		Enabled:       true,
		Log:           log.With().Str("component", "reminders").Logger(),
	}
}

// Start begins the scheduler.
func (rs *ReminderScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info().Msg("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.Log.Info().Dur("interval", rs.CheckInterval).Dur("stale_after", rs.StaleAfter).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReminderScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Log.Info().Msg("stopped")
}

func (rs *ReminderScheduler) run() {
	defer rs.wg.Done()

	rs.Sweep(context.Background())
	for {
		select {
		case <-rs.ticker.C:
			rs.Sweep(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// Sweep sends one round of reminders and returns how many were sent.
func (rs *ReminderScheduler) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	if rs.Now != nil {
		now = rs.Now()
	}
	cutoff := now.Add(-rs.StaleAfter)

	stale, err := rs.Source.ListPendingSubmittedBefore(ctx, cutoff)
	if err != nil {
		rs.Log.Error().Err(err).Msg("listing stale approvals failed")
		return 0
	}
	for _, req := range stale {
		rs.Engine.Remind(ctx, req)
	}
	if len(stale) > 0 {
		rs.Log.Info().Int("count", len(stale)).Time("cutoff", cutoff).Msg("reminders sent")
	}
	return len(stale)
}

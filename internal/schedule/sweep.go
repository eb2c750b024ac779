package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/model"
)

// MissedNotifier receives schedules the sweep has just reclassified as
// missed, for caregiver alerting.
type MissedNotifier interface {
	DispatchMissed(s model.Schedule)
}

// View is one schedule together with its derived display status.
type View struct {
	model.Schedule
	Derived model.ScheduleStatus `json:"derivedStatus"`
}

// Sweeper runs the periodic schedule maintenance: status re-derivation for
// display, full reloads, and the missed-status sweep. It only talks to the
// adapter and never blocks on the lifecycle engine.
type Sweeper struct {
	adapter  *Adapter
	cfg      config.SweepConfig
	notifier MissedNotifier

	// onReload, when set, observes every fresh schedule list (used to
	// resync the dispenser's onboard alarms).
	onReload func(ctx context.Context, schedules []model.Schedule)

	mu       sync.RWMutex
	snapshot []View
}

// NewSweeper creates a sweeper. notifier may be nil when caregiver alerting
// is not configured.
func NewSweeper(adapter *Adapter, cfg config.SweepConfig, notifier MissedNotifier) *Sweeper {
	return &Sweeper{adapter: adapter, cfg: cfg, notifier: notifier}
}

// OnReload registers the fresh-list observer. Must be called before Run.
func (sw *Sweeper) OnReload(fn func(ctx context.Context, schedules []model.Schedule)) {
	sw.onReload = fn
}

// Snapshot returns the most recently derived schedule views.
func (sw *Sweeper) Snapshot() []View {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	out := make([]View, len(sw.snapshot))
	copy(out, sw.snapshot)
	return out
}

// Run executes the maintenance loops until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Println("Starting schedule sweeper...")

	// Populate the snapshot and program the dispenser before the first
	// tick fires.
	sw.reload(ctx)
	sw.derive(time.Now())

	derive := time.NewTicker(sw.cfg.DeriveInterval)
	reload := time.NewTicker(sw.cfg.ReloadInterval)
	missed := time.NewTicker(sw.cfg.MissedInterval)
	defer derive.Stop()
	defer reload.Stop()
	defer missed.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Schedule sweeper shutting down.")
			return
		case now := <-derive.C:
			sw.derive(now)
		case <-reload.C:
			sw.reload(ctx)
		case now := <-missed.C:
			sw.sweepMissed(ctx, now)
		}
	}
}

// reload refetches the schedule list, bypassing the cache.
func (sw *Sweeper) reload(ctx context.Context) {
	schedules, err := sw.adapter.FetchActiveSchedules(ctx, true)
	if err != nil {
		log.Printf("sweeper: reload failed: %v", err)
		return
	}
	if sw.onReload != nil {
		sw.onReload(ctx, schedules)
	}
}

// derive recomputes the displayed status of every cached schedule.
func (sw *Sweeper) derive(now time.Time) {
	schedules, err := sw.adapter.FetchActiveSchedules(context.Background(), false)
	if err != nil {
		log.Printf("sweeper: derive fetch failed: %v", err)
		return
	}

	views := make([]View, 0, len(schedules))
	for _, s := range schedules {
		views = append(views, View{
			Schedule: s,
			Derived:  model.DeriveStatus(s, now, sw.adapter.Location()),
		})
	}

	sw.mu.Lock()
	sw.snapshot = views
	sw.mu.Unlock()
}

// sweepMissed writes the missed status back for every stale pending
// schedule and dispatches caregiver alerts. The adapter's attempted set
// keeps each schedule to a single write-back per process run.
func (sw *Sweeper) sweepMissed(ctx context.Context, now time.Time) {
	schedules, err := sw.adapter.FetchActiveSchedules(ctx, false)
	if err != nil {
		log.Printf("sweeper: missed sweep fetch failed: %v", err)
		return
	}

	for _, s := range schedules {
		if s.Status != model.StatusPending {
			continue
		}
		if model.DeriveStatus(s, now, sw.adapter.Location()) != model.StatusMissed {
			continue
		}
		if !sw.adapter.markAttempted(s.ID) {
			continue
		}
		if err := sw.adapter.writeStatus(ctx, s.ID, model.StatusMissed); err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Printf("sweeper: schedule %s gone before missed write-back, treating as resolved", s.ID)
				continue
			}
			log.Printf("sweeper: missed write-back for %s failed: %v", s.ID, err)
			continue
		}
		log.Printf("sweeper: schedule %s marked missed", s.ID)
		if sw.notifier != nil {
			sw.notifier.DispatchMissed(s)
		}
	}
}

// Package engine drives the per-container dose lifecycle: alarm events in,
// capture triggers and schedule status write-backs out.
//
// Each container cycles Idle → Alerting → AwaitingPostCapture → Reconciling
// → Idle. There is no absorbing failure state; every error path returns the
// container to Idle so it is alarm-ready again.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pillnow-orchestrator/internal/device"
	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/parse"
	"pillnow-orchestrator/internal/verify"
)

// Options are the engine tunables. Zero values select the documented
// defaults; AlertingTimeout zero disables the dead-man reset.
type Options struct {
	// TriggerCooldown is the window in which a repeated trigger for the
	// same container is discarded as a hardware duplicate.
	TriggerCooldown time.Duration

	// StopCooldown is the window in which a repeated stop for the same
	// resolved container is discarded.
	StopCooldown time.Duration

	// PostCaptureDelay is the fixed wait between post-dose capture
	// acceptance and the one-shot result poll.
	PostCaptureDelay time.Duration

	// AlertingTimeout forces an alerting container back to Idle when no
	// stop ever arrives (hardware reboot mid-alarm).
	AlertingTimeout time.Duration

	// ExpectedPills is passed to the verifier as the count to match.
	ExpectedPills int
}

func (o *Options) defaults() {
	if o.TriggerCooldown <= 0 {
		o.TriggerCooldown = 3 * time.Second
	}
	if o.StopCooldown <= 0 {
		o.StopCooldown = 2 * time.Second
	}
	if o.PostCaptureDelay <= 0 {
		o.PostCaptureDelay = 3 * time.Second
	}
	if o.ExpectedPills <= 0 {
		o.ExpectedPills = 1
	}
}

// ScheduleWriter is the slice of the schedule adapter the engine needs.
type ScheduleWriter interface {
	BestPendingMatch(ctx context.Context, container int, hhmm string, now time.Time) *model.Schedule
	MarkTaken(ctx context.Context, scheduleID string) error
}

// Verifier is the slice of the verification client the engine needs.
type Verifier interface {
	TriggerCapture(ctx context.Context, containerID string, expectedCount int) error
	PollResult(ctx context.Context, containerID string) (*model.VerificationResult, error)
}

// CycleRecorder archives completed cycles. May be nil.
type CycleRecorder interface {
	RecordDoseCycle(ctx context.Context, cycle *model.DoseCycle) error
}

// Cycle outcomes recorded to history.
const (
	OutcomeTaken      = "taken"      // verification passed, schedule marked taken
	OutcomeMismatch   = "mismatch"   // verification ran and failed; schedule untouched
	OutcomeUnverified = "unverified" // no result was available in time
	OutcomeFailed     = "failed"     // post-dose capture never accepted
	OutcomeAborted    = "aborted"    // cycle cancelled (disconnect, timeout, shutdown)
)

// Engine is the dose lifecycle orchestrator.
type Engine struct {
	opts      Options
	schedules ScheduleWriter
	verifier  Verifier
	history   CycleRecorder
	now       func() time.Time

	ctx context.Context

	mu      sync.Mutex
	workers map[int]*worker
	// lastAlerting is the container of the most recent accepted trigger,
	// used to resolve stop events that omit their container token.
	lastAlerting int
}

// New creates an engine. history may be nil.
func New(opts Options, schedules ScheduleWriter, verifier Verifier, history CycleRecorder) *Engine {
	opts.defaults()
	return &Engine{
		opts:      opts,
		schedules: schedules,
		verifier:  verifier,
		history:   history,
		now:       time.Now,
		workers:   make(map[int]*worker),
	}
}

// Start binds the engine to its lifetime context. Must be called before
// Dispatch; Run does it implicitly.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		e.ctx = ctx
	}
}

// Run consumes the device link's line stream until the context is cancelled
// or the stream closes. Malformed lines are expected serial noise and are
// dropped without comment beyond a debug log.
func (e *Engine) Run(ctx context.Context, link device.Link) {
	e.Start(ctx)
	log.Println("Starting dose lifecycle engine...")

	for {
		select {
		case <-ctx.Done():
			log.Println("Dose lifecycle engine shutting down.")
			return
		case line, ok := <-link.Lines():
			if !ok {
				log.Println("Device line stream closed; dose lifecycle engine stopping.")
				return
			}
			ev, ok := parse.DecodeLine(line)
			if !ok {
				continue
			}
			e.Dispatch(ev)
		}
	}
}

// Dispatch routes one decoded alarm event to its container worker. Events for
// one container are processed strictly sequentially; different containers
// proceed in parallel.
func (e *Engine) Dispatch(ev model.AlarmEvent) {
	e.mu.Lock()
	if ev.Type == model.AlarmStopped && ev.Container == 0 {
		// Hardware omitted the container; substitute the most recently
		// triggered one. Without a prior trigger the event has no home
		// and is dropped.
		if e.lastAlerting == 0 {
			e.mu.Unlock()
			log.Println("engine: stop event without container and no active alarm, dropped")
			return
		}
		ev.Container = e.lastAlerting
	}
	w := e.workerLocked(ev.Container)
	e.mu.Unlock()

	if w == nil {
		return
	}
	w.post(event{kind: kindAlarm, alarm: ev})
}

// ResetAll aborts every in-flight cycle and forces all containers back to
// Idle. Called when the device link drops: a cancelled cycle must leave no
// partial schedule-status mutation behind.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.lastAlerting = 0
	e.mu.Unlock()

	for _, w := range workers {
		w.post(event{kind: kindReset})
	}
}

// States returns a snapshot of every known container's state, ordered by
// container id.
func (e *Engine) States() []model.ContainerState {
	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	out := make([]model.ContainerState, 0, len(workers))
	for c := 1; c <= model.NumContainers; c++ {
		for _, w := range workers {
			if w.container == c {
				out = append(out, w.snapshot())
			}
		}
	}
	return out
}

// LatestResult returns the most recent verification result for a container,
// or nil. Display data only.
func (e *Engine) LatestResult(container int) *model.VerificationResult {
	e.mu.Lock()
	w, ok := e.workers[container]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return w.latestResult()
}

// workerLocked returns the container's worker, creating it lazily. Caller
// holds e.mu.
func (e *Engine) workerLocked(container int) *worker {
	if container < 1 || container > model.NumContainers {
		log.Printf("engine: event for container %d out of range, dropped", container)
		return nil
	}
	if w, ok := e.workers[container]; ok {
		return w
	}
	if e.ctx == nil {
		log.Printf("engine: event before Start, dropped")
		return nil
	}
	w := newWorker(e, container)
	e.workers[container] = w
	go w.run(e.ctx)
	return w
}

// noteAlerting records the container of the latest accepted trigger.
func (e *Engine) noteAlerting(container int) {
	e.mu.Lock()
	e.lastAlerting = container
	e.mu.Unlock()
}

// isCaptureRejection reports whether the error consumes the post-capture
// retry budget. Transport failures do not; only an explicit rejection does.
func isCaptureRejection(err error) bool {
	return errors.Is(err, verify.ErrCaptureRejected)
}

package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/schedule"
	"pillnow-orchestrator/internal/verify"
)

// captureBackoff is the wait before each post-dose capture attempt. Only an
// explicit rejection advances to the next attempt.
var captureBackoff = []time.Duration{0, 2 * time.Second, 4 * time.Second}

type eventKind int

const (
	kindAlarm eventKind = iota
	kindReset
	kindReconcileDue
	kindCaptureFailed
	kindAlertTimeout
)

type event struct {
	kind  eventKind
	alarm model.AlarmEvent
	// gen ties internal events to the cycle that scheduled them; stale
	// generations are ignored.
	gen uint64
}

// worker serializes all state transitions for one container. Everything
// below runs on the worker goroutine; the mutex only guards snapshot reads
// from other goroutines.
type worker struct {
	engine    *Engine
	container int
	events    chan event

	mu         sync.Mutex
	state      model.ContainerState
	gen        uint64
	cycleStart time.Time

	cycleCtx    context.Context
	cycleCancel context.CancelFunc

	lastResult *model.VerificationResult
}

func newWorker(e *Engine, container int) *worker {
	return &worker{
		engine:    e,
		container: container,
		events:    make(chan event, 16),
		state: model.ContainerState{
			Container: container,
			Phase:     model.PhaseIdle,
		},
	}
}

func (w *worker) post(ev event) {
	select {
	case w.events <- ev:
	default:
		log.Printf("engine: container %d event queue full, event dropped", w.container)
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.abortCycle("shutdown")
			return
		case ev := <-w.events:
			w.handle(ev)
		}
	}
}

func (w *worker) handle(ev event) {
	switch ev.kind {
	case kindAlarm:
		switch ev.alarm.Type {
		case model.AlarmTriggered:
			w.handleTriggered(ev.alarm)
		case model.AlarmStopped:
			w.handleStopped()
		}
	case kindReset:
		w.abortCycle("link reset")
	case kindReconcileDue:
		w.handleReconcileDue(ev.gen)
	case kindCaptureFailed:
		w.handleCaptureFailed(ev.gen)
	case kindAlertTimeout:
		w.handleAlertTimeout(ev.gen)
	}
}

// handleTriggered runs the Idle → Alerting transition.
func (w *worker) handleTriggered(ev model.AlarmEvent) {
	now := w.engine.now()

	// The hardware repeats trigger notifications; anything inside the
	// cooldown window of the last accepted trigger is the same alarm.
	if !w.state.LastAlarmAt.IsZero() && now.Sub(w.state.LastAlarmAt) < w.engine.opts.TriggerCooldown {
		log.Printf("engine: container %d duplicate trigger discarded", w.container)
		return
	}
	if w.state.Phase != model.PhaseIdle {
		log.Printf("engine: container %d trigger ignored in phase %s", w.container, w.state.Phase)
		return
	}

	w.gen++
	w.cycleStart = now
	w.cycleCtx, w.cycleCancel = context.WithCancel(w.engine.ctx)

	var scheduleID string
	if match := w.engine.schedules.BestPendingMatch(w.cycleCtx, w.container, ev.HHMM, now); match != nil {
		scheduleID = match.ID
	} else {
		log.Printf("engine: container %d alarm at %s has no pending schedule", w.container, ev.HHMM)
	}

	w.mutate(func(s *model.ContainerState) {
		s.Phase = model.PhaseAlerting
		s.AlarmActive = true
		s.LastAlarmAt = now
		s.ActiveScheduleID = scheduleID
		s.ExpectedPills = w.engine.opts.ExpectedPills
	})
	w.engine.noteAlerting(w.container)
	log.Printf("engine: container %d alerting (schedule %q)", w.container, scheduleID)

	// Pre-dose capture is best effort: the alarm must present to the
	// user whether or not the verifier answers.
	go func(ctx context.Context) {
		if err := w.engine.verifier.TriggerCapture(ctx, model.ContainerID(w.container), w.engine.opts.ExpectedPills); err != nil {
			log.Printf("engine: container %d pre-dose capture failed: %v", w.container, err)
		}
	}(w.cycleCtx)

	if w.engine.opts.AlertingTimeout > 0 {
		gen := w.gen
		ctx := w.cycleCtx
		timer := time.NewTimer(w.engine.opts.AlertingTimeout)
		go func() {
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				w.post(event{kind: kindAlertTimeout, gen: gen})
			}
		}()
	}
}

// handleStopped runs the Alerting → AwaitingPostCapture transition.
func (w *worker) handleStopped() {
	now := w.engine.now()

	if !w.state.LastStopAt.IsZero() && now.Sub(w.state.LastStopAt) < w.engine.opts.StopCooldown {
		log.Printf("engine: container %d duplicate stop discarded", w.container)
		return
	}
	if w.state.Phase != model.PhaseAlerting {
		log.Printf("engine: container %d stop ignored in phase %s", w.container, w.state.Phase)
		return
	}

	w.mutate(func(s *model.ContainerState) {
		s.Phase = model.PhaseAwaitingPostCapture
		s.AlarmActive = false
		s.LastStopAt = now
	})
	log.Printf("engine: container %d dismissed, requesting post-dose capture", w.container)

	gen := w.gen
	go w.postDoseCapture(w.cycleCtx, gen)
}

// postDoseCapture requests the post-dose image with a bounded retry budget.
// Only explicit rejections consume retries; a transport failure ends the
// cycle. On acceptance it waits the fixed delay, then hands the worker the
// reconcile step.
func (w *worker) postDoseCapture(ctx context.Context, gen uint64) {
	for attempt, wait := range captureBackoff {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		err := w.engine.verifier.TriggerCapture(ctx, model.ContainerID(w.container), w.engine.opts.ExpectedPills)
		if err == nil {
			timer := time.NewTimer(w.engine.opts.PostCaptureDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
				w.post(event{kind: kindReconcileDue, gen: gen})
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !isCaptureRejection(err) {
			log.Printf("engine: container %d post-dose capture failed: %v", w.container, err)
			w.post(event{kind: kindCaptureFailed, gen: gen})
			return
		}
		log.Printf("engine: container %d post-dose capture rejected (attempt %d/%d): %v",
			w.container, attempt+1, len(captureBackoff), err)
	}

	w.post(event{kind: kindCaptureFailed, gen: gen})
}

// handleReconcileDue runs AwaitingPostCapture → Reconciling → Idle. The
// result check is a bounded one-shot: a not-ready answer ends the cycle
// rather than starting an open-ended poll per dose.
func (w *worker) handleReconcileDue(gen uint64) {
	if gen != w.gen || w.state.Phase != model.PhaseAwaitingPostCapture {
		return
	}

	w.mutate(func(s *model.ContainerState) {
		s.Phase = model.PhaseReconciling
	})

	result, err := w.engine.verifier.PollResult(w.cycleCtx, model.ContainerID(w.container))
	switch {
	case err == nil && result.Pass:
		w.setLatestResult(result)
		if w.state.ActiveScheduleID == "" {
			// Alarm fired without a matching pending schedule; nothing
			// in the backend to mark taken.
			log.Printf("engine: container %d dose verified with no schedule attached, skipping write-back", w.container)
		} else if err := w.engine.schedules.MarkTaken(w.cycleCtx, w.state.ActiveScheduleID); err != nil {
			if errors.Is(err, schedule.ErrNotFound) {
				log.Printf("engine: container %d schedule %s gone before taken write-back, treating as resolved",
					w.container, w.state.ActiveScheduleID)
			} else {
				log.Printf("engine: container %d taken write-back failed: %v", w.container, err)
			}
		} else {
			log.Printf("engine: container %d dose verified, schedule %s taken", w.container, w.state.ActiveScheduleID)
		}
		w.finishCycle(OutcomeTaken, result)
	case err == nil:
		// Negative verification never marks the dose missed; only the
		// time-based sweep does. The mismatch is surfaced for display.
		w.setLatestResult(result)
		log.Printf("engine: container %d verification mismatch (count %d, confidence %.2f)",
			w.container, result.DetectedCount, result.Confidence)
		w.finishCycle(OutcomeMismatch, result)
	case errors.Is(err, verify.ErrNotYetAvailable):
		log.Printf("engine: container %d verification result not ready, leaving dose pending", w.container)
		w.finishCycle(OutcomeUnverified, nil)
	default:
		log.Printf("engine: container %d result poll failed: %v", w.container, err)
		w.finishCycle(OutcomeUnverified, nil)
	}
}

func (w *worker) handleCaptureFailed(gen uint64) {
	if gen != w.gen || w.state.Phase != model.PhaseAwaitingPostCapture {
		return
	}
	log.Printf("engine: container %d post-dose capture exhausted, dose left pending", w.container)
	w.finishCycle(OutcomeFailed, nil)
}

func (w *worker) handleAlertTimeout(gen uint64) {
	if gen != w.gen || w.state.Phase != model.PhaseAlerting {
		return
	}
	log.Printf("engine: container %d alerting timed out without dismissal, resetting", w.container)
	w.abortCycle("alerting timeout")
}

// finishCycle archives the cycle and returns the container to Idle.
func (w *worker) finishCycle(outcome string, result *model.VerificationResult) {
	w.recordCycle(outcome, result)
	if w.cycleCancel != nil {
		w.cycleCancel()
		w.cycleCancel = nil
	}
	w.mutate(func(s *model.ContainerState) {
		s.Phase = model.PhaseIdle
		s.AlarmActive = false
		s.ActiveScheduleID = ""
	})
}

// abortCycle cancels any in-flight work and forces Idle. A cancelled cycle
// must leave no partial schedule-status mutation behind, which holds because
// every write-back runs on the cycle context.
func (w *worker) abortCycle(reason string) {
	if w.cycleCancel != nil {
		w.cycleCancel()
		w.cycleCancel = nil
	}
	if w.state.Phase == model.PhaseIdle {
		return
	}
	log.Printf("engine: container %d cycle aborted (%s)", w.container, reason)
	w.recordCycle(OutcomeAborted, nil)
	w.mutate(func(s *model.ContainerState) {
		s.Phase = model.PhaseIdle
		s.AlarmActive = false
		s.ActiveScheduleID = ""
	})
}

func (w *worker) recordCycle(outcome string, result *model.VerificationResult) {
	if w.engine.history == nil {
		return
	}
	cycle := &model.DoseCycle{
		Container:  w.container,
		ScheduleID: w.state.ActiveScheduleID,
		StartedAt:  w.cycleStart,
		EndedAt:    w.engine.now(),
		Outcome:    outcome,
	}
	if result != nil {
		cycle.VerifyPass = result.Pass
		cycle.VerifyCount = result.DetectedCount
		cycle.VerifyConfidence = result.Confidence
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.engine.history.RecordDoseCycle(ctx, cycle); err != nil {
		log.Printf("engine: container %d history write failed: %v", w.container, err)
	}
}

// mutate applies a state change under the worker's snapshot lock. One lock
// per container keeps snapshot reads cheap without serializing containers
// against each other.
func (w *worker) mutate(fn func(*model.ContainerState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.state)
}

func (w *worker) snapshot() model.ContainerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) latestResult() *model.VerificationResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastResult
}

func (w *worker) setLatestResult(r *model.VerificationResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastResult = r
}

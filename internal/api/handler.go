package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/schedule"
	"pillnow-orchestrator/internal/store"
)

// StateSource exposes the live container state machine to the API.
type StateSource interface {
	States() []model.ContainerState
	LatestResult(container int) *model.VerificationResult
}

// ScheduleSource exposes the sweeper's schedule snapshot.
type ScheduleSource interface {
	Snapshot() []schedule.View
}

// Commander sends a raw command to the dispenser.
type Commander interface {
	Send(command string) error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	states    StateSource
	schedules ScheduleSource
	store     store.Store
	device    Commander
	webpush   *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(states StateSource, schedules ScheduleSource, s store.Store, device Commander, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		states:    states,
		schedules: schedules,
		store:     s,
		device:    device,
		webpush:   webpushOptions,
	}
}

package model

import (
	"fmt"
	"time"
)

// ScheduleStatus is the lifecycle status of a planned dose.
type ScheduleStatus string

const (
	StatusPending ScheduleStatus = "pending"
	StatusMissed  ScheduleStatus = "missed"
	StatusTaken   ScheduleStatus = "taken"
)

// Schedule represents one planned dose as held by the backend store.
type Schedule struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	MedicationID string         `json:"medicationId"`
	Container    int            `json:"container"`
	Date         string         `json:"date"` // YYYY-MM-DD, local calendar date
	Time         string         `json:"time"` // HH:MM, local wall clock
	Status       ScheduleStatus `json:"status"`
	AlertSent    bool           `json:"alertSent"`
}

// At resolves the schedule's calendar date and wall-clock time into an
// absolute instant in the given location.
func (s Schedule) At(loc *time.Location) (time.Time, error) {
	ts, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %s has unparseable date/time %q %q: %w", s.ID, s.Date, s.Time, err)
	}
	return ts, nil
}

// MissedGrace is how far past its scheduled instant a pending dose may be
// before it is displayed as missed. The buffer absorbs clock skew and the
// first render after startup.
const MissedGrace = 60 * time.Second

// DeriveStatus returns the status a schedule should display at the given
// instant. Pure function: stored Taken and Missed statuses are never
// overridden; a Pending (or empty) status older than the grace window is
// reported as Missed regardless of whether the backend write-back landed yet.
func DeriveStatus(s Schedule, now time.Time, loc *time.Location) ScheduleStatus {
	switch s.Status {
	case StatusTaken, StatusMissed:
		return s.Status
	}
	at, err := s.At(loc)
	if err != nil {
		return StatusPending
	}
	if now.Sub(at) > MissedGrace {
		return StatusMissed
	}
	return StatusPending
}

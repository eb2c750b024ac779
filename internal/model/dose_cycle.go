package model

import "time"

// DoseCycle is the historical record of one completed Idle→...→Idle traversal
// for a container.
type DoseCycle struct {
	ID         int64     `gorm:"autoIncrement;primaryKey" json:"id"`
	Container  int       `gorm:"not null;index" json:"container"`
	ScheduleID string    `gorm:"size:64;index" json:"scheduleId"`
	StartedAt  time.Time `gorm:"not null;index" json:"startedAt"`
	EndedAt    time.Time `gorm:"not null" json:"endedAt"`
	Outcome    string    `gorm:"size:32;not null" json:"outcome"` // "taken", "mismatch", "unverified", "failed", "aborted"

	// Verification snapshot, zero-valued when no result was obtained.
	VerifyPass       bool    `json:"verifyPass"`
	VerifyCount      int     `json:"verifyCount"`
	VerifyConfidence float64 `json:"verifyConfidence"`
}

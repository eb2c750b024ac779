package model

import (
	"fmt"
	"time"
)

// NumContainers is the number of physical pill compartments on the dispenser.
const NumContainers = 3

// ContainerPhase is the dose-cycle state of one container.
type ContainerPhase string

const (
	PhaseIdle                ContainerPhase = "idle"
	PhaseAlerting            ContainerPhase = "alerting"
	PhaseAwaitingPostCapture ContainerPhase = "awaiting_post_capture"
	PhaseReconciling         ContainerPhase = "reconciling"
)

// ContainerID renders a container number in the wire form used by the
// verifier service ("container2").
func ContainerID(container int) string {
	return fmt.Sprintf("container%d", container)
}

// ContainerState is the externally visible snapshot of one container's
// dose-cycle progress. Owned and mutated exclusively by the lifecycle engine.
type ContainerState struct {
	Container        int            `json:"container"`
	Phase            ContainerPhase `json:"phase"`
	AlarmActive      bool           `json:"alarmActive"`
	LastAlarmAt      time.Time      `json:"lastAlarmAt"`
	LastStopAt       time.Time      `json:"lastStopAt"`
	ActiveScheduleID string         `json:"activeScheduleId,omitempty"`
	ExpectedPills    int            `json:"expectedPills"`
}

// AlarmEvent is a decoded hardware notification.
type AlarmEvent struct {
	Type      AlarmEventType
	Container int    // 0 when a stop event omitted its container token
	HHMM      string // trigger events only, normalized to HH:MM
}

// AlarmEventType distinguishes the two notifications the dispenser emits.
type AlarmEventType string

const (
	AlarmTriggered AlarmEventType = "triggered"
	AlarmStopped   AlarmEventType = "stopped"
)

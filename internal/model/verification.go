package model

// ClassCount is one detected pill class and how many instances were seen.
type ClassCount struct {
	Label string `json:"label"`
	N     int    `json:"n"`
}

// VerificationResult is the outcome of one capture+analysis cycle, as
// reported by the verifier service. Display data only; schedule status is
// the authoritative state.
type VerificationResult struct {
	ContainerID     string       `json:"containerId"`
	Pass            bool         `json:"pass"`
	DetectedCount   int          `json:"count"`
	DetectedClasses []ClassCount `json:"classesDetected"`
	Confidence      float64      `json:"confidence"`
}

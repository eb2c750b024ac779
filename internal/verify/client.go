// Package verify wraps the image-verification service. Calls are stateless;
// retry and poll cadence belong to the lifecycle engine, where timing is
// coordinated with the alarm phase.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pillnow-orchestrator/internal/model"
)

var (
	// ErrServiceUnreachable indicates a network-level failure talking to
	// the verifier.
	ErrServiceUnreachable = errors.New("verifier unreachable")

	// ErrServiceStarting indicates the verifier answered but its analysis
	// model is not loaded yet. Callers should wait longer, not fail fast.
	ErrServiceStarting = errors.New("verifier still starting")

	// ErrTimeout indicates the call exceeded the client timeout.
	ErrTimeout = errors.New("verifier timeout")

	// ErrMalformedResponse indicates the verifier returned a body that
	// does not match its contract.
	ErrMalformedResponse = errors.New("malformed verifier response")

	// ErrCaptureRejected indicates the verifier explicitly declined a
	// capture request.
	ErrCaptureRejected = errors.New("capture rejected")

	// ErrNotYetAvailable indicates no result is ready for the container.
	ErrNotYetAvailable = errors.New("verification result not yet available")
)

// Client is an HTTP client for the verifier service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a verifier client. timeout bounds every call; it
// defaults to 20 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type captureRequest struct {
	ContainerID   string `json:"containerId"`
	ExpectedCount int    `json:"expectedCount"`
}

type captureResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// TriggerCapture asks the verifier to capture and analyze one image for the
// container. One HTTP call, no built-in retry. A nil return means the
// request was accepted.
func (c *Client) TriggerCapture(ctx context.Context, containerID string, expectedCount int) error {
	body, err := json.Marshal(captureRequest{
		ContainerID:   containerID,
		ExpectedCount: expectedCount,
	})
	if err != nil {
		return fmt.Errorf("marshal capture request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/capture", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading capture response: %v", ErrMalformedResponse, err)
	}

	if starting(resp.StatusCode, raw) {
		return ErrServiceStarting
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: capture returned status %d", ErrServiceUnreachable, resp.StatusCode)
	}

	var cr captureResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !cr.Accepted {
		if cr.Reason != "" {
			return fmt.Errorf("%w: %s", ErrCaptureRejected, cr.Reason)
		}
		return ErrCaptureRejected
	}
	return nil
}

type resultResponse struct {
	Pass            *bool              `json:"pass"`
	Count           int                `json:"count"`
	ClassesDetected []model.ClassCount `json:"classesDetected"`
	Confidence      float64            `json:"confidence"`
}

// PollResult performs one non-blocking check for the latest verification
// result of the container. Callers implement their own wait cadence.
func (c *Client) PollResult(ctx context.Context, containerID string) (*model.VerificationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/results/"+containerID, nil)
	if err != nil {
		return nil, fmt.Errorf("create result request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading result response: %v", ErrMalformedResponse, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, ErrNotYetAvailable
	case starting(resp.StatusCode, raw):
		return nil, ErrServiceStarting
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: result returned status %d", ErrServiceUnreachable, resp.StatusCode)
	}

	var rr resultResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if rr.Pass == nil {
		// The verifier answers 200 with {"status":"not ready"} while an
		// analysis is in flight.
		return nil, ErrNotYetAvailable
	}

	return &model.VerificationResult{
		ContainerID:     containerID,
		Pass:            *rr.Pass,
		DetectedCount:   rr.Count,
		DetectedClasses: rr.ClassesDetected,
		Confidence:      rr.Confidence,
	}, nil
}

// starting detects the verifier's "model not loaded" answer, which warrants
// waiting rather than failing fast.
func starting(status int, body []byte) bool {
	if status != http.StatusServiceUnavailable {
		return false
	}
	s := strings.ToLower(string(body))
	return strings.Contains(s, "loading") || strings.Contains(s, "not loaded") || strings.Contains(s, "starting")
}

func classifyTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
}

package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerCapture(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "accepted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/capture", r.URL.Path)

				var req map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "container2", req["containerId"])
				assert.Equal(t, float64(2), req["expectedCount"])

				json.NewEncoder(w).Encode(map[string]any{"accepted": true})
			},
			wantErr: nil,
		},
		{
			name: "rejected with reason",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"accepted": false, "reason": "camera busy"})
			},
			wantErr: ErrCaptureRejected,
		},
		{
			name: "model still loading",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]any{"detail": "model not loaded"})
			},
			wantErr: ErrServiceStarting,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: ErrServiceUnreachable,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			client := NewClient(server.URL, 2*time.Second)
			err := client.TriggerCapture(context.Background(), "container2", 2)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestTriggerCaptureUnreachable(t *testing.T) {
	// Port 1 is never listening.
	client := NewClient("http://127.0.0.1:1", time.Second)
	err := client.TriggerCapture(context.Background(), "container1", 1)
	assert.ErrorIs(t, err, ErrServiceUnreachable)
}

func TestPollResult(t *testing.T) {
	pass := true
	testCases := []struct {
		name     string
		handler  http.HandlerFunc
		wantErr  error
		wantPass bool
	}{
		{
			name: "result ready",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/results/container2", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]any{
					"pass":            pass,
					"count":           2,
					"classesDetected": []map[string]any{{"label": "aspirin", "n": 2}},
					"confidence":      0.91,
				})
			},
			wantPass: true,
		},
		{
			name: "not ready 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: ErrNotYetAvailable,
		},
		{
			name: "not ready body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"status": "not ready"})
			},
			wantErr: ErrNotYetAvailable,
		},
		{
			name: "still starting",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("engine loading"))
			},
			wantErr: ErrServiceStarting,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			client := NewClient(server.URL, 2*time.Second)
			result, err := client.PollResult(context.Background(), "container2")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "container2", result.ContainerID)
			assert.Equal(t, tc.wantPass, result.Pass)
			assert.Equal(t, 2, result.DetectedCount)
			require.Len(t, result.DetectedClasses, 1)
			assert.Equal(t, "aspirin", result.DetectedClasses[0].Label)
			assert.InDelta(t, 0.91, result.Confidence, 1e-9)
		})
	}
}

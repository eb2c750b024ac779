package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/model"
)

type recordingNotifier struct {
	mu     sync.Mutex
	missed []model.Schedule
}

func (n *recordingNotifier) DispatchMissed(s model.Schedule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, s)
}

func (n *recordingNotifier) missedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.missed))
	for _, s := range n.missed {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestSweeperDeriveSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	schedules := []model.Schedule{
		{ID: "s-future", Container: 1, Date: "2026-03-10", Time: "20:00", Status: model.StatusPending},
		{ID: "s-stale", Container: 2, Date: "2026-03-10", Time: "08:00", Status: model.StatusPending},
		{ID: "s-taken", Container: 3, Date: "2026-03-10", Time: "07:00", Status: model.StatusTaken},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(schedules)
	}))
	defer server.Close()

	sw := NewSweeper(newTestAdapter(t, server.URL), config.SweepConfig{}, nil)
	sw.derive(now)

	views := sw.Snapshot()
	require.Len(t, views, 3)

	derived := make(map[string]model.ScheduleStatus, len(views))
	for _, v := range views {
		derived[v.ID] = v.Derived
	}
	assert.Equal(t, model.StatusPending, derived["s-future"])
	assert.Equal(t, model.StatusMissed, derived["s-stale"], "past the grace window a pending dose displays as missed")
	assert.Equal(t, model.StatusTaken, derived["s-taken"], "stored statuses are never overridden")
}

func TestSweeperMissedSweep(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	schedules := []model.Schedule{
		{ID: "s-stale", Container: 1, Date: "2026-03-10", Time: "08:00", Status: model.StatusPending},
		{ID: "s-future", Container: 1, Date: "2026-03-10", Time: "20:00", Status: model.StatusPending},
		{ID: "s-gone", Container: 2, Date: "2026-03-10", Time: "07:00", Status: model.StatusPending},
	}

	var patched []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			id := r.URL.Path[len("/schedules/"):]
			if id == "s-gone" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			patched = append(patched, id)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(schedules)
	}))
	defer server.Close()

	notifier := &recordingNotifier{}
	sw := NewSweeper(newTestAdapter(t, server.URL), config.SweepConfig{}, notifier)

	sw.sweepMissed(context.Background(), now)

	assert.Equal(t, []string{"s-stale"}, patched, "only the stale pending dose is written back")
	assert.Equal(t, []string{"s-stale"}, notifier.missedIDs(), "a vanished schedule produces no alert")

	// A second sweep is a no-op: each schedule gets one write-back attempt
	// per process run.
	sw.sweepMissed(context.Background(), now)
	assert.Equal(t, []string{"s-stale"}, patched)
	assert.Equal(t, []string{"s-stale"}, notifier.missedIDs())
}

func TestSweeperReloadObserver(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"s-1","container":1,"date":"2026-03-10","time":"08:00","status":"pending"}]`)
	}))
	defer server.Close()

	sw := NewSweeper(newTestAdapter(t, server.URL), config.SweepConfig{}, nil)

	var observed []model.Schedule
	sw.OnReload(func(ctx context.Context, schedules []model.Schedule) {
		calls++
		observed = schedules
	})

	sw.reload(context.Background())

	assert.Equal(t, 1, calls)
	require.Len(t, observed, 1)
	assert.Equal(t, "s-1", observed[0].ID)
}

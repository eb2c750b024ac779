package internal

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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/device"
	"pillnow-orchestrator/internal/engine"
	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/planner"
	"pillnow-orchestrator/internal/schedule"
	"pillnow-orchestrator/internal/store"
	"pillnow-orchestrator/internal/verify"
)

// doseTestEnv wires a fake dispenser, a mock schedule backend, a mock
// verifier and an in-memory database into a running lifecycle engine.
type doseTestEnv struct {
	link     *device.FakeLink
	eng      *engine.Engine
	adapter  *schedule.Adapter
	plan     *planner.Planner
	db       *gorm.DB
	backend  *httptest.Server
	verifier *httptest.Server

	mu         sync.Mutex
	patched    map[string]string // schedule id -> last written status
	verifyPass bool
}

func (env *doseTestEnv) patchedStatus(id string) string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.patched[id]
}

func setupDoseEnv(t *testing.T, schedules []model.Schedule, verifyPass bool) *doseTestEnv {
	t.Helper()

	testDB, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, testDB.AutoMigrate(&model.DoseCycle{}, &model.PushSubscription{}))

	env := &doseTestEnv{
		db:         testDB,
		patched:    make(map[string]string),
		verifyPass: verifyPass,
	}

	// Mock schedule backend: list endpoint plus status write-back.
	env.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			var body struct {
				Status string `json:"status"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			env.mu.Lock()
			env.patched[r.URL.Path[len("/schedules/"):]] = body.Status
			env.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}

		// The production backend wraps the list in a data envelope.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"items": schedules},
		})
	}))
	t.Cleanup(env.backend.Close)

	// Mock verifier: capture always accepted, one canned result.
	env.verifier = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"accepted":true}`)
			return
		}
		env.mu.Lock()
		pass := env.verifyPass
		env.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"pass":       pass,
			"count":      2,
			"confidence": 0.93,
		})
	}))
	t.Cleanup(env.verifier.Close)

	adapter, err := schedule.NewAdapter(config.BackendConfig{
		BaseURL:         env.backend.URL,
		Timeout:         5 * time.Second,
		CacheTTLSeconds: 1,
		Timezone:        "UTC",
		UserID:          "caregiver-1",
		ElderID:         "elder-1",
	}, schedule.UserContext{UserID: "caregiver-1", ElderID: "elder-1"})
	require.NoError(t, err)
	env.adapter = adapter

	env.link = device.NewFakeLink()
	require.NoError(t, env.link.Connect(context.Background()))
	env.plan = planner.New(env.link)

	env.eng = engine.New(engine.Options{
		TriggerCooldown:  50 * time.Millisecond,
		StopCooldown:     30 * time.Millisecond,
		PostCaptureDelay: 20 * time.Millisecond,
		ExpectedPills:    2,
	}, adapter, verify.NewClient(env.verifier.URL, 5*time.Second), store.NewGormStore(testDB))

	return env
}

func waitForPhase(t *testing.T, eng *engine.Engine, container int, phase model.ContainerPhase) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, s := range eng.States() {
			if s.Container == container {
				return s.Phase == phase
			}
		}
		return phase == model.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)
}

// TestDoseCycleEndToEnd drives one complete dose cycle through the real
// wiring: alarm plan sync, hardware trigger, dismissal, post-dose capture,
// verification and the taken write-back.
func TestDoseCycleEndToEnd(t *testing.T) {
	today := time.Now().UTC().Format("2006-01-02")
	env := setupDoseEnv(t, []model.Schedule{
		{ID: "s-1", UserID: "elder-1", MedicationID: "med-1", Container: 1, Date: today, Time: "08:00", Status: model.StatusPending},
		{ID: "s-2", UserID: "elder-1", MedicationID: "med-2", Container: 2, Date: today, Time: "20:30", Status: model.StatusPending},
	}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.eng.Run(ctx, env.link)

	// Alarm plan sync pushes the full plan, clear first.
	schedules, err := env.adapter.FetchActiveSchedules(ctx, true)
	require.NoError(t, err)
	require.NoError(t, env.plan.Sync(schedules, true))
	assert.Equal(t, []string{
		"SCHED CLEAR",
		"SCHED ADD 08:00 1",
		"SCHED ADD 20:30 2",
	}, env.link.SentCommands())

	// The dispenser fires and the elder dismisses the alarm.
	env.link.Inject("ALARM_TRIGGERED C1 08:00")
	waitForPhase(t, env.eng, 1, model.PhaseAlerting)

	env.link.Inject("ALARM_STOPPED C1")
	waitForPhase(t, env.eng, 1, model.PhaseIdle)

	// The backend saw the taken write-back.
	assert.Eventually(t, func() bool {
		return env.patchedStatus("s-1") == "taken"
	}, 5*time.Second, 10*time.Millisecond)

	// The cycle landed in local history.
	var cycles []model.DoseCycle
	require.NoError(t, env.db.Find(&cycles).Error)
	require.Len(t, cycles, 1)
	assert.Equal(t, 1, cycles[0].Container)
	assert.Equal(t, "s-1", cycles[0].ScheduleID)
	assert.Equal(t, engine.OutcomeTaken, cycles[0].Outcome)
	assert.True(t, cycles[0].VerifyPass)
	assert.Equal(t, 2, cycles[0].VerifyCount)

	// Container 2 was never disturbed.
	for _, s := range env.eng.States() {
		if s.Container == 2 {
			t.Errorf("container 2 should have no state yet, got phase %s", s.Phase)
		}
	}
}

// TestDoseCycleVerificationMismatch runs a full cycle whose verification
// fails: the schedule stays pending and the mismatch is recorded locally.
func TestDoseCycleVerificationMismatch(t *testing.T) {
	today := time.Now().UTC().Format("2006-01-02")
	env := setupDoseEnv(t, []model.Schedule{
		{ID: "s-1", UserID: "elder-1", MedicationID: "med-1", Container: 3, Date: today, Time: "12:00", Status: model.StatusPending},
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.eng.Run(ctx, env.link)

	env.link.Inject("ALARM_TRIGGERED C3 12:00")
	waitForPhase(t, env.eng, 3, model.PhaseAlerting)

	env.link.Inject("ALARM_STOPPED")
	waitForPhase(t, env.eng, 3, model.PhaseIdle)

	assert.Eventually(t, func() bool {
		var n int64
		env.db.Model(&model.DoseCycle{}).Count(&n)
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No status write-back happened.
	assert.Empty(t, env.patchedStatus("s-1"))

	var cycle model.DoseCycle
	require.NoError(t, env.db.First(&cycle).Error)
	assert.Equal(t, 3, cycle.Container)
	assert.Equal(t, engine.OutcomeMismatch, cycle.Outcome)
	assert.False(t, cycle.VerifyPass)

	result := env.eng.LatestResult(3)
	require.NotNil(t, result)
	assert.False(t, result.Pass)
	assert.Equal(t, 2, result.DetectedCount)
}

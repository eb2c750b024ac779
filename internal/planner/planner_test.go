package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillnow-orchestrator/internal/device"
	"pillnow-orchestrator/internal/model"
)

func TestComputePlan(t *testing.T) {
	testCases := []struct {
		name      string
		schedules []model.Schedule
		want      []string
	}{
		{
			name:      "empty set still clears",
			schedules: nil,
			want:      []string{"SCHED CLEAR"},
		},
		{
			name: "duplicates collapsed, container then time order",
			schedules: []model.Schedule{
				{ID: "a", Container: 1, Time: "08:00"},
				{ID: "b", Container: 1, Time: "08:00"},
				{ID: "c", Container: 2, Time: "09:00"},
			},
			want: []string{"SCHED CLEAR", "SCHED ADD 08:00 1", "SCHED ADD 09:00 2"},
		},
		{
			name: "sorts across containers and times",
			schedules: []model.Schedule{
				{ID: "a", Container: 3, Time: "07:00"},
				{ID: "b", Container: 1, Time: "21:30"},
				{ID: "c", Container: 1, Time: "08:15"},
			},
			want: []string{"SCHED CLEAR", "SCHED ADD 08:15 1", "SCHED ADD 21:30 1", "SCHED ADD 07:00 3"},
		},
		{
			name: "invalid container and empty time skipped",
			schedules: []model.Schedule{
				{ID: "a", Container: 0, Time: "08:00"},
				{ID: "b", Container: 4, Time: "08:00"},
				{ID: "c", Container: 2, Time: ""},
				{ID: "d", Container: 2, Time: "10:00"},
			},
			want: []string{"SCHED CLEAR", "SCHED ADD 10:00 2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputePlan(tc.schedules))
		})
	}
}

func TestSyncRateLimiting(t *testing.T) {
	link := device.NewFakeLink()
	require.NoError(t, link.Connect(context.Background()))

	p := New(link)
	schedules := []model.Schedule{{ID: "a", Container: 1, Time: "08:00"}}

	require.NoError(t, p.Sync(schedules, false))
	assert.Len(t, link.SentCommands(), 2)

	// Second sync inside the window is a no-op.
	require.NoError(t, p.Sync(schedules, false))
	assert.Len(t, link.SentCommands(), 2)

	// Forced sync goes through regardless.
	require.NoError(t, p.Sync(nil, true))
	assert.Equal(t, "SCHED CLEAR", link.SentCommands()[2])
	assert.Len(t, link.SentCommands(), 3)
}

func TestSyncForcedOpensRateWindow(t *testing.T) {
	link := device.NewFakeLink()
	require.NoError(t, link.Connect(context.Background()))

	p := New(link)
	schedules := []model.Schedule{{ID: "a", Container: 1, Time: "08:00"}}

	// A forced sync, like any successful sync, opens the window.
	require.NoError(t, p.Sync(schedules, true))
	assert.Len(t, link.SentCommands(), 2)

	// So an unforced sync right after it is a no-op instead of
	// resending the whole plan.
	require.NoError(t, p.Sync(schedules, false))
	assert.Len(t, link.SentCommands(), 2)
}

func TestSyncAbortsOnSendFailure(t *testing.T) {
	link := device.NewFakeLink()
	require.NoError(t, link.Connect(context.Background()))
	link.SendError = errors.New("link dropped")

	p := New(link)
	err := p.Sync([]model.Schedule{{ID: "a", Container: 1, Time: "08:00"}}, false)
	assert.Error(t, err)
	assert.Empty(t, link.SentCommands())

	// The failed attempt did not consume the rate-limit window.
	link.SendError = nil
	require.NoError(t, p.Sync([]model.Schedule{{ID: "a", Container: 1, Time: "08:00"}}, false))
	assert.Len(t, link.SentCommands(), 2)
}

func TestSyncWhenDisconnected(t *testing.T) {
	link := device.NewFakeLink()
	p := New(link)
	err := p.Sync(nil, false)
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

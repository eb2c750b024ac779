// Package planner translates the current schedule set into the minimal
// command sequence that programs the dispenser's onboard alarms.
package planner

import (
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"pillnow-orchestrator/internal/device"
	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/parse"
)

// minSyncInterval is the floor between full hardware syncs. UI-triggered
// refreshes arrive in bursts; the serial link cannot absorb one resync per
// refresh.
const minSyncInterval = 10 * time.Second

// Planner pushes schedule sync plans to the device link.
type Planner struct {
	link    device.Link
	limiter *rate.Limiter
}

// New creates a planner for the given link.
func New(link device.Link) *Planner {
	// One sync per minSyncInterval, no burst beyond the first.
	return &Planner{
		link:    link,
		limiter: rate.NewLimiter(rate.Every(minSyncInterval), 1),
	}
}

// ComputePlan returns the full command sequence for the schedule set: one
// clear followed by one add per distinct (time, container) pair, ordered by
// container then time.
func ComputePlan(schedules []model.Schedule) []string {
	type slot struct {
		container int
		hhmm      string
	}

	seen := make(map[slot]struct{})
	slots := make([]slot, 0, len(schedules))
	for _, s := range schedules {
		if s.Container < 1 || s.Container > model.NumContainers || s.Time == "" {
			continue
		}
		k := slot{container: s.Container, hhmm: s.Time}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		slots = append(slots, k)
	}

	sort.Slice(slots, func(i, j int) bool {
		if slots[i].container != slots[j].container {
			return slots[i].container < slots[j].container
		}
		return slots[i].hhmm < slots[j].hhmm
	})

	plan := make([]string, 0, len(slots)+1)
	plan = append(plan, parse.CmdSchedClear)
	for _, sl := range slots {
		plan = append(plan, parse.SchedAdd(sl.hhmm, sl.container))
	}
	return plan
}

// Sync sends the plan for the schedule set to the device. A sync within the
// rate-limit window of the previous successful one is a no-op unless forced
// (e.g. the caller just deleted every schedule). A forced sync still opens
// the window: every successful sync consumes it, so an unforced sync right
// after a forced one is a no-op too. Any send failure aborts the rest of the
// sequence; commands already sent are not rolled back, the next successful
// sync reconciles.
func (p *Planner) Sync(schedules []model.Schedule, force bool) error {
	if !p.link.IsActive() {
		return device.ErrNotConnected
	}

	res := p.limiter.Reserve()
	if res.Delay() > 0 && !force {
		res.Cancel()
		log.Println("planner: sync skipped, previous sync too recent")
		return nil
	}

	plan := ComputePlan(schedules)
	for i, cmd := range plan {
		if err := p.link.Send(cmd); err != nil {
			// A failed sync should not count against the window; the
			// next attempt reconciles.
			res.Cancel()
			log.Printf("planner: sync aborted at command %d/%d (%s): %v", i+1, len(plan), cmd, err)
			return fmt.Errorf("sync command %q: %w", cmd, err)
		}
	}
	log.Printf("planner: synced %d alarm slots to device", len(plan)-1)
	return nil
}

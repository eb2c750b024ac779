// Package schedule adapts the backend schedule store: fetch and normalize
// dose schedules, derive display status from wall-clock time, and push
// status write-backs.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/model"
)

var (
	// ErrStoreUnreachable indicates the backend could not be reached or
	// answered outside its contract.
	ErrStoreUnreachable = errors.New("schedule store unreachable")

	// ErrPermissionDenied indicates the backend requires an elder
	// selection that the caller has not made.
	ErrPermissionDenied = errors.New("schedule store denied access")

	// ErrNotFound indicates the schedule id vanished between fetch and
	// write-back.
	ErrNotFound = errors.New("schedule not found")
)

const cacheKeySchedules = "schedules"

// UserContext identifies whose schedules are being orchestrated: the elder
// themselves, or the elder a caregiver has selected.
type UserContext struct {
	UserID  string
	ElderID string
}

// Adapter is the read-through, write-back boundary to the backend store.
type Adapter struct {
	cfg        config.BackendConfig
	user       UserContext
	loc        *time.Location
	httpClient *http.Client
	cache      *cache.Cache
	cacheTTL   time.Duration

	// attempted guards missed-status write-backs: one attempt per
	// schedule id per process run, never evicted.
	mu        sync.Mutex
	attempted map[string]struct{}
}

// NewAdapter creates a schedule store adapter.
func NewAdapter(cfg config.BackendConfig, user UserContext) (*Adapter, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Adapter{
		cfg:        cfg,
		user:       user,
		loc:        loc,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache.New(ttl, 2*ttl),
		cacheTTL:   ttl,
		attempted:  make(map[string]struct{}),
	}, nil
}

// Location returns the wall-clock location schedules are interpreted in.
func (a *Adapter) Location() *time.Location {
	return a.loc
}

// FetchActiveSchedules returns the schedule list for the active user,
// ordered by container then scheduled date-time. Results are served from a
// short-lived cache; pass refresh to bypass it.
func (a *Adapter) FetchActiveSchedules(ctx context.Context, refresh bool) ([]model.Schedule, error) {
	if !refresh {
		if cached, found := a.cache.Get(cacheKeySchedules); found {
			return cached.([]model.Schedule), nil
		}
	}

	schedules, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}

	a.sortSchedules(schedules)
	a.cache.Set(cacheKeySchedules, schedules, a.cacheTTL)
	return schedules, nil
}

func (a *Adapter) fetch(ctx context.Context) ([]model.Schedule, error) {
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/schedules?userId=" + a.user.UserID
	if a.user.ElderID != "" {
		url += "&elderId=" + a.user.ElderID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create schedule request: %w", err)
	}
	for key, value := range a.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrStoreUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if permissionProblem(resp.StatusCode, raw) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("%w: status %d", ErrStoreUnreachable, resp.StatusCode)
	}

	schedules, err := decodeScheduleEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return schedules, nil
}

// permissionProblem detects the backend's "select an elder first" answer.
func permissionProblem(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusUnauthorized {
		return true
	}
	s := strings.ToLower(string(body))
	return strings.Contains(s, "elder") && strings.Contains(s, "select")
}

// decodeScheduleEnvelope normalizes every accepted backend response shape
// into the fixed schedule list. The backend has shipped three envelopes for
// the same logical list; each is one branch here and none leaks past this
// function.
func decodeScheduleEnvelope(raw []byte) ([]model.Schedule, error) {
	// Shape 1: bare array.
	var list []model.Schedule
	if err := json.Unmarshal(raw, &list); err == nil {
		return normalize(list), nil
	}

	// Shape 2: {"schedules": [...]}.
	var wrapped struct {
		Schedules []model.Schedule `json:"schedules"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Schedules != nil {
		return normalize(wrapped.Schedules), nil
	}

	// Shape 3: {"data": [...]} or {"data": {"items": [...]}}.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, &list); err == nil {
			return normalize(list), nil
		}
		var inner struct {
			Items []model.Schedule `json:"items"`
		}
		if err := json.Unmarshal(envelope.Data, &inner); err == nil && inner.Items != nil {
			return normalize(inner.Items), nil
		}
	}

	return nil, errors.New("unrecognized schedule envelope")
}

func normalize(schedules []model.Schedule) []model.Schedule {
	out := make([]model.Schedule, 0, len(schedules))
	for _, s := range schedules {
		if s.ID == "" {
			log.Printf("schedule: dropping entry without id (container %d %s %s)", s.Container, s.Date, s.Time)
			continue
		}
		if s.Status == "" {
			s.Status = model.StatusPending
		}
		out = append(out, s)
	}
	return out
}

func (a *Adapter) sortSchedules(schedules []model.Schedule) {
	sort.SliceStable(schedules, func(i, j int) bool {
		if schedules[i].Container != schedules[j].Container {
			return schedules[i].Container < schedules[j].Container
		}
		ti, erri := schedules[i].At(a.loc)
		tj, errj := schedules[j].At(a.loc)
		if erri != nil || errj != nil {
			return erri == nil
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return schedules[i].ID < schedules[j].ID
	})
}

// MarkTaken writes the taken status back to the store.
func (a *Adapter) MarkTaken(ctx context.Context, scheduleID string) error {
	return a.writeStatus(ctx, scheduleID, model.StatusTaken)
}

// MarkMissed writes the missed status back to the store. Idempotent at the
// backend, and attempted at most once per schedule id per process run so a
// flapping sweep cannot hammer the store.
func (a *Adapter) MarkMissed(ctx context.Context, scheduleID string) error {
	if !a.markAttempted(scheduleID) {
		return nil
	}
	return a.writeStatus(ctx, scheduleID, model.StatusMissed)
}

// markAttempted records a missed write-back attempt for the id. Returns
// false when an attempt was already made during this process run. Failed
// attempts count; the store is not retried for the same id.
func (a *Adapter) markAttempted(scheduleID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.attempted[scheduleID]; done {
		return false
	}
	a.attempted[scheduleID] = struct{}{}
	return true
}

func (a *Adapter) writeStatus(ctx context.Context, scheduleID string, status model.ScheduleStatus) error {
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/schedules/" + scheduleID
	body := strings.NewReader(fmt.Sprintf(`{"status":%q}`, status))

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, body)
	if err != nil {
		return fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range a.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status write returned %d", ErrStoreUnreachable, resp.StatusCode)
	}

	a.invalidate()
	return nil
}

func (a *Adapter) invalidate() {
	a.cache.Delete(cacheKeySchedules)
}

// BestPendingMatch picks the schedule a trigger event belongs to: the
// pending schedule for the container whose instant is nearest the alarm
// time, ties broken by lowest id. Returns nil when the container has no
// pending schedule.
func (a *Adapter) BestPendingMatch(ctx context.Context, container int, hhmm string, now time.Time) *model.Schedule {
	schedules, err := a.FetchActiveSchedules(ctx, false)
	if err != nil {
		log.Printf("schedule: match fetch failed: %v", err)
		return nil
	}

	alarmAt, err := time.ParseInLocation("2006-01-02 15:04", now.In(a.loc).Format("2006-01-02")+" "+hhmm, a.loc)
	if err != nil {
		alarmAt = now
	}

	var best *model.Schedule
	var bestDelta time.Duration
	for i := range schedules {
		s := schedules[i]
		if s.Container != container || s.Status != model.StatusPending {
			continue
		}
		at, err := s.At(a.loc)
		if err != nil {
			continue
		}
		delta := at.Sub(alarmAt)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta || (delta == bestDelta && s.ID < best.ID) {
			best = &schedules[i]
			bestDelta = delta
		}
	}
	return best
}

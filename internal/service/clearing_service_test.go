package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayahead/internal/clearing"
	"github.com/alanyoungcy/dayahead/internal/domain"
	"github.com/alanyoungcy/dayahead/internal/notify"
)

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

// memResults is an in-memory domain.ResultStore.
type memResults struct {
	mu      sync.Mutex
	days    map[string]*domain.DayResult
	saveErr error
	reads   int
}

func newMemResults() *memResults {
	return &memResults{days: map[string]*domain.DayResult{}}
}

func (m *memResults) SaveDay(_ context.Context, r *domain.DayResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.days[r.Date.Format(time.DateOnly)] = r
	return nil
}

func (m *memResults) GetDay(_ context.Context, date time.Time) (*domain.DayResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	r, ok := m.days[date.Format(time.DateOnly)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (m *memResults) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	r, err := m.GetDay(ctx, date)
	if err != nil {
		return domain.HourOutcome{}, err
	}
	return r.Hours[hour], nil
}

func (m *memResults) ListDays(context.Context, domain.ListOpts) ([]domain.DaySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DaySummary
	for _, r := range m.days {
		out = append(out, domain.DaySummary{RunID: r.RunID, Date: r.Date, Rounds: r.Rounds, BidCount: len(r.Bids)})
	}
	return out, nil
}

func (m *memResults) Exists(_ context.Context, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.days[date.Format(time.DateOnly)]
	return ok, nil
}

type memCache struct {
	days map[string][]domain.HourOutcome
}

func (c *memCache) SetDay(_ context.Context, date time.Time, hours []domain.HourOutcome) error {
	c.days[date.Format(time.DateOnly)] = hours
	return nil
}

func (c *memCache) GetDay(_ context.Context, date time.Time) ([]domain.HourOutcome, error) {
	h, ok := c.days[date.Format(time.DateOnly)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return h, nil
}

func (c *memCache) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	h, err := c.GetDay(ctx, date)
	if err != nil {
		return domain.HourOutcome{}, err
	}
	return h[hour], nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memBus struct {
	published [][]byte
	stream    [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.published = append(b.published, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.stream = append(b.stream, payload)
	return nil
}

func (b *memBus) StreamRead(_ context.Context, _ string, _ string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for i, p := range b.stream {
		if count > 0 && len(out) == count {
			break
		}
		out = append(out, domain.StreamMessage{ID: string(rune('a' + i)), Payload: p})
	}
	return out, nil
}

type memArchiver struct {
	err  error
	runs []string
}

func (a *memArchiver) ArchiveDay(_ context.Context, _ domain.BidBook, r *domain.DayResult) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.runs = append(a.runs, r.RunID)
	return "days/" + r.RunID, nil
}

type recAlerts struct {
	events []string
}

func (a *recAlerts) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type failingEngine struct{}

func (failingEngine) ClearDay(context.Context, domain.BidBook) (*domain.DayResult, error) {
	return nil, context.DeadlineExceeded
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{ID: int64(len(m.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (m *memAudit) List(_ context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if strings.HasPrefix(e.Event, q.Event) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	svc      *ClearingService
	results  *memResults
	cache    *memCache
	locks    *memLocks
	bus      *memBus
	archiver *memArchiver
	audit    *memAudit
	alerts   *recAlerts
}

func newFixture(t *testing.T, opts ClearingOptions) *fixture {
	t.Helper()
	engine, err := clearing.NewEngine(clearing.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	f := &fixture{
		results:  newMemResults(),
		cache:    &memCache{days: map[string][]domain.HourOutcome{}},
		locks:    &memLocks{held: map[string]bool{}},
		bus:      &memBus{},
		archiver: &memArchiver{},
		audit:    &memAudit{},
		alerts:   &recAlerts{},
	}
	f.svc = NewClearingService(ClearingDeps{
		Engine:   engine,
		Results:  f.results,
		Cache:    f.cache,
		Locks:    f.locks,
		Bus:      f.bus,
		Archiver: f.archiver,
		Audit:    f.audit,
		Alerts:   f.alerts,
	}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// testBook trades in hour 0 and has unmeetable demand in hour 1.
func testBook() domain.BidBook {
	return domain.BidBook{
		Date: day,
		Bids: []domain.Bid{
			{Hour: 0, Price: 2, Volume: 10, Direction: domain.DirectionSell},
			{Hour: 0, Price: 5, Volume: 10, Direction: domain.DirectionAsk},
			{Hour: 1, Price: 10, Volume: 5, Direction: domain.DirectionSell},
			{Hour: 1, Price: 3000, Volume: 8, Direction: domain.DirectionAsk},
		},
	}
}

func TestClearDay_FansOut(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()

	res, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)
	assert.True(t, res.Hours[0].Traded())
	assert.Equal(t, domain.OutcomeUnmeetable, res.Hours[1].Kind)

	stored, err := f.results.GetDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, stored.RunID)
	assert.Len(t, f.cache.days["2026-03-14"], domain.HoursPerDay)
	assert.Equal(t, []string{res.RunID}, f.archiver.runs)
	assert.Empty(t, f.locks.held, "lock released")

	require.Len(t, f.bus.published, 1)
	require.Len(t, f.bus.stream, 1)
	var evt ClearingEvent
	require.NoError(t, json.Unmarshal(f.bus.published[0], &evt))
	assert.Equal(t, notify.EventDayCleared, evt.Type)
	assert.Equal(t, "2026-03-14", evt.Date)
	assert.Equal(t, res.RunID, evt.RunID)
	require.Len(t, evt.Hours, domain.HoursPerDay)
	assert.False(t, evt.Hours[5].Traded())

	assert.Equal(t, []string{notify.EventInfeasibleHour, notify.EventDayCleared}, f.alerts.events)
}

func TestClearDay_RejectsReclear(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()

	first, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)

	_, err = f.svc.ClearDay(ctx, testBook(), false)
	assert.ErrorIs(t, err, domain.ErrAlreadyCleared)

	second, err := f.svc.ClearDay(ctx, testBook(), true)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestClearDay_AllowReclear(t *testing.T) {
	f := newFixture(t, ClearingOptions{AllowReclear: true})
	ctx := context.Background()
	_, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)
	_, err = f.svc.ClearDay(ctx, testBook(), false)
	assert.NoError(t, err)
}

func TestClearDay_LockHeld(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	f.locks.held["clear:2026-03-14"] = true

	_, err := f.svc.ClearDay(context.Background(), testBook(), false)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, f.results.days)
}

func TestClearDay_MissingDate(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	book := testBook()
	book.Date = time.Time{}
	_, err := f.svc.ClearDay(context.Background(), book, false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClearDay_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	f.archiver.err = errors.New("bucket gone")

	_, err := f.svc.ClearDay(context.Background(), testBook(), false)
	require.NoError(t, err)
	assert.Len(t, f.results.days, 1)
}

func TestClearDay_SaveFailureAlerts(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	f.results.saveErr = errors.New("db down")

	_, err := f.svc.ClearDay(context.Background(), testBook(), false)
	require.Error(t, err)
	assert.Equal(t, []string{notify.EventClearFailed}, f.alerts.events)
	require.Len(t, f.bus.published, 1)
	var evt ClearingEvent
	require.NoError(t, json.Unmarshal(f.bus.published[0], &evt))
	assert.Equal(t, notify.EventClearFailed, evt.Type)
	assert.Contains(t, evt.Error, "db down")
	assert.Empty(t, f.cache.days)
}

func TestClearDay_EngineFailure(t *testing.T) {
	results := newMemResults()
	alerts := &recAlerts{}
	svc := NewClearingService(ClearingDeps{Engine: failingEngine{}, Results: results, Alerts: alerts},
		ClearingOptions{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.ClearDay(context.Background(), testBook(), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{notify.EventClearFailed}, alerts.events)
}

func TestReadPaths_CacheFirst(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()
	_, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)
	reads := f.results.reads

	hours, err := f.svc.Prices(ctx, day)
	require.NoError(t, err)
	assert.Len(t, hours, domain.HoursPerDay)
	o, err := f.svc.GetHour(ctx, day, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnmeetable, o.Kind)
	assert.Equal(t, reads, f.results.reads, "served from cache")

	// Cache miss falls back to the store and refills the cache.
	delete(f.cache.days, "2026-03-14")
	hours, err = f.svc.Prices(ctx, day)
	require.NoError(t, err)
	assert.Len(t, hours, domain.HoursPerDay)
	assert.Equal(t, reads+1, f.results.reads)
	assert.Contains(t, f.cache.days, "2026-03-14")
}

func TestReadPaths_NotFound(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()

	_, err := f.svc.GetDay(ctx, day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.GetHour(ctx, day, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.GetHour(ctx, day, 24)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()
	_, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)

	msgs, err := f.svc.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Payload), `"type":"day_cleared"`)
}

func TestAuditLog(t *testing.T) {
	f := newFixture(t, ClearingOptions{})
	ctx := context.Background()
	res, err := f.svc.ClearDay(ctx, testBook(), false)
	require.NoError(t, err)

	entries, err := f.svc.AuditLog(ctx, domain.AuditQuery{Event: "day."})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "day.cleared", entries[0].Event)
	assert.Equal(t, res.RunID, entries[0].Detail["run_id"])
	assert.Equal(t, false, entries[0].Detail["forced"])

	none, err := f.svc.AuditLog(ctx, domain.AuditQuery{Event: "archive."})
	require.NoError(t, err)
	assert.Empty(t, none)
}

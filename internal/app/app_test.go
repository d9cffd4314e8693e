package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayahead/internal/clearing"
	"github.com/alanyoungcy/dayahead/internal/config"
	"github.com/alanyoungcy/dayahead/internal/domain"
)

type memResults struct {
	days map[string]*domain.DayResult
}

func (m *memResults) SaveDay(_ context.Context, res *domain.DayResult) error {
	m.days[res.Date.Format(time.DateOnly)] = res
	return nil
}

func (m *memResults) GetDay(_ context.Context, date time.Time) (*domain.DayResult, error) {
	if r, ok := m.days[date.Format(time.DateOnly)]; ok {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memResults) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	r, err := m.GetDay(ctx, date)
	if err != nil {
		return domain.HourOutcome{}, err
	}
	return r.Hours[hour], nil
}

func (m *memResults) ListDays(context.Context, domain.ListOpts) ([]domain.DaySummary, error) {
	return nil, nil
}

func (m *memResults) Exists(_ context.Context, date time.Time) (bool, error) {
	_, ok := m.days[date.Format(time.DateOnly)]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineConfig(t *testing.T) {
	m := config.Defaults().Market
	m.Workers = 3
	m.MustClearCategories = []string{" Renewable "}
	m.IncrementalCurves = true

	cfg := EngineConfig(m)
	assert.Equal(t, 24, cfg.Hours)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, []domain.Category{domain.CategoryRenewable}, cfg.MustClearCategories)
	assert.Equal(t, domain.CategoryRenewable, cfg.CategoryPriority[0])
	assert.True(t, cfg.IncrementalCurves)
	require.NoError(t, cfg.Validate())

	m.Workers = 0
	m.CategoryPriority = nil
	cfg = EngineConfig(m)
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, clearing.DefaultConfig().CategoryPriority, cfg.CategoryPriority)
}

func TestClearMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
date: 2026-03-14
bids:
  - {hour: 0, price: 1, volume: 10, direction: sell}
  - {hour: 0, price: 2, volume: 10, direction: ask}
  - {hour: 0, price: 3, volume: 10, direction: sell}
  - {hour: 0, price: 4, volume: 8, direction: ask}
`), 0o600))

	engine, err := clearing.NewEngine(clearing.DefaultConfig(), discardLogger())
	require.NoError(t, err)
	results := &memResults{days: map[string]*domain.DayResult{}}
	deps := &Dependencies{ResultStore: results, Engine: engine}

	cfg := config.Defaults()
	cfg.Mode = "clear"
	a := New(&cfg, ClearOptions{BookPath: path, Date: "2026-03-15"}, discardLogger())
	require.NoError(t, a.ClearMode(context.Background(), deps))

	res, ok := results.days["2026-03-15"]
	require.True(t, ok)
	assert.Equal(t, 2.0, res.Hours[0].Price)
	assert.Equal(t, 10.0, res.Hours[0].Volume)

	// A second run needs force.
	err = a.ClearMode(context.Background(), deps)
	assert.ErrorIs(t, err, domain.ErrAlreadyCleared)

	a.clear.Force = true
	assert.NoError(t, a.ClearMode(context.Background(), deps))
}

func TestClearMode_BadInput(t *testing.T) {
	cfg := config.Defaults()
	deps := &Dependencies{ResultStore: &memResults{days: map[string]*domain.DayResult{}}}

	a := New(&cfg, ClearOptions{}, discardLogger())
	assert.Error(t, a.ClearMode(context.Background(), deps))

	path := filepath.Join(t.TempDir(), "book.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"date":"2026-03-14","bids":[]}`), 0o600))
	a = New(&cfg, ClearOptions{BookPath: path, Date: "14/03/2026"}, discardLogger())
	assert.ErrorIs(t, a.ClearMode(context.Background(), deps), domain.ErrInvalidInput)
}

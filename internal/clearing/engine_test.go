package clearing

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

var testDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func newTestEngine(t testing.TB, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := NewEngine(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func hours(n int) func(*Config) {
	return func(c *Config) { c.Hours = n }
}

func bidAt(h int, dir domain.Direction, price, volume float64) domain.Bid {
	return domain.Bid{Hour: h, Price: price, Volume: volume, Direction: dir}
}

// scenarioA is a four-bid hour clearing at price 2 and volume 10.
func scenarioA(h int) []domain.Bid {
	return []domain.Bid{
		bidAt(h, domain.DirectionSell, 1, 10),
		bidAt(h, domain.DirectionAsk, 2, 10),
		bidAt(h, domain.DirectionSell, 3, 10),
		bidAt(h, domain.DirectionAsk, 4, 8),
	}
}

func scenarioABook() domain.BidBook {
	book := domain.BidBook{Date: testDate}
	for h := 0; h < domain.HoursPerDay; h++ {
		book.Bids = append(book.Bids, scenarioA(h)...)
	}
	return book
}

func hourBalance(res *domain.DayResult, h int) (sell, ask float64) {
	for _, b := range res.Bids {
		if b.Hour != h {
			continue
		}
		if b.Direction == domain.DirectionSell {
			sell += b.AcceptedVolume
		} else {
			ask += b.AcceptedVolume
		}
	}
	for _, b := range res.Blocks {
		if !b.Covers(h) {
			continue
		}
		if b.Direction == domain.DirectionSell {
			sell += b.AcceptedVolume
		} else {
			ask += b.AcceptedVolume
		}
	}
	return sell, ask
}

func TestClearDay_SimpleHours(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.ClearDay(context.Background(), scenarioABook())
	require.NoError(t, err)

	require.Len(t, res.Hours, domain.HoursPerDay)
	require.Len(t, res.Bids, 4*domain.HoursPerDay)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Rounds)

	for h, o := range res.Hours {
		assert.Equal(t, h, o.Hour)
		assert.Equal(t, 2.0, o.Price)
		assert.Equal(t, 10.0, o.Volume)

		bids := res.Bids[4*h : 4*h+4]
		assert.Equal(t, 10.0, bids[0].AcceptedVolume) // sell @1
		assert.Equal(t, 2.0, bids[1].AcceptedVolume)  // ask @2, marginal
		assert.Equal(t, 0.0, bids[2].AcceptedVolume)  // sell @3
		assert.Equal(t, 8.0, bids[3].AcceptedVolume)  // ask @4
	}
}

func TestClearDay_UnprofitableBlockRejected(t *testing.T) {
	book := scenarioABook()
	book.Blocks = []domain.BlockBid{
		{Ref: "peaker", Price: 8, Volume: 2, Direction: domain.DirectionSell, StartHour: 0, Length: 1},
		{Ref: "baseload", Price: 2, Volume: 5, Direction: domain.DirectionSell, StartHour: 0, Length: 1},
	}

	res, err := newTestEngine(t).ClearDay(context.Background(), book)
	require.NoError(t, err)

	require.Len(t, res.Blocks, 2)
	assert.False(t, res.Blocks[0].Accepted)
	assert.Zero(t, res.Blocks[0].AcceptedVolume)
	assert.True(t, res.Blocks[1].Accepted)
	assert.Equal(t, 5.0, res.Blocks[1].AcceptedVolume)
	assert.Equal(t, 2, res.Rounds)

	// Ambiguous volume at 2: min(ask 18, sell 15). Supply priced at or below
	// 2 is 10 simple + 5 block, so 15 MW clears rather than 18; DESIGN.md
	// records this as a decision on the scenario.
	assert.Equal(t, 2.0, res.Hours[0].Price)
	assert.Equal(t, 15.0, res.Hours[0].Volume)
	assert.Equal(t, domain.OutcomeAmbiguousVolume, res.Hours[0].Kind)

	sell, ask := hourBalance(res, 0)
	assert.Equal(t, 15.0, sell)
	assert.Equal(t, 15.0, ask)

	for h := 1; h < domain.HoursPerDay; h++ {
		assert.Equal(t, 2.0, res.Hours[h].Price)
		assert.Equal(t, 10.0, res.Hours[h].Volume)
	}
}

func TestClearDay_UnresolvableBlockKept(t *testing.T) {
	book := domain.BidBook{
		Date: testDate,
		Bids: []domain.Bid{
			bidAt(0, domain.DirectionSell, 5, 5),
			bidAt(0, domain.DirectionAsk, 3000, 10),
			bidAt(1, domain.DirectionSell, 5, 20),
			bidAt(1, domain.DirectionAsk, 3000, 10),
		},
		Blocks: []domain.BlockBid{
			{Price: 2000, Volume: 10, Direction: domain.DirectionSell, StartHour: 0, Length: 2},
		},
	}

	res, err := newTestEngine(t, hours(2)).ClearDay(context.Background(), book)
	require.NoError(t, err)

	b := res.Blocks[0]
	assert.True(t, b.Accepted)
	assert.True(t, b.Unresolvable)
	assert.Equal(t, 10.0, b.AcceptedVolume)
	assert.Equal(t, 2000.0, res.Hours[0].Price)
	assert.Equal(t, 5.0, res.Hours[1].Price)

	for h := range 2 {
		sell, ask := hourBalance(res, h)
		assert.Equal(t, 10.0, sell, "hour %d", h)
		assert.Equal(t, 10.0, ask, "hour %d", h)
	}
}

func TestClearDay_OutOfMoneyBlockDispatchedAsPriceTaker(t *testing.T) {
	// The block is out of the money in hour 0 but pays for itself in hour 1.
	book := domain.BidBook{
		Date: testDate,
		Bids: []domain.Bid{
			bidAt(0, domain.DirectionSell, 1, 10),
			bidAt(0, domain.DirectionAsk, 20, 15),
			bidAt(1, domain.DirectionSell, 1, 5),
			bidAt(1, domain.DirectionAsk, 100, 30),
		},
		Blocks: []domain.BlockBid{
			{Price: 25, Volume: 12, Direction: domain.DirectionSell, StartHour: 0, Length: 2},
		},
	}

	res, err := newTestEngine(t, hours(2)).ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.True(t, res.Blocks[0].Accepted)
	assert.Equal(t, 1, res.Rounds)

	assert.Equal(t, 1.0, res.Hours[0].Price)
	assert.Equal(t, 15.0, res.Hours[0].Volume)
	assert.Equal(t, 3.0, res.Bids[0].AcceptedVolume)
	assert.Equal(t, 15.0, res.Bids[1].AcceptedVolume)

	assert.Equal(t, 100.0, res.Hours[1].Price)
	assert.Equal(t, 17.0, res.Hours[1].Volume)

	for h := range 2 {
		sell, ask := hourBalance(res, h)
		assert.Equal(t, res.Hours[h].Volume, sell, "hour %d", h)
		assert.Equal(t, res.Hours[h].Volume, ask, "hour %d", h)
	}
}

func TestClearDay_UnabsorbableBlockRejected(t *testing.T) {
	// Hour 0 has 10 MW of demand for a 20 MW block that is profitable over
	// both hours.
	book := domain.BidBook{
		Date: testDate,
		Bids: []domain.Bid{
			bidAt(0, domain.DirectionSell, 1, 10),
			bidAt(0, domain.DirectionAsk, 20, 10),
			bidAt(1, domain.DirectionSell, 1, 5),
			bidAt(1, domain.DirectionAsk, 100, 30),
		},
		Blocks: []domain.BlockBid{
			{Price: 15, Volume: 20, Direction: domain.DirectionSell, StartHour: 0, Length: 2},
		},
	}

	for _, incremental := range []bool{false, true} {
		e := newTestEngine(t, hours(2), func(c *Config) { c.IncrementalCurves = incremental })
		res, err := e.ClearDay(context.Background(), book)
		require.NoError(t, err)

		assert.False(t, res.Blocks[0].Accepted)
		assert.Zero(t, res.Blocks[0].AcceptedVolume)
		assert.Equal(t, 2, res.Rounds)

		assert.Equal(t, 10.5, res.Hours[0].Price)
		assert.Equal(t, 10.0, res.Hours[0].Volume)
		assert.Equal(t, 100.0, res.Hours[1].Price)
		assert.Equal(t, 5.0, res.Hours[1].Volume)

		for h := range 2 {
			sell, ask := hourBalance(res, h)
			assert.Equal(t, res.Hours[h].Volume, sell, "hour %d", h)
			assert.Equal(t, res.Hours[h].Volume, ask, "hour %d", h)
		}
	}
}

func TestClearDay_InfeasibilityLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Hours = 2
	e, err := NewEngine(cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)

	book := domain.BidBook{
		Date: testDate,
		Bids: append([]domain.Bid{
			bidAt(0, domain.DirectionSell, 10, 5),
			bidAt(0, domain.DirectionAsk, 3000, 8),
		}, scenarioA(1)...),
		Blocks: []domain.BlockBid{
			{Price: 8, Volume: 2, Direction: domain.DirectionSell, StartHour: 1, Length: 1},
		},
	}

	res, err := e.ClearDay(context.Background(), book)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rounds)
	assert.False(t, res.Blocks[0].Accepted)
	assert.Equal(t, domain.OutcomeUnmeetable, res.Hours[0].Kind)
	assert.Equal(t, 1, strings.Count(buf.String(), "structural infeasibility"))

	// A second call reports the hour again.
	buf.Reset()
	_, err = e.ClearDay(context.Background(), book)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "structural infeasibility"))
}

func TestClearDay_MustClearFreesVolume(t *testing.T) {
	book := domain.BidBook{
		Date: testDate,
		Bids: []domain.Bid{
			{Ref: "wind", Hour: 0, Price: 0, Volume: 10, Direction: domain.DirectionSell, Category: domain.CategoryRenewable},
			bidAt(0, domain.DirectionAsk, 100, 10),
		},
		Blocks: []domain.BlockBid{
			{Ref: "coal", Price: 0, Volume: 10, Direction: domain.DirectionSell,
				Category: domain.CategoryConventional, StartHour: 0, Length: 1},
		},
	}

	t.Run("disabled", func(t *testing.T) {
		res, err := newTestEngine(t, hours(1)).ClearDay(context.Background(), book)
		require.NoError(t, err)
		assert.True(t, res.Blocks[0].Accepted)
		assert.Zero(t, res.Bids[0].AcceptedVolume)
		assert.Equal(t, 0.0, res.Hours[0].Price)
	})

	t.Run("renewable must clear", func(t *testing.T) {
		e := newTestEngine(t, hours(1), func(c *Config) {
			c.MustClearCategories = []domain.Category{domain.CategoryRenewable}
		})
		res, err := e.ClearDay(context.Background(), book)
		require.NoError(t, err)
		assert.False(t, res.Blocks[0].Accepted)
		assert.Equal(t, 10.0, res.Bids[0].AcceptedVolume)
		assert.Equal(t, 10.0, res.Bids[1].AcceptedVolume)
		assert.Equal(t, 50.0, res.Hours[0].Price)
		assert.Equal(t, domain.OutcomeAmbiguousPrice, res.Hours[0].Kind)
		assert.Equal(t, 3, res.Rounds)
	})
}

func TestClearDay_InvalidOffersDropped(t *testing.T) {
	book := domain.BidBook{
		Date: testDate,
		Bids: append(scenarioA(0),
			bidAt(0, domain.DirectionSell, math.NaN(), 10),
			bidAt(0, domain.DirectionSell, 1, 0),
			bidAt(0, domain.DirectionSell, 1, -3),
			bidAt(24, domain.DirectionSell, 1, 10),
			bidAt(0, domain.DirectionAsk, 5000, 10),
			bidAt(0, domain.Direction("buy"), 1, 10),
		),
		Blocks: []domain.BlockBid{
			{Price: 1, Volume: 1, Direction: domain.DirectionSell, StartHour: 20, Length: 5},
			{Price: 1, Volume: 1, Direction: domain.DirectionSell, StartHour: 0, Length: 0},
		},
	}

	res, err := newTestEngine(t).ClearDay(context.Background(), book)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Dropped)
	assert.Len(t, res.Bids, 4)
	assert.Empty(t, res.Blocks)
	assert.Equal(t, 2.0, res.Hours[0].Price)
	assert.Equal(t, []int{1, 2, 3, 4}, []int{res.Bids[0].ID, res.Bids[1].ID, res.Bids[2].ID, res.Bids[3].ID})
}

func TestClearDay_NoTradeHours(t *testing.T) {
	book := domain.BidBook{Date: testDate, Bids: []domain.Bid{
		bidAt(3, domain.DirectionSell, 10, 5),
	}}
	res, err := newTestEngine(t).ClearDay(context.Background(), book)
	require.NoError(t, err)

	for _, o := range res.Hours {
		assert.False(t, o.Traded())
		assert.Equal(t, domain.OutcomeNoTrade, o.Kind)
	}
	assert.Zero(t, res.Bids[0].AcceptedVolume)
}

func TestClearDay_StructuralInfeasibility(t *testing.T) {
	book := domain.BidBook{Date: testDate, Bids: []domain.Bid{
		bidAt(0, domain.DirectionSell, 10, 5),
		bidAt(0, domain.DirectionAsk, 3000, 8),
	}}
	res, err := newTestEngine(t, hours(1)).ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeUnmeetable, res.Hours[0].Kind)
	assert.Equal(t, 3000.0, res.Hours[0].Price)
	assert.Equal(t, 5.0, res.Hours[0].Volume)
	assert.Equal(t, []int{0}, res.InfeasibleHours())
	assert.Equal(t, 5.0, res.Bids[0].AcceptedVolume)
	assert.Equal(t, 5.0, res.Bids[1].AcceptedVolume)
}

func TestClearDay_Idempotent(t *testing.T) {
	book := scenarioABook()
	book.Blocks = []domain.BlockBid{
		{Price: 8, Volume: 2, Direction: domain.DirectionSell, StartHour: 0, Length: 4},
		{Price: 1, Volume: 3, Direction: domain.DirectionAsk, StartHour: 2, Length: 6},
	}
	e := newTestEngine(t)

	first, err := e.ClearDay(context.Background(), book)
	require.NoError(t, err)
	second, err := e.ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, first.Hours, second.Hours)
	assert.Equal(t, first.Bids, second.Bids)
	assert.Equal(t, first.Blocks, second.Blocks)
	assert.Equal(t, first.Rounds, second.Rounds)
}

func TestClearDay_DoesNotMutateBook(t *testing.T) {
	book := scenarioABook()
	book.Blocks = []domain.BlockBid{{Price: 8, Volume: 2, Direction: domain.DirectionSell, StartHour: 0, Length: 1}}

	_, err := newTestEngine(t).ClearDay(context.Background(), book)
	require.NoError(t, err)

	for _, b := range book.Bids {
		assert.Zero(t, b.ID)
		assert.Zero(t, b.AcceptedVolume)
	}
	assert.False(t, book.Blocks[0].Accepted)
}

func TestClearDay_IncrementalCurvesMatchRebuild(t *testing.T) {
	book := scenarioABook()
	book.Blocks = []domain.BlockBid{
		{Price: 8, Volume: 2, Direction: domain.DirectionSell, StartHour: 0, Length: 3},
		{Price: 2, Volume: 5, Direction: domain.DirectionSell, StartHour: 0, Length: 1},
		{Price: 6, Volume: 4, Direction: domain.DirectionSell, StartHour: 5, Length: 10},
		{Price: 1.5, Volume: 3, Direction: domain.DirectionAsk, StartHour: 10, Length: 2},
	}

	rebuilt, err := newTestEngine(t).ClearDay(context.Background(), book)
	require.NoError(t, err)
	incremental, err := newTestEngine(t, func(c *Config) { c.IncrementalCurves = true }).
		ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, rebuilt.Hours, incremental.Hours)
	assert.Equal(t, rebuilt.Blocks, incremental.Blocks)
	assert.Equal(t, rebuilt.Bids, incremental.Bids)
}

func TestClearDay_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(t).ClearDay(ctx, scenarioABook())
	require.ErrorIs(t, err, context.Canceled)
}

func TestClearPeriod(t *testing.T) {
	tests := []struct {
		name     string
		bids     []domain.Bid
		price    float64
		volume   float64
		accepted []float64
	}{
		{
			name: "midpoint between steps",
			bids: []domain.Bid{
				bidAt(0, domain.DirectionSell, 2, 10),
				bidAt(0, domain.DirectionSell, 4, 10),
				bidAt(0, domain.DirectionAsk, 1, 10),
				bidAt(0, domain.DirectionAsk, 3, 10),
			},
			price:    2.5,
			volume:   10,
			accepted: []float64{10, 0, 0, 10},
		},
		{
			name: "overlapping steps",
			bids: []domain.Bid{
				bidAt(0, domain.DirectionAsk, 1, 5),
				bidAt(0, domain.DirectionSell, 2, 10),
				bidAt(0, domain.DirectionAsk, 2, 10),
				bidAt(0, domain.DirectionSell, 4, 10),
			},
			price:    2,
			volume:   10,
			accepted: []float64{0, 10, 10, 0},
		},
		{
			name: "hour field ignored",
			bids: []domain.Bid{
				bidAt(7, domain.DirectionSell, 1, 10),
				bidAt(30, domain.DirectionAsk, 2, 10),
				bidAt(-1, domain.DirectionSell, 3, 10),
				bidAt(7, domain.DirectionAsk, 4, 8),
			},
			price:    2,
			volume:   10,
			accepted: []float64{10, 2, 0, 8},
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.ClearPeriod(context.Background(), tt.bids)
			require.NoError(t, err)
			assert.Equal(t, tt.price, res.Outcome.Price)
			assert.Equal(t, tt.volume, res.Outcome.Volume)
			assert.Zero(t, res.Dropped)
			require.Len(t, res.Bids, len(tt.accepted))
			for i, want := range tt.accepted {
				assert.Equal(t, want, res.Bids[i].AcceptedVolume, "bid %d", i)
			}
		})
	}
}

func TestAllocate_TieBreakByCategory(t *testing.T) {
	book := domain.BidBook{Date: testDate, Bids: []domain.Bid{
		{Hour: 0, Price: 1, Volume: 6, Direction: domain.DirectionSell, Category: domain.CategoryConventional},
		{Hour: 0, Price: 1, Volume: 4, Direction: domain.DirectionSell, Category: domain.CategoryRenewable},
		{Hour: 0, Price: 1, Volume: 8, Direction: domain.DirectionSell, Category: domain.CategoryConventional},
		{Hour: 0, Price: 5, Volume: 10, Direction: domain.DirectionAsk},
	}}
	res, err := newTestEngine(t, hours(1)).ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, 10.0, res.Hours[0].Volume)
	assert.Equal(t, 0.0, res.Bids[0].AcceptedVolume)
	assert.Equal(t, 4.0, res.Bids[1].AcceptedVolume)
	assert.Equal(t, 6.0, res.Bids[2].AcceptedVolume)
	assert.Equal(t, 10.0, res.Bids[3].AcceptedVolume)
}

func TestDayResult_MarginalStartupCost(t *testing.T) {
	book := domain.BidBook{Date: testDate, Bids: []domain.Bid{
		bidAt(0, domain.DirectionAsk, 1, 5),
		{Hour: 0, Price: 2, Volume: 10, Direction: domain.DirectionSell, StartupCost: 40},
		bidAt(0, domain.DirectionAsk, 2, 10),
		{Hour: 0, Price: 4, Volume: 10, Direction: domain.DirectionSell, StartupCost: 90},
	}}
	res, err := newTestEngine(t, hours(1)).ClearDay(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, res.Hours[0].MarginalSellIDs)
	assert.Equal(t, []int{3}, res.Hours[0].MarginalAskIDs)
	assert.Equal(t, 40.0, res.MarginalStartupCost(0))
	assert.Zero(t, res.MarginalStartupCost(5))
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPrice = cfg.MinPrice
	_, err := NewEngine(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestClearPeriod_RaisingSellPriceNeverLowersPrice(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		sellPrice float64
		price     float64
		volume    float64
	}{
		{1, 2, 10},
		{1.5, 2, 10},
		{2, 2, 10},
		{2.5, 2.5, 8},
		{3, 3, 8},
	}

	prev := math.Inf(-1)
	for _, tt := range tests {
		bids := scenarioA(0)
		bids[0].Price = tt.sellPrice

		res, err := e.ClearPeriod(context.Background(), bids)
		require.NoError(t, err)
		assert.Equal(t, tt.price, res.Outcome.Price, "sell at %v", tt.sellPrice)
		assert.Equal(t, tt.volume, res.Outcome.Volume, "sell at %v", tt.sellPrice)
		assert.GreaterOrEqual(t, res.Outcome.Price, prev)
		prev = res.Outcome.Price
	}
}

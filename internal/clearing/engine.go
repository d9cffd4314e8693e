// Package clearing implements day-ahead auction clearing: hourly
// supply/demand curves, the equilibrium search, iterative block bid
// acceptance and volume allocation. It performs no I/O.
package clearing

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// Engine clears bid books. It is safe for concurrent use; every call works
// on its own copy of the book.
type Engine struct {
	cfg    Config
	solver Solver
	logger *slog.Logger
}

// NewEngine creates an Engine with the given market parameters.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:    cfg,
		solver: Solver{MaxPrice: cfg.MaxPrice, Epsilon: cfg.Epsilon},
		logger: logger.With(slog.String("component", "clearing")),
	}, nil
}

// Config returns the engine's market parameters.
func (e *Engine) Config() Config { return e.cfg }

// ClearDay clears all hours of book, including its block bids. Invalid
// bids are dropped and counted in the result. The only error is the
// cancellation of ctx.
func (e *Engine) ClearDay(ctx context.Context, book domain.BidBook) (*domain.DayResult, error) {
	r := e.newRun(e.cfg, book.Date)
	dropped := r.load(book)

	outcomes, err := r.clearBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: clear day %s: %w", r.day(), err)
	}
	r.allocate(outcomes)

	res := &domain.DayResult{
		RunID:     uuid.NewString(),
		Date:      book.Date,
		Hours:     make([]domain.HourOutcome, len(outcomes)),
		Blocks:    r.blocks,
		Rounds:    r.rounds,
		Dropped:   dropped,
		ClearedAt: time.Now().UTC(),
	}
	for h, o := range outcomes {
		res.Hours[h] = hourOutcome(h, o)
	}
	for _, hb := range r.bids {
		res.Bids = append(res.Bids, hb...)
	}
	slices.SortFunc(res.Bids, func(a, b domain.Bid) int { return cmp.Compare(a.ID, b.ID) })

	e.logger.Info("day cleared",
		slog.String("date", r.day()),
		slog.Int("bids", len(res.Bids)),
		slog.Int("blocks", len(res.Blocks)),
		slog.Int("rounds", r.rounds),
		slog.Int("dropped", dropped),
	)
	return res, nil
}

// PeriodResult is the outcome of a single-period auction.
type PeriodResult struct {
	Outcome domain.HourOutcome
	Bids    []domain.Bid
	Dropped int
}

// ClearPeriod clears one auction without hours or blocks. The Hour field
// of the bids is ignored.
func (e *Engine) ClearPeriod(ctx context.Context, bids []domain.Bid) (*PeriodResult, error) {
	cfg := e.cfg
	cfg.Hours = 1
	cfg.MustClearCategories = nil

	book := domain.BidBook{Bids: make([]domain.Bid, len(bids))}
	for i, b := range bids {
		b.Hour = 0
		book.Bids[i] = b
	}

	r := e.newRun(cfg, time.Time{})
	dropped := r.load(book)
	outcomes, err := r.solveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: clear period: %w", err)
	}
	r.allocate(outcomes)

	return &PeriodResult{
		Outcome: hourOutcome(0, outcomes[0]),
		Bids:    r.bids[0],
		Dropped: dropped,
	}, nil
}

// BuildCurves returns the curves of every hour of book with all valid bids
// and blocks active. It is meant for inspection.
func (e *Engine) BuildCurves(book domain.BidBook) []*Curve {
	r := e.newRun(e.cfg, book.Date)
	r.load(book)
	curves := make([]*Curve, e.cfg.Hours)
	for h := range curves {
		curves[h] = BuildCurve(r.hourBids(h))
	}
	return curves
}

// Solve runs the engine's solver on c.
func (e *Engine) Solve(c *Curve) Outcome {
	return e.solver.Solve(c)
}

// run is the state of one clearing call.
type run struct {
	cfg      Config
	solver   Solver
	logger   *slog.Logger
	date     time.Time
	bids     [][]domain.Bid
	blocks   []domain.BlockBid
	curves   []*Curve // kept across rounds when curves are incremental
	reported map[int]bool
	rounds   int
}

func (e *Engine) newRun(cfg Config, date time.Time) *run {
	return &run{
		cfg:      cfg,
		solver:   e.solver,
		logger:   e.logger,
		date:     date,
		bids:     make([][]domain.Bid, cfg.Hours),
		reported: make(map[int]bool),
	}
}

func (r *run) day() string {
	if r.date.IsZero() {
		return ""
	}
	return r.date.Format(time.DateOnly)
}

// load copies the valid offers of book into the run and assigns ids.
func (r *run) load(book domain.BidBook) int {
	dropped, id := 0, 0
	for _, b := range book.Bids {
		if err := r.cfg.ValidateBid(b); err != nil {
			r.logger.Warn("invalid bid dropped",
				slog.String("date", r.day()),
				slog.String("ref", b.Ref),
				slog.Int("hour", b.Hour),
				slog.String("error", err.Error()),
			)
			dropped++
			continue
		}
		id++
		b.ID = id
		b.AcceptedVolume = 0
		r.bids[b.Hour] = append(r.bids[b.Hour], b)
	}
	for _, b := range book.Blocks {
		if err := r.cfg.ValidateBlock(b); err != nil {
			r.logger.Warn("invalid bid dropped",
				slog.String("date", r.day()),
				slog.String("ref", b.Ref),
				slog.Int("start_hour", b.StartHour),
				slog.String("error", err.Error()),
			)
			dropped++
			continue
		}
		id++
		b.ID = id
		b.Accepted = true
		b.Unresolvable = false
		b.AcceptedVolume = 0
		r.blocks = append(r.blocks, b)
	}

	if r.cfg.IncrementalCurves {
		r.curves = make([]*Curve, r.cfg.Hours)
		for h := range r.curves {
			r.curves[h] = BuildCurve(r.hourBids(h))
		}
	}
	return dropped
}

// hourBids returns the simple bids of hour h plus the active blocks
// covering it.
func (r *run) hourBids(h int) []domain.Bid {
	out := slices.Clone(r.bids[h])
	for _, b := range r.blocks {
		if b.Accepted && b.Covers(h) {
			out = append(out, b.HourBid(h))
		}
	}
	return out
}

// takerBids is hourBids with the accepted blocks bid as price-takers:
// SELL at MinPrice and ASK at MaxPrice.
func (r *run) takerBids(h int) []domain.Bid {
	out := slices.Clone(r.bids[h])
	for _, b := range r.blocks {
		if !b.Accepted || !b.Covers(h) {
			continue
		}
		hb := b.HourBid(h)
		if hb.Direction == domain.DirectionSell {
			hb.Price = r.cfg.MinPrice
		} else {
			hb.Price = r.cfg.MaxPrice
		}
		out = append(out, hb)
	}
	return out
}

// solveAll solves every hour concurrently. Wait is the round barrier.
func (r *run) solveAll(ctx context.Context) ([]Outcome, error) {
	outcomes := make([]Outcome, r.cfg.Hours)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for h := range outcomes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[h] = r.solve(r.curve(h))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for h, o := range outcomes {
		r.report(h, o)
	}
	return outcomes, nil
}

func (r *run) solve(c *Curve) Outcome {
	o := r.solver.Solve(c)
	if o.Point >= 0 {
		o.marginalSell = cloneIDs(c.Points[o.Point].SellIDs)
		o.marginalAsk = cloneIDs(c.Points[o.Point].AskIDs)
	}
	return o
}

// report logs a structurally infeasible hour once per call.
func (r *run) report(h int, o Outcome) {
	if o.Kind != domain.OutcomeUnmeetable && o.Kind != domain.OutcomeInfeasible {
		return
	}
	if r.reported[h] {
		return
	}
	r.reported[h] = true
	r.logger.Warn("structural infeasibility",
		slog.String("date", r.day()),
		slog.Int("hour", h),
		slog.String("kind", string(o.Kind)),
		slog.Float64("price", o.Price),
		slog.Float64("volume", o.Volume),
	)
}

func (r *run) curve(h int) *Curve {
	if r.curves != nil {
		return r.curves[h]
	}
	return BuildCurve(r.hourBids(h))
}

func hourOutcome(h int, o Outcome) domain.HourOutcome {
	return domain.HourOutcome{
		Hour:            h,
		Price:           o.Price,
		Volume:          o.Volume,
		Kind:            o.Kind,
		MarginalSellIDs: o.marginalSell,
		MarginalAskIDs:  o.marginalAsk,
	}
}

func cloneIDs(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	return slices.Clone(ids)
}

package clearing

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

type candidate struct {
	idx    int
	profit float64
}

// clearBlocks deactivates blocks until every accepted block is profitable
// or unresolvable, then optionally frees volume for must-clear categories.
// It returns the outcomes of the final active set.
func (r *run) clearBlocks(ctx context.Context) ([]Outcome, error) {
	outcomes, err := r.profitPass(ctx)
	if err != nil || len(r.cfg.MustClearCategories) == 0 {
		return outcomes, err
	}
	removed, outcomes, err := r.mustClearPass(ctx, outcomes)
	if err != nil || removed == 0 {
		return outcomes, err
	}
	// Removing supply raises prices, which can turn demand blocks
	// unprofitable again.
	return r.profitPass(ctx)
}

func (r *run) profitPass(ctx context.Context) ([]Outcome, error) {
	for {
		outcomes, err := r.solveAll(ctx)
		if err != nil {
			return nil, err
		}
		r.rounds++
		over := r.dispatch(outcomes)

		for i := range r.blocks {
			r.blocks[i].Unresolvable = false
		}
		var cands []candidate
		for i, b := range r.blocks {
			if !b.Accepted {
				continue
			}
			p := r.profit(b, outcomes)
			if over[i] {
				p = math.Inf(-1)
			}
			if p < -r.cfg.Epsilon {
				cands = append(cands, candidate{idx: i, profit: p})
			}
		}
		if len(cands) == 0 {
			return outcomes, nil
		}
		r.sortCandidates(cands)
		if r.deactivate(cands, true) == 0 {
			return outcomes, nil
		}
	}
}

// mustClearPass deactivates accepted blocks that hold back in-the-money
// volume of must-clear categories on their own side of the market.
func (r *run) mustClearPass(ctx context.Context, outcomes []Outcome) (int, []Outcome, error) {
	total := 0
	for {
		short := make(map[domain.Direction][]bool, 2)
		short[domain.DirectionSell] = make([]bool, r.cfg.Hours)
		short[domain.DirectionAsk] = make([]bool, r.cfg.Hours)
		for h, o := range outcomes {
			if !o.Traded() {
				continue
			}
			a := r.allocateHour(h, o)
			unaccepted := map[domain.Direction]float64{}
			for i, b := range r.bids[h] {
				if r.cfg.mustClear(b.Category) && r.inTheMoney(b, o) {
					unaccepted[b.Direction] += b.Volume - a.accepted[i]
				}
			}
			for dir, v := range unaccepted {
				if v > r.cfg.VolumeTolerance {
					short[dir][h] = true
				}
			}
		}

		var cands []candidate
		for i, b := range r.blocks {
			if !b.Accepted {
				continue
			}
			for h := b.StartHour; h < b.EndHour(); h++ {
				if short[b.Direction][h] {
					cands = append(cands, candidate{idx: i, profit: r.profit(b, outcomes)})
					break
				}
			}
		}
		if len(cands) == 0 {
			return total, outcomes, nil
		}
		r.sortCandidates(cands)
		n := r.deactivate(cands, false)
		if n == 0 {
			return total, outcomes, nil
		}
		total += n

		var err error
		if outcomes, err = r.solveAll(ctx); err != nil {
			return total, nil, err
		}
		r.rounds++
		r.dispatch(outcomes)
	}
}

// dispatch makes every hour's cleared volume match what the allocator hands
// out once accepted blocks have taken their full volume. An hour where it
// does not is re-solved with its blocks bid as price-takers, which moves the
// reported volume onto the blocks' commitment. If one side's blocks still
// exceed the cleared volume, the other side cannot absorb them at any price;
// those blocks are returned by index so the loop can reject them.
func (r *run) dispatch(outcomes []Outcome) map[int]bool {
	over := make(map[int]bool)
	for h, o := range outcomes {
		if !o.Traded() || !r.hasBlocks(h) {
			continue
		}
		if r.matches(r.allocateHour(h, o), o) {
			continue
		}
		o = r.solve(BuildCurve(r.takerBids(h)))
		outcomes[h] = o
		r.report(h, o)

		a := r.allocateHour(h, o)
		for i, b := range r.blocks {
			if !b.Accepted || !b.Covers(h) {
				continue
			}
			side := a.sell
			if b.Direction == domain.DirectionAsk {
				side = a.ask
			}
			if side > o.Volume+r.cfg.VolumeTolerance {
				over[i] = true
			}
		}
	}
	return over
}

func (r *run) hasBlocks(h int) bool {
	for _, b := range r.blocks {
		if b.Accepted && b.Covers(h) {
			return true
		}
	}
	return false
}

// matches reports whether both sides of a were allocated o's volume.
func (r *run) matches(a allocation, o Outcome) bool {
	return math.Abs(a.sell-o.Volume) <= r.cfg.VolumeTolerance &&
		math.Abs(a.ask-o.Volume) <= r.cfg.VolumeTolerance
}

// profit is the per-unit surplus of b at the given hourly prices. An hour
// without a price makes the block undispatchable.
func (r *run) profit(b domain.BlockBid, outcomes []Outcome) float64 {
	var p float64
	for h := b.StartHour; h < b.EndHour(); h++ {
		price := outcomes[h].Price
		if math.IsNaN(price) {
			return math.Inf(-1)
		}
		if b.Direction == domain.DirectionSell {
			p += price - b.Price
		} else {
			p += b.Price - price
		}
	}
	return p
}

func (r *run) sortCandidates(cands []candidate) {
	slices.SortFunc(cands, func(x, y candidate) int {
		return cmp.Or(
			cmp.Compare(x.profit, y.profit),
			cmp.Compare(r.blocks[x.idx].Volume, r.blocks[y.idx].Volume),
			cmp.Compare(x.idx, y.idx),
		)
	})
}

// deactivate rejects up to the configured share of cands in order and
// returns how many were rejected. A block whose removal would leave some
// hour without enough supply for its inelastic demand is kept.
func (r *run) deactivate(cands []candidate, flag bool) int {
	limit := max(1, int(math.Floor(r.cfg.RemovedPercentage*float64(len(cands)))))
	removed := 0
	for _, c := range cands {
		if removed == limit {
			break
		}
		b := &r.blocks[c.idx]
		if r.wouldBeInfeasible(*b) {
			if flag {
				b.Unresolvable = true
			}
			r.logger.Warn("block bid unresolvable",
				slog.String("date", r.day()),
				slog.Int("block_id", b.ID),
				slog.String("ref", b.Ref),
				slog.Float64("profit", c.profit),
			)
			continue
		}
		b.Accepted = false
		if r.curves != nil {
			for h := b.StartHour; h < b.EndHour(); h++ {
				r.curves[h].Withdraw(b.HourBid(h))
			}
		}
		removed++
	}
	return removed
}

func (r *run) wouldBeInfeasible(b domain.BlockBid) bool {
	if b.Direction != domain.DirectionSell {
		return false
	}
	for h := b.StartHour; h < b.EndHour(); h++ {
		var supply, inelastic float64
		for _, bid := range r.hourBids(h) {
			switch {
			case bid.Direction == domain.DirectionSell:
				supply += bid.Volume
			case bid.Price >= r.cfg.MaxPrice:
				inelastic += bid.Volume
			}
		}
		if supply-b.Volume < inelastic-r.cfg.Epsilon {
			return true
		}
	}
	return false
}

func (r *run) inTheMoney(b domain.Bid, o Outcome) bool {
	if b.Direction == domain.DirectionSell {
		return b.Price <= o.Price+r.cfg.Epsilon
	}
	return b.Price >= o.Price-r.cfg.Epsilon
}

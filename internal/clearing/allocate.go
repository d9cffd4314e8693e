package clearing

import (
	"cmp"
	"log/slog"
	"math"
	"slices"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// allocation is the accepted volume of each simple bid of one hour,
// aligned with run.bids[hour].
type allocation struct {
	accepted []float64
	sell     float64
	ask      float64
}

// allocateHour distributes the cleared volume of hour h. Accepted blocks
// are served first, then in-the-money simple bids in merit order.
func (r *run) allocateHour(h int, o Outcome) allocation {
	bids := r.bids[h]
	a := allocation{accepted: make([]float64, len(bids))}
	if !o.Traded() {
		return a
	}

	sellPool, askPool := o.Volume, o.Volume
	for _, b := range r.blocks {
		if !b.Accepted || !b.Covers(h) {
			continue
		}
		if b.Direction == domain.DirectionSell {
			sellPool -= b.Volume
			a.sell += b.Volume
		} else {
			askPool -= b.Volume
			a.ask += b.Volume
		}
	}

	var sells, asks []int
	for i, b := range bids {
		switch {
		case !r.inTheMoney(b, o):
		case b.Direction == domain.DirectionSell:
			sells = append(sells, i)
		default:
			asks = append(asks, i)
		}
	}
	slices.SortFunc(sells, func(x, y int) int {
		return cmp.Or(cmp.Compare(bids[x].Price, bids[y].Price), r.tieBreak(bids[x], bids[y]))
	})
	slices.SortFunc(asks, func(x, y int) int {
		return cmp.Or(cmp.Compare(bids[y].Price, bids[x].Price), r.tieBreak(bids[x], bids[y]))
	})

	for _, i := range sells {
		take := math.Min(math.Max(sellPool, 0), bids[i].Volume)
		a.accepted[i] = take
		sellPool -= take
		a.sell += take
	}
	for _, i := range asks {
		take := math.Min(math.Max(askPool, 0), bids[i].Volume)
		a.accepted[i] = take
		askPool -= take
		a.ask += take
	}
	return a
}

// tieBreak orders bids at equal price by category priority, then larger
// volume first, then submission order.
func (r *run) tieBreak(x, y domain.Bid) int {
	return cmp.Or(
		cmp.Compare(r.rank(x.Category), r.rank(y.Category)),
		cmp.Compare(y.Volume, x.Volume),
		cmp.Compare(x.ID, y.ID),
	)
}

func (r *run) rank(c domain.Category) int {
	if i := slices.Index(r.cfg.CategoryPriority, c); i >= 0 {
		return i
	}
	return len(r.cfg.CategoryPriority)
}

// allocate writes the accepted volume of every bid and block. Accepted
// volumes are overwritten, never accumulated.
func (r *run) allocate(outcomes []Outcome) {
	for h, o := range outcomes {
		a := r.allocateHour(h, o)
		for i := range r.bids[h] {
			r.bids[h][i].AcceptedVolume = a.accepted[i]
		}
		if math.Abs(a.ask-a.sell) > r.cfg.VolumeTolerance {
			r.logger.Warn("volume mismatch",
				slog.String("date", r.day()),
				slog.Int("hour", h),
				slog.Float64("ask", a.ask),
				slog.Float64("sell", a.sell),
			)
		}
	}
	for i := range r.blocks {
		if r.blocks[i].Accepted {
			r.blocks[i].AcceptedVolume = r.blocks[i].Volume
		} else {
			r.blocks[i].AcceptedVolume = 0
		}
	}
}

package clearing

import (
	"math"
	"sort"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// Outcome is the equilibrium of one hour. Point indexes the price-setting
// curve point, or is -1 when nothing trades.
type Outcome struct {
	Price  float64
	Volume float64
	Kind   domain.OutcomeKind
	Point  int

	marginalSell []int
	marginalAsk  []int
}

// NoTrade is the outcome of an hour without supply or without demand.
func NoTrade() Outcome {
	return Outcome{Price: math.NaN(), Volume: math.NaN(), Kind: domain.OutcomeNoTrade, Point: -1}
}

// Traded reports whether the outcome carries a price.
func (o Outcome) Traded() bool {
	return !math.IsNaN(o.Price) && !math.IsNaN(o.Volume)
}

// Solver finds the equilibrium on a curve. It is stateless.
type Solver struct {
	MaxPrice float64
	Epsilon  float64
}

// Solve returns the equilibrium of c.
func (s Solver) Solve(c *Curve) Outcome {
	if c.TotalSupply() <= s.Epsilon || c.TotalDemand() <= s.Epsilon {
		return NoTrade()
	}
	o := s.SolveRange(c.Points, 0, len(c.Points)-1)
	if o.Kind != domain.OutcomeInfeasible && o.Price >= s.MaxPrice && s.lt(o.Volume, c.Points[o.Point].AskMax) {
		o.Kind = domain.OutcomeUnmeetable
	}
	return o
}

// SolveRange searches points[start..end] by bisection. The equilibrium is
// the first point at which demand no longer exceeds the supply offered at
// that price; start, end and an interpolated middle point are probed before
// the range is halved towards the sign change.
func (s Solver) SolveRange(points []PriceCurvePoint, start, end int) Outcome {
	if o, ok := s.probe(points, start); ok {
		return o
	}
	if end > start {
		if o, ok := s.probe(points, end); ok {
			return o
		}
	}
	if end-start <= 1 {
		return s.collapse(points, start, end)
	}

	mid := s.middle(points, start, end)
	if o, ok := s.probe(points, mid); ok {
		return o
	}
	if s.demandExceeds(points[mid]) {
		return s.SolveRange(points, mid, end)
	}
	return s.SolveRange(points, start, mid)
}

// probe classifies point i if it is where demand stops exceeding supply.
func (s Solver) probe(points []PriceCurvePoint, i int) (Outcome, bool) {
	last := i == len(points)-1
	if s.demandExceeds(points[i]) {
		if last {
			return Outcome{
				Price:  s.MaxPrice,
				Volume: points[i].SellMax,
				Kind:   domain.OutcomeUnmeetable,
				Point:  i,
			}, true
		}
		return Outcome{}, false
	}
	if i > 0 && !s.demandExceeds(points[i-1]) {
		return Outcome{}, false
	}
	return s.classify(points, i)
}

// classify applies the intersection rules to point i in priority order.
// A side has a step at p when some bid of that side is priced at p; its
// size is irrelevant, so steps smaller than Epsilon still count.
func (s Solver) classify(points []PriceCurvePoint, i int) (Outcome, bool) {
	p := points[i]
	askStep := len(p.AskIDs) > 0
	sellStep := len(p.SellIDs) > 0

	switch {
	case askStep && sellStep && s.le(p.AskMin, p.SellMax) && s.le(p.SellMin, p.AskMax):
		return Outcome{
			Price:  p.Price,
			Volume: math.Min(p.AskMax, p.SellMax),
			Kind:   domain.OutcomeAmbiguousVolume,
			Point:  i,
		}, true

	case s.eq(p.AskMin, p.SellMax):
		price := p.Price
		if i+1 < len(points) {
			price = (p.Price + points[i+1].Price) / 2
		}
		return Outcome{Price: price, Volume: p.AskMin, Kind: domain.OutcomeAmbiguousPrice, Point: i}, true

	case !askStep && s.lt(p.SellMin, p.AskMin) && s.lt(p.AskMin, p.SellMax):
		return Outcome{Price: p.Price, Volume: p.AskMin, Kind: domain.OutcomeIntersection, Point: i}, true

	case !sellStep && s.lt(p.AskMin, p.SellMin) && s.lt(p.SellMin, p.AskMax):
		return Outcome{Price: p.Price, Volume: p.SellMin, Kind: domain.OutcomeIntersection, Point: i}, true
	}
	return Outcome{}, false
}

// middle interpolates excess demand linearly between the outer corners of
// points[start] and points[end] and returns the first point at or above the
// zero crossing, strictly inside the range.
func (s Solver) middle(points []PriceCurvePoint, start, end int) int {
	first, last := points[start], points[end]
	excessFirst := first.AskMax - first.SellMin
	excessLast := last.AskMin - last.SellMax

	mid := (start + end) / 2
	if span := excessFirst - excessLast; span > 0 {
		target := first.Price + (last.Price-first.Price)*excessFirst/span
		mid = start + sort.Search(end-start, func(k int) bool {
			return points[start+k].Price >= target
		})
	}
	return min(max(mid, start+1), end-1)
}

// collapse reports a range that narrowed without an equilibrium. The hour
// clears at the price ceiling with the largest volume both sides can carry.
func (s Solver) collapse(points []PriceCurvePoint, start, end int) Outcome {
	return Outcome{
		Price:  s.MaxPrice,
		Volume: math.Min(points[end].SellMax, points[start].AskMax),
		Kind:   domain.OutcomeInfeasible,
		Point:  end,
	}
}

func (s Solver) demandExceeds(p PriceCurvePoint) bool {
	return s.lt(p.SellMax, p.AskMin)
}

func (s Solver) eq(a, b float64) bool { return math.Abs(a-b) <= s.Epsilon }
func (s Solver) lt(a, b float64) bool { return a < b-s.Epsilon }
func (s Solver) le(a, b float64) bool { return a <= b+s.Epsilon }

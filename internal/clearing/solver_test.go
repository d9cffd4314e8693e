package clearing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

func testSolver() Solver {
	return Solver{MaxPrice: 3000, Epsilon: 1e-9}
}

func TestSolve(t *testing.T) {
	tests := []struct {
		name   string
		bids   []domain.Bid
		price  float64
		volume float64
		kind   domain.OutcomeKind
	}{
		{
			name:   "flat supply crosses demand step",
			bids:   []domain.Bid{sell(1, 1, 10), ask(2, 2, 10), sell(3, 3, 10), ask(4, 4, 8)},
			price:  2,
			volume: 10,
			kind:   domain.OutcomeIntersection,
		},
		{
			name:   "ambiguous price takes the midpoint",
			bids:   []domain.Bid{sell(1, 2, 10), sell(2, 4, 10), ask(3, 1, 10), ask(4, 3, 10)},
			price:  2.5,
			volume: 10,
			kind:   domain.OutcomeAmbiguousPrice,
		},
		{
			name:   "ambiguous volume takes the larger trade",
			bids:   []domain.Bid{ask(1, 1, 5), sell(2, 2, 10), ask(3, 2, 10), sell(4, 4, 10)},
			price:  2,
			volume: 10,
			kind:   domain.OutcomeAmbiguousVolume,
		},
		{
			name:   "flat demand crosses supply step",
			bids:   []domain.Bid{sell(1, 1, 5), sell(2, 3, 10), ask(3, 5, 8)},
			price:  3,
			volume: 8,
			kind:   domain.OutcomeIntersection,
		},
		{
			name:   "single price on both sides",
			bids:   []domain.Bid{sell(1, 10, 6), ask(2, 10, 4)},
			price:  10,
			volume: 4,
			kind:   domain.OutcomeAmbiguousVolume,
		},
		{
			name:   "inelastic demand beyond supply",
			bids:   []domain.Bid{sell(1, 10, 5), ask(2, 3000, 8)},
			price:  3000,
			volume: 5,
			kind:   domain.OutcomeUnmeetable,
		},
		{
			name: "demand step below epsilon",
			bids: []domain.Bid{
				sell(1, 1, 9.9999999992), ask(2, 5, 5e-10), sell(3, 5, 10), ask(4, 8, 10),
			},
			price:  5,
			volume: 10.0000000005,
			kind:   domain.OutcomeAmbiguousVolume,
		},
		{
			name: "long book",
			bids: []domain.Bid{
				sell(1, 5, 10), sell(2, 10, 10), sell(3, 15, 10), sell(4, 20, 10),
				sell(5, 25, 10), sell(6, 30, 10), sell(7, 35, 10), sell(8, 40, 10),
				ask(9, 100, 35), ask(10, 33, 10), ask(11, 12, 20),
			},
			price:  25,
			volume: 45,
			kind:   domain.OutcomeIntersection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testSolver().Solve(BuildCurve(tt.bids))
			assert.Equal(t, tt.kind, o.Kind)
			assert.InDelta(t, tt.price, o.Price, 1e-9)
			assert.InDelta(t, tt.volume, o.Volume, 1e-9)
			assert.True(t, o.Traded())
		})
	}
}

func TestSolve_EpsilonKeepsSmallSteps(t *testing.T) {
	c := BuildCurve([]domain.Bid{
		sell(1, 1, 9.9999999992), ask(2, 5, 5e-10), sell(3, 5, 10), ask(4, 8, 10),
	})
	exact := Solver{MaxPrice: 3000}.Solve(c)
	relaxed := testSolver().Solve(c)

	assert.Equal(t, domain.OutcomeAmbiguousVolume, exact.Kind)
	assert.Equal(t, exact.Kind, relaxed.Kind)
	assert.Equal(t, exact.Point, relaxed.Point)
	assert.Equal(t, exact.Price, relaxed.Price)
	assert.Equal(t, exact.Volume, relaxed.Volume)
}

func TestSolve_NoTrade(t *testing.T) {
	tests := []struct {
		name string
		bids []domain.Bid
	}{
		{"empty", nil},
		{"supply only", []domain.Bid{sell(1, 1, 10)}},
		{"demand only", []domain.Bid{ask(1, 1, 10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testSolver().Solve(BuildCurve(tt.bids))
			assert.False(t, o.Traded())
			assert.Equal(t, domain.OutcomeNoTrade, o.Kind)
			assert.Equal(t, -1, o.Point)
		})
	}
}

func TestSolveRange_FindsFirstCrossing(t *testing.T) {
	// Point 0 is an ambiguous price. Point 1 also satisfies the
	// ambiguous-volume rule but lies past the crossing.
	c := BuildCurve([]domain.Bid{sell(1, 1, 10), sell(2, 2, 5), ask(3, 2, 4), ask(4, 3, 6)})
	s := testSolver()

	_, ok := s.classify(c.Points, 1)
	assert.True(t, ok)
	_, ok = s.probe(c.Points, 1)
	assert.False(t, ok)

	o := s.SolveRange(c.Points, 0, len(c.Points)-1)
	assert.Equal(t, 0, o.Point)
	assert.Equal(t, domain.OutcomeAmbiguousPrice, o.Kind)
	assert.InDelta(t, 1.5, o.Price, 1e-9)
	assert.InDelta(t, 10.0, o.Volume, 1e-9)
}

func TestSolveRange_CollapseIsInfeasible(t *testing.T) {
	// Hand-built points that violate curve monotonicity never classify.
	points := []PriceCurvePoint{
		{Price: 1, SellMin: 0, SellMax: 1, AskMin: 5, AskMax: 6},
		{Price: 2, SellMin: 9, SellMax: 9, AskMin: 2, AskMax: 2},
	}
	o := testSolver().SolveRange(points, 0, 1)
	assert.Equal(t, domain.OutcomeInfeasible, o.Kind)
	assert.Equal(t, 3000.0, o.Price)
	assert.Equal(t, 6.0, o.Volume)
}

func TestSolver_Middle(t *testing.T) {
	c := BuildCurve([]domain.Bid{
		sell(1, 1, 10), sell(2, 2, 10), sell(3, 3, 10), sell(4, 4, 10), ask(5, 4, 25),
	})
	mid := testSolver().middle(c.Points, 0, len(c.Points)-1)
	assert.Greater(t, mid, 0)
	assert.Less(t, mid, len(c.Points)-1)
}

package clearing

import (
	"fmt"
	"runtime"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// Config holds the market parameters of a clearing engine. It is passed
// explicitly to NewEngine; the engine keeps no global state.
type Config struct {
	Hours    int
	MinPrice float64
	MaxPrice float64

	// RemovedPercentage is the share of unprofitable blocks deactivated per
	// round. At least one block is removed per round when any qualifies.
	RemovedPercentage float64

	// VolumeTolerance bounds the accepted ask/sell imbalance per hour
	// before a mismatch is reported.
	VolumeTolerance float64

	// Epsilon is the tolerance for volume comparisons on the curves.
	// Zero selects exact float equality.
	Epsilon float64

	Workers             int
	MustClearCategories []domain.Category
	CategoryPriority    []domain.Category

	// IncrementalCurves withdraws deactivated blocks from the existing
	// curves instead of rebuilding them each round.
	IncrementalCurves bool
}

// DefaultConfig returns the parameters of a standard European day-ahead
// auction.
func DefaultConfig() Config {
	return Config{
		Hours:             domain.HoursPerDay,
		MinPrice:          -500,
		MaxPrice:          3000,
		RemovedPercentage: 0.1,
		VolumeTolerance:   0.5,
		Epsilon:           1e-9,
		Workers:           runtime.GOMAXPROCS(0),
		CategoryPriority: []domain.Category{
			domain.CategoryRenewable,
			domain.CategoryExchange,
			domain.CategoryStorage,
			domain.CategoryConventional,
			domain.CategoryDemand,
		},
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Hours <= 0:
		return fmt.Errorf("clearing: hours must be positive, got %d", c.Hours)
	case c.MinPrice >= c.MaxPrice:
		return fmt.Errorf("clearing: min price %v must be below max price %v", c.MinPrice, c.MaxPrice)
	case c.RemovedPercentage < 0 || c.RemovedPercentage > 1:
		return fmt.Errorf("clearing: removed percentage must be in [0,1], got %v", c.RemovedPercentage)
	case c.VolumeTolerance < 0:
		return fmt.Errorf("clearing: volume tolerance must not be negative")
	case c.Epsilon < 0:
		return fmt.Errorf("clearing: epsilon must not be negative")
	}
	return nil
}

func (c Config) mustClear(cat domain.Category) bool {
	for _, m := range c.MustClearCategories {
		if m == cat {
			return true
		}
	}
	return false
}

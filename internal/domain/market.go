package domain

import (
	"encoding/json"
	"math"
	"time"
)

// HoursPerDay is the number of hourly slots in a day-ahead auction.
const HoursPerDay = 24

// Direction distinguishes supply from demand.
type Direction string

const (
	DirectionSell Direction = "sell" // supply
	DirectionAsk  Direction = "ask"  // demand
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSell || d == DirectionAsk
}

// Category classifies the origin of a bid. Some categories can be
// configured as must-clear.
type Category string

const (
	CategoryRenewable    Category = "renewable"
	CategoryExchange     Category = "exchange"
	CategoryStorage      Category = "storage"
	CategoryConventional Category = "conventional"
	CategoryDemand       Category = "demand"
)

// Bid is a single-hour price/volume offer.
type Bid struct {
	ID             int       `json:"id" yaml:"-"`
	Ref            string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Hour           int       `json:"hour" yaml:"hour"`
	Price          float64   `json:"price" yaml:"price"`
	Volume         float64   `json:"volume" yaml:"volume"`
	Direction      Direction `json:"direction" yaml:"direction"`
	Category       Category  `json:"category,omitempty" yaml:"category,omitempty"`
	StartupCost    float64   `json:"startup_cost,omitempty" yaml:"startup_cost,omitempty"`
	AcceptedVolume float64   `json:"accepted_volume" yaml:"-"`
}

// BlockBid is an all-or-nothing offer spanning consecutive hours
// [StartHour, StartHour+Length).
type BlockBid struct {
	ID             int       `json:"id" yaml:"-"`
	Ref            string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Price          float64   `json:"price" yaml:"price"`
	Volume         float64   `json:"volume" yaml:"volume"`
	Direction      Direction `json:"direction" yaml:"direction"`
	Category       Category  `json:"category,omitempty" yaml:"category,omitempty"`
	StartHour      int       `json:"start_hour" yaml:"start_hour"`
	Length         int       `json:"length" yaml:"length"`
	Accepted       bool      `json:"accepted" yaml:"-"`
	Unresolvable   bool      `json:"unresolvable,omitempty" yaml:"-"`
	AcceptedVolume float64   `json:"accepted_volume" yaml:"-"`
}

// EndHour returns the first hour after the block.
func (b BlockBid) EndHour() int { return b.StartHour + b.Length }

// Covers reports whether the block spans hour h.
func (b BlockBid) Covers(h int) bool { return h >= b.StartHour && h < b.EndHour() }

// HourBid materialises the block as a simple bid for one hour.
func (b BlockBid) HourBid(h int) Bid {
	return Bid{
		ID:        b.ID,
		Ref:       b.Ref,
		Hour:      h,
		Price:     b.Price,
		Volume:    b.Volume,
		Direction: b.Direction,
		Category:  b.Category,
	}
}

// BidBook is the complete set of offers submitted for one delivery day.
type BidBook struct {
	Date   time.Time  `json:"date" yaml:"date"`
	Bids   []Bid      `json:"bids" yaml:"bids"`
	Blocks []BlockBid `json:"blocks,omitempty" yaml:"blocks,omitempty"`
}

// OutcomeKind describes how a clearing price was determined.
type OutcomeKind string

const (
	OutcomeIntersection    OutcomeKind = "intersection"
	OutcomeAmbiguousPrice  OutcomeKind = "ambiguous_price"
	OutcomeAmbiguousVolume OutcomeKind = "ambiguous_volume"
	OutcomeUnmeetable      OutcomeKind = "unmeetable"
	OutcomeInfeasible      OutcomeKind = "infeasible"
	OutcomeNoTrade         OutcomeKind = "no_trade"
)

// HourOutcome is the cleared price and volume for one hour. Price and
// Volume are NaN when nothing trades.
type HourOutcome struct {
	Hour            int         `json:"hour"`
	Price           float64     `json:"price"`
	Volume          float64     `json:"volume"`
	Kind            OutcomeKind `json:"kind"`
	MarginalSellIDs []int       `json:"marginal_sell_ids,omitempty"`
	MarginalAskIDs  []int       `json:"marginal_ask_ids,omitempty"`
}

// Traded reports whether the hour cleared a price.
func (o HourOutcome) Traded() bool {
	return !math.IsNaN(o.Price) && !math.IsNaN(o.Volume)
}

// MarshalJSON encodes NaN price and volume as null.
func (o HourOutcome) MarshalJSON() ([]byte, error) {
	type alias HourOutcome
	return json.Marshal(struct {
		alias
		Price  *float64 `json:"price"`
		Volume *float64 `json:"volume"`
	}{
		alias:  alias(o),
		Price:  nullable(o.Price),
		Volume: nullable(o.Volume),
	})
}

// UnmarshalJSON decodes null price and volume as NaN.
func (o *HourOutcome) UnmarshalJSON(data []byte) error {
	type alias HourOutcome
	aux := struct {
		*alias
		Price  *float64 `json:"price"`
		Volume *float64 `json:"volume"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Price = fromNullable(aux.Price)
	o.Volume = fromNullable(aux.Volume)
	return nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func fromNullable(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// DayResult is the output of clearing one delivery day.
type DayResult struct {
	RunID     string        `json:"run_id"`
	Date      time.Time     `json:"date"`
	Hours     []HourOutcome `json:"hours"`
	Bids      []Bid         `json:"bids"`
	Blocks    []BlockBid    `json:"blocks,omitempty"`
	Rounds    int           `json:"rounds"`
	Dropped   int           `json:"dropped"`
	ClearedAt time.Time     `json:"cleared_at"`
}

// MarginalStartupCost returns the largest startup cost among the sell bids
// that set the price in hour h.
func (r *DayResult) MarginalStartupCost(h int) float64 {
	if h < 0 || h >= len(r.Hours) {
		return 0
	}
	marginal := make(map[int]struct{}, len(r.Hours[h].MarginalSellIDs))
	for _, id := range r.Hours[h].MarginalSellIDs {
		marginal[id] = struct{}{}
	}
	var cost float64
	for _, b := range r.Bids {
		if _, ok := marginal[b.ID]; ok && b.StartupCost > cost {
			cost = b.StartupCost
		}
	}
	return cost
}

// InfeasibleHours lists the hours that cleared at the price ceiling
// without meeting demand.
func (r *DayResult) InfeasibleHours() []int {
	var hours []int
	for _, o := range r.Hours {
		if o.Kind == OutcomeInfeasible || o.Kind == OutcomeUnmeetable {
			hours = append(hours, o.Hour)
		}
	}
	return hours
}

// DaySummary is the persisted header of a cleared day.
type DaySummary struct {
	RunID      string    `json:"run_id"`
	Date       time.Time `json:"date"`
	Rounds     int       `json:"rounds"`
	BidCount   int       `json:"bid_count"`
	BlockCount int       `json:"block_count"`
	Accepted   int       `json:"accepted_blocks"`
	ClearedAt  time.Time `json:"cleared_at"`
}

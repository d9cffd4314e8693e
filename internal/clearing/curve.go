package clearing

import (
	"slices"
	"sort"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// PriceCurvePoint is one price step of the aggregated supply and demand
// curves of an hour.
//
// SellMax is the supply offered at or below Price and SellMin the supply
// offered strictly below it. AskMax is the demand bid at or above Price
// and AskMin the demand bid strictly above it. A side whose min equals its
// max has no step at this price.
type PriceCurvePoint struct {
	Price   float64
	SellMin float64
	SellMax float64
	AskMin  float64
	AskMax  float64
	SellIDs []int // bids adding supply at Price
	AskIDs  []int // bids adding demand at Price
}

// Curve is the ordered set of price points of one hour.
type Curve struct {
	Points []PriceCurvePoint
}

// BuildCurve aggregates bids into one point per distinct price, sorted by
// ascending price.
func BuildCurve(bids []domain.Bid) *Curve {
	prices := make([]float64, 0, len(bids))
	for _, b := range bids {
		prices = append(prices, b.Price)
	}
	slices.Sort(prices)
	prices = slices.Compact(prices)

	points := make([]PriceCurvePoint, len(prices))
	sellAt := make([]float64, len(prices))
	askAt := make([]float64, len(prices))
	for i, p := range prices {
		points[i].Price = p
	}
	for _, b := range bids {
		i, _ := slices.BinarySearch(prices, b.Price)
		switch b.Direction {
		case domain.DirectionSell:
			sellAt[i] += b.Volume
			points[i].SellIDs = append(points[i].SellIDs, b.ID)
		case domain.DirectionAsk:
			askAt[i] += b.Volume
			points[i].AskIDs = append(points[i].AskIDs, b.ID)
		}
	}

	var sell float64
	for i := range points {
		points[i].SellMin = sell
		sell += sellAt[i]
		points[i].SellMax = sell
	}
	var ask float64
	for i := len(points) - 1; i >= 0; i-- {
		points[i].AskMin = ask
		ask += askAt[i]
		points[i].AskMax = ask
	}
	return &Curve{Points: points}
}

// TotalSupply returns the volume offered at any price.
func (c *Curve) TotalSupply() float64 {
	if len(c.Points) == 0 {
		return 0
	}
	return c.Points[len(c.Points)-1].SellMax
}

// TotalDemand returns the volume bid at any price.
func (c *Curve) TotalDemand() float64 {
	if len(c.Points) == 0 {
		return 0
	}
	return c.Points[0].AskMax
}

// Withdraw removes the contribution of bid b from the curve in place. A
// point left without contributing bids is dropped, so the result matches a
// curve built without b. It reports whether b was found.
func (c *Curve) Withdraw(b domain.Bid) bool {
	i := sort.Search(len(c.Points), func(i int) bool { return c.Points[i].Price >= b.Price })
	if i == len(c.Points) || c.Points[i].Price != b.Price {
		return false
	}
	pt := &c.Points[i]

	switch b.Direction {
	case domain.DirectionSell:
		k := slices.Index(pt.SellIDs, b.ID)
		if k < 0 {
			return false
		}
		pt.SellIDs = slices.Delete(pt.SellIDs, k, k+1)
		for j := i; j < len(c.Points); j++ {
			c.Points[j].SellMax -= b.Volume
			if j > i {
				c.Points[j].SellMin -= b.Volume
			}
		}
	case domain.DirectionAsk:
		k := slices.Index(pt.AskIDs, b.ID)
		if k < 0 {
			return false
		}
		pt.AskIDs = slices.Delete(pt.AskIDs, k, k+1)
		for j := 0; j <= i; j++ {
			c.Points[j].AskMax -= b.Volume
			if j < i {
				c.Points[j].AskMin -= b.Volume
			}
		}
	default:
		return false
	}

	if len(pt.SellIDs) == 0 && len(pt.AskIDs) == 0 {
		c.Points = slices.Delete(c.Points, i, i+1)
	}
	return true
}

// Clone returns a deep copy of the curve.
func (c *Curve) Clone() *Curve {
	out := &Curve{Points: make([]PriceCurvePoint, len(c.Points))}
	for i, p := range c.Points {
		p.SellIDs = slices.Clone(p.SellIDs)
		p.AskIDs = slices.Clone(p.AskIDs)
		out.Points[i] = p
	}
	return out
}

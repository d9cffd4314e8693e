package clearing

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

func (c Config) checkOffer(price, volume float64, dir domain.Direction) error {
	switch {
	case !dir.Valid():
		return fmt.Errorf("unknown direction %q", dir)
	case math.IsNaN(price) || price < c.MinPrice || price > c.MaxPrice:
		return fmt.Errorf("price %v outside [%v, %v]", price, c.MinPrice, c.MaxPrice)
	case math.IsNaN(volume) || math.IsInf(volume, 0) || volume <= 0:
		return fmt.Errorf("volume %v must be positive", volume)
	}
	return nil
}

// ValidateBid reports why b cannot take part in an auction of c.Hours hours.
func (c Config) ValidateBid(b domain.Bid) error {
	if err := c.checkOffer(b.Price, b.Volume, b.Direction); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidBid, err)
	}
	if b.Hour < 0 || b.Hour >= c.Hours {
		return fmt.Errorf("%w: hour %d outside [0, %d)", domain.ErrInvalidBid, b.Hour, c.Hours)
	}
	return nil
}

// ValidateBlock reports why b cannot take part in an auction of c.Hours
// hours.
func (c Config) ValidateBlock(b domain.BlockBid) error {
	if err := c.checkOffer(b.Price, b.Volume, b.Direction); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidBlock, err)
	}
	if b.Length < 1 || b.StartHour < 0 || b.EndHour() > c.Hours {
		return fmt.Errorf("%w: hours [%d, %d) outside [0, %d)",
			domain.ErrInvalidBlock, b.StartHour, b.EndHour(), c.Hours)
	}
	return nil
}

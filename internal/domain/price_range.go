package domain

import "fmt"

// PriceRange is the half-open price interval [Low, High) used as a search filter.
type PriceRange struct {
	Low  int `json:"price_low"`
	High int `json:"price_high"`
}

func (r PriceRange) Width() int {
	return r.High - r.Low
}

func (r PriceRange) Validate() error {
	if r.Low < 0 {
		return fmt.Errorf("price range %s: low bound must not be negative", r)
	}
	if r.High <= r.Low {
		return fmt.Errorf("price range %s: high bound must be greater than low bound", r)
	}
	return nil
}

func (r PriceRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

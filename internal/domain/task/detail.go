package task

import "airbnb/scraper/internal/domain"

// DetailTask asks for the full record and reviews of one listing.
type DetailTask struct {
	ListingID string `json:"listing_id"`
	Location  string `json:"location,omitempty"`
	PriceLow  int    `json:"price_low"`  // Owning range, diagnostics only
	PriceHigh int    `json:"price_high"` // Owning range, diagnostics only
}

func NewDetailTask(listingID, location string, r domain.PriceRange) *DetailTask {
	return &DetailTask{
		ListingID: listingID,
		Location:  location,
		PriceLow:  r.Low,
		PriceHigh: r.High,
	}
}

func (t *DetailTask) Range() domain.PriceRange {
	return domain.PriceRange{Low: t.PriceLow, High: t.PriceHigh}
}

func (t *DetailTask) TaskType() string {
	return TypeDetail
}

func (t *DetailTask) TaskValue() ([]byte, error) {
	return DefaultTaskValue(t)
}

// TaskKey ignores the owning range: the same listing found through two
// adjacent ranges is still one unit of work.
func (t *DetailTask) TaskKey() string {
	return "detail:" + t.ListingID
}

package task

import (
	"fmt"

	"airbnb/scraper/internal/domain"
)

// PivotTask asks for the price range [PriceLow, PriceHigh) to be classified:
// split further, enumerated, or dropped as empty.
type PivotTask struct {
	Location  string `json:"location"`
	PriceLow  int    `json:"price_low"`
	PriceHigh int    `json:"price_high"`
	CheckIn   string `json:"check_in,omitempty"`
	CheckOut  string `json:"check_out,omitempty"`
}

func NewPivotTask(location string, r domain.PriceRange, checkIn, checkOut string) *PivotTask {
	return &PivotTask{
		Location:  location,
		PriceLow:  r.Low,
		PriceHigh: r.High,
		CheckIn:   checkIn,
		CheckOut:  checkOut,
	}
}

func (t *PivotTask) Range() domain.PriceRange {
	return domain.PriceRange{Low: t.PriceLow, High: t.PriceHigh}
}

// Query builds the search query for this range at the given page window.
func (t *PivotTask) Query(limit, offset int) domain.SearchQuery {
	return domain.SearchQuery{
		Location: t.Location,
		Range:    t.Range(),
		CheckIn:  t.CheckIn,
		CheckOut: t.CheckOut,
		Limit:    limit,
		Offset:   offset,
	}
}

func (t *PivotTask) TaskType() string {
	return TypePivot
}

func (t *PivotTask) TaskValue() ([]byte, error) {
	return DefaultTaskValue(t)
}

func (t *PivotTask) TaskKey() string {
	return fmt.Sprintf("pivot:%s:%d:%d:%s:%s", t.Location, t.PriceLow, t.PriceHigh, t.CheckIn, t.CheckOut)
}

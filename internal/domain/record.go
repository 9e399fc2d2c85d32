package domain

import "time"

// ListingRecord is the normalized output for one successfully processed listing.
type ListingRecord struct {
	ID              string           `json:"id"`
	LocationQuery   string           `json:"location_query,omitempty"`
	PriceRange      PriceRange       `json:"price_range"` // Range the listing was discovered in, diagnostics only
	Detail          map[string]any   `json:"detail"`
	Reviews         []map[string]any `json:"reviews"`
	ReviewsComplete bool             `json:"reviews_complete"` // False when review collection was skipped or failed
	ScrapedAt       time.Time        `json:"scraped_at"`
}

// Document returns the detail object with the reviews embedded under "reviews".
func (r *ListingRecord) Document() map[string]any {
	doc := make(map[string]any, len(r.Detail)+1)
	for k, v := range r.Detail {
		doc[k] = v
	}

	reviews := r.Reviews
	if reviews == nil {
		reviews = []map[string]any{}
	}
	doc["reviews"] = reviews

	return doc
}

// FailureRecord is emitted in place of a ListingRecord when a task
// exhausts its retry budget.
type FailureRecord struct {
	TaskType string    `json:"task_type"`
	TaskKey  string    `json:"task_key"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	Payload  string    `json:"payload"`
	FailedAt time.Time `json:"failed_at"`
}

package domain

// SearchQuery is one "list items in range" request against the search endpoint.
type SearchQuery struct {
	Location string     `json:"location"`
	Range    PriceRange `json:"range"`
	CheckIn  string     `json:"check_in,omitempty"`  // YYYY-MM-DD
	CheckOut string     `json:"check_out,omitempty"` // YYYY-MM-DD
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

type ListingStub struct {
	ID string `json:"id"`
}

// SearchPage is a single page of search results together with the total
// match count reported by upstream for the whole query.
type SearchPage struct {
	Total    int           `json:"total"`
	Listings []ListingStub `json:"listings"`
}

type ReviewPage struct {
	Total   int              `json:"total"`
	Reviews []map[string]any `json:"reviews"`
}

package paginate

import (
	"context"
	"fmt"

	"airbnb/scraper/internal/domain"

	log "github.com/sirupsen/logrus"
)

type ListingSearcher interface {
	SearchListings(ctx context.Context, query domain.SearchQuery) (*domain.SearchPage, error)
}

// EmitFunc receives every listing discovered while enumerating a range.
type EmitFunc func(ctx context.Context, stub domain.ListingStub) error

// ListingDriver enumerates every listing of a range known to be under the cap.
type ListingDriver struct {
	searcher ListingSearcher
	walker   Walker
}

// NewListingDriver pages through at most maxResults listings per range, the
// window upstream serves for one query. 0 pages through everything reported.
func NewListingDriver(searcher ListingSearcher, pageSize, maxResults int, delay Delay) *ListingDriver {
	return &ListingDriver{
		searcher: searcher,
		walker:   Walker{PageSize: pageSize, Delay: delay, MaxResults: maxResults},
	}
}

// EnumerateResult summarizes one Enumerate call.
type EnumerateResult struct {
	Requests int
	Total    int // Total reported on the first page
	Emitted  int
}

// Enumerate pages through query's range and hands each listing to emit as
// soon as its page arrives. Listing ids repeated across pages are emitted once.
func (d *ListingDriver) Enumerate(ctx context.Context, query domain.SearchQuery, emit EmitFunc) (EnumerateResult, error) {
	var result EnumerateResult
	seen := make(map[string]struct{})
	first := true

	requests, err := d.walker.Walk(ctx, func(ctx context.Context, offset, limit int) (int, error) {
		query.Offset = offset
		query.Limit = limit

		page, err := d.searcher.SearchListings(ctx, query)
		if err != nil {
			return 0, err
		}
		if first {
			result.Total = page.Total
			first = false
		}

		for _, stub := range page.Listings {
			if stub.ID == "" {
				continue
			}
			if _, dup := seen[stub.ID]; dup {
				continue
			}
			seen[stub.ID] = struct{}{}

			if err := emit(ctx, stub); err != nil {
				return 0, fmt.Errorf("failed to emit listing %s: %w", stub.ID, err)
			}
			result.Emitted++
		}

		log.Debugf("Range %s offset %d: %d listings on page", query.Range, offset, len(page.Listings))
		return page.Total, nil
	})
	result.Requests = requests

	return result, err
}

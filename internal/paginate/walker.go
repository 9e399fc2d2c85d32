package paginate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// PagesNeeded returns how many pages of pageSize cover total results.
func PagesNeeded(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Delay is a uniformly random pause in [Min, Max] between page requests.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

func (d Delay) Next() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min+1)
}

// Wait sleeps for the next jitter duration or until ctx is done.
func (d Delay) Wait(ctx context.Context) error {
	pause := d.Next()
	if pause <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PageFunc fetches the page at offset and returns the total result count
// upstream reported alongside it.
type PageFunc func(ctx context.Context, offset, limit int) (total int, err error)

// Walker requests pages in increasing offset order. The page count is fixed
// by the total reported on the first page; later totals are ignored.
type Walker struct {
	PageSize int
	Delay    Delay
	// MaxResults is the deepest offset upstream serves; results past it are
	// never requested. 0 means no limit.
	MaxResults int
}

// Walk returns the number of page requests issued.
func (w *Walker) Walk(ctx context.Context, fetch PageFunc) (int, error) {
	if w.PageSize <= 0 {
		return 0, fmt.Errorf("page size must be positive, got %d", w.PageSize)
	}

	total, err := fetch(ctx, 0, w.PageSize)
	if err != nil {
		return 1, fmt.Errorf("failed to fetch first page: %w", err)
	}

	reachable := total
	if w.MaxResults > 0 {
		reachable = min(total, w.MaxResults)
	}

	pages := PagesNeeded(reachable, w.PageSize)
	requests := 1
	for page := 1; page < pages; page++ {
		if err := w.Delay.Wait(ctx); err != nil {
			return requests, err
		}

		requests++
		if _, err := fetch(ctx, page*w.PageSize, w.PageSize); err != nil {
			return requests, fmt.Errorf("failed to fetch page %d of %d: %w", page+1, pages, err)
		}
	}

	return requests, nil
}

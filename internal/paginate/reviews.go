package paginate

import (
	"context"
	"fmt"

	"airbnb/scraper/internal/domain"
)

type ReviewFetcher interface {
	GetReviews(ctx context.Context, listingID string, limit, offset int) (*domain.ReviewPage, error)
}

// ReviewFetchError means a listing's reviews could not be collected in full.
// Callers treat reviews as best effort and keep the listing.
type ReviewFetchError struct {
	ListingID string
	Err       error
}

func (e *ReviewFetchError) Error() string {
	return fmt.Sprintf("failed to collect reviews for listing %s: %v", e.ListingID, e.Err)
}

func (e *ReviewFetchError) Unwrap() error {
	return e.Err
}

// ReviewDriver collects all reviews of one listing into memory.
type ReviewDriver struct {
	fetcher   ReviewFetcher
	walker    Walker
	normalize func(map[string]any) map[string]any
}

func NewReviewDriver(fetcher ReviewFetcher, pageSize int, delay Delay, normalize func(map[string]any) map[string]any) *ReviewDriver {
	return &ReviewDriver{
		fetcher:   fetcher,
		walker:    Walker{PageSize: pageSize, Delay: delay},
		normalize: normalize,
	}
}

// Collect returns every review of the listing. A failure on any page
// discards what was collected so far.
func (d *ReviewDriver) Collect(ctx context.Context, listingID string) ([]map[string]any, error) {
	reviews := make([]map[string]any, 0)

	_, err := d.walker.Walk(ctx, func(ctx context.Context, offset, limit int) (int, error) {
		page, err := d.fetcher.GetReviews(ctx, listingID, limit, offset)
		if err != nil {
			return 0, err
		}

		for _, review := range page.Reviews {
			if d.normalize != nil {
				review = d.normalize(review)
			}
			reviews = append(reviews, review)
		}
		return page.Total, nil
	})
	if err != nil {
		return nil, &ReviewFetchError{ListingID: listingID, Err: err}
	}

	return reviews, nil
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"airbnb/scraper/internal/domain"
	"airbnb/scraper/internal/gateway"

	log "github.com/sirupsen/logrus"
)

type AirbnbClient interface {
	SearchListings(ctx context.Context, query domain.SearchQuery) (*domain.SearchPage, error)
	GetListingDetail(ctx context.Context, listingID string) (map[string]any, error)
	GetReviews(ctx context.Context, listingID string, limit, offset int) (*domain.ReviewPage, error)
}

type airbnbClient struct {
	fetcher gateway.Fetcher
	baseURL string
}

func NewAirbnbClient(fetcher gateway.Fetcher, baseURL string) AirbnbClient {
	return &airbnbClient{
		fetcher: fetcher,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type searchResponse struct {
	Metadata struct {
		ListingsCount int `json:"listings_count"`
	} `json:"metadata"`
	SearchResults []struct {
		Listing struct {
			ID json.Number `json:"id"`
		} `json:"listing"`
	} `json:"search_results"`
}

type detailResponse struct {
	Detail map[string]any `json:"pdp_listing_detail"`
}

type reviewsResponse struct {
	Reviews  []map[string]any `json:"reviews"`
	Metadata struct {
		ReviewsCount int `json:"reviews_count"`
	} `json:"metadata"`
}

func (c *airbnbClient) SearchListings(ctx context.Context, query domain.SearchQuery) (*domain.SearchPage, error) {
	params := url.Values{}
	params.Set("location", query.Location)
	params.Set("price_min", strconv.Itoa(query.Range.Low))
	params.Set("price_max", strconv.Itoa(query.Range.High))
	params.Set("_limit", strconv.Itoa(query.Limit))
	params.Set("_offset", strconv.Itoa(query.Offset))
	if query.CheckIn != "" {
		params.Set("checkin", query.CheckIn)
	}
	if query.CheckOut != "" {
		params.Set("checkout", query.CheckOut)
	}

	target := fmt.Sprintf("%s/v2/search_results?%s", c.baseURL, params.Encode())

	var resp searchResponse
	if err := c.fetcher.FetchJSON(ctx, target, &resp); err != nil {
		return nil, fmt.Errorf("failed to search listings in range %s: %w", query.Range, err)
	}

	page := &domain.SearchPage{
		Total:    resp.Metadata.ListingsCount,
		Listings: make([]domain.ListingStub, 0, len(resp.SearchResults)),
	}
	for _, result := range resp.SearchResults {
		if id := result.Listing.ID.String(); id != "" {
			page.Listings = append(page.Listings, domain.ListingStub{ID: id})
		}
	}

	log.Debugf("Search %s offset %d: %d of %d listings", query.Range, query.Offset, len(page.Listings), page.Total)
	return page, nil
}

func (c *airbnbClient) GetListingDetail(ctx context.Context, listingID string) (map[string]any, error) {
	target := fmt.Sprintf("%s/v2/pdp_listing_details/%s?_format=for_native", c.baseURL, url.PathEscape(listingID))

	var resp detailResponse
	if err := c.fetcher.FetchJSON(ctx, target, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch detail for listing %s: %w", listingID, err)
	}
	if resp.Detail == nil {
		return nil, fmt.Errorf("detail response for listing %s has no pdp_listing_detail", listingID)
	}

	return resp.Detail, nil
}

func (c *airbnbClient) GetReviews(ctx context.Context, listingID string, limit, offset int) (*domain.ReviewPage, error) {
	params := url.Values{}
	params.Set("_order", "language_country")
	params.Set("_limit", strconv.Itoa(limit))
	params.Set("_offset", strconv.Itoa(offset))
	params.Set("_format", "for_mobile_client")
	params.Set("role", "all")
	params.Set("listing_id", listingID)

	target := fmt.Sprintf("%s/v2/reviews?%s", c.baseURL, params.Encode())

	var resp reviewsResponse
	if err := c.fetcher.FetchJSON(ctx, target, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch reviews for listing %s at offset %d: %w", listingID, offset, err)
	}

	reviews := resp.Reviews
	if reviews == nil {
		reviews = []map[string]any{}
	}
	return &domain.ReviewPage{Total: resp.Metadata.ReviewsCount, Reviews: reviews}, nil
}

var roomIDRegex = regexp.MustCompile(`/rooms/(?:plus/)?(\d+)`)

// ListingIDFromURL extracts the listing id from a listing page URL such as
// https://www.airbnb.com/rooms/12345?adults=2.
func ListingIDFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid listing url %q: %w", raw, err)
	}

	matches := roomIDRegex.FindStringSubmatch(u.Path)
	if len(matches) < 2 {
		return "", fmt.Errorf("could not extract listing id from URL: %s", raw)
	}

	return matches[1], nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"airbnb/scraper/internal/domain"
	"airbnb/scraper/internal/domain/task"
	"airbnb/scraper/internal/gateway"
	"airbnb/scraper/internal/queue"
	"airbnb/scraper/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu          sync.Mutex
	search      func(q domain.SearchQuery) (*domain.SearchPage, error)
	detail      func(id string) (map[string]any, error)
	reviews     func(id string, limit, offset int) (*domain.ReviewPage, error)
	queries     []domain.SearchQuery
	detailCalls map[string]int
}

func (f *fakeClient) SearchListings(_ context.Context, q domain.SearchQuery) (*domain.SearchPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.search == nil {
		return nil, errors.New("unexpected search")
	}
	return f.search(q)
}

func (f *fakeClient) GetListingDetail(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	if f.detailCalls == nil {
		f.detailCalls = make(map[string]int)
	}
	f.detailCalls[id]++
	f.mu.Unlock()
	if f.detail == nil {
		return map[string]any{"id": id, "room_type": "Entire home"}, nil
	}
	return f.detail(id)
}

func (f *fakeClient) GetReviews(_ context.Context, id string, limit, offset int) (*domain.ReviewPage, error) {
	if f.reviews == nil {
		return &domain.ReviewPage{Reviews: []map[string]any{}}, nil
	}
	return f.reviews(id, limit, offset)
}

func (f *fakeClient) searchQueries() []domain.SearchQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SearchQuery(nil), f.queries...)
}

type fakeSink struct {
	mu       sync.Mutex
	listings []domain.ListingRecord
	failures []domain.FailureRecord
}

func (s *fakeSink) SaveListing(_ context.Context, record domain.ListingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = append(s.listings, record)
	return nil
}

func (s *fakeSink) SaveFailure(_ context.Context, record domain.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, record)
	return nil
}

func (s *fakeSink) listingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.listings))
	for _, l := range s.listings {
		ids = append(ids, l.ID)
	}
	sort.Strings(ids)
	return ids
}

func testOptions() Options {
	return Options{
		Location:       "Prague",
		PriceDomain:    domain.PriceRange{Low: 0, High: 100},
		SeedSlices:     1,
		Cap:            1000,
		ProbeLimit:     10,
		PageSize:       50,
		ReviewPageSize: 50,
		MaxWorkers:     10,
		MaxTaskRetries: 2,
		HandleTimeout:  5 * time.Second,
		DrainInterval:  10 * time.Millisecond,
	}
}

func runService(t *testing.T, fc *fakeClient, opts Options) (*fakeSink, *queue.MemoryQueue, map[string]int64) {
	t.Helper()
	sink := &fakeSink{}
	q := queue.NewMemoryQueue()
	svc := NewService(fc, q, sink, state.NewMemoryStatsRecorder(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, svc.Run(ctx))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	return sink, q, stats
}

// pageOf returns the [offset, offset+limit) window of ids.
func pageOf(ids []string, offset, limit int) []domain.ListingStub {
	stubs := []domain.ListingStub{}
	for i := offset; i < len(ids) && i < offset+limit; i++ {
		stubs = append(stubs, domain.ListingStub{ID: ids[i]})
	}
	return stubs
}

func TestRunUnitSlicesEnumerateOnePagePerLeaf(t *testing.T) {
	fc := &fakeClient{
		search: func(q domain.SearchQuery) (*domain.SearchPage, error) {
			ids := make([]string, 50)
			for i := range ids {
				ids[i] = fmt.Sprintf("%d-%d", q.Range.Low, i)
			}
			return &domain.SearchPage{Total: 50, Listings: pageOf(ids, q.Offset, q.Limit)}, nil
		},
	}
	opts := testOptions()
	opts.SeedSlices = 100

	sink, _, stats := runService(t, fc, opts)

	pagesPerLeaf := map[domain.PriceRange]int{}
	for _, q := range fc.searchQueries() {
		assert.Equal(t, 1, q.Range.Width())
		if q.Limit == opts.PageSize {
			pagesPerLeaf[q.Range]++
		}
	}
	require.Len(t, pagesPerLeaf, 100)
	for r, pages := range pagesPerLeaf {
		assert.Equal(t, 1, pages, r.String())
	}

	assert.Len(t, sink.listingIDs(), 5000)
	assert.EqualValues(t, 100, stats[state.RangesEnumerated])
	assert.Zero(t, stats[state.RangesSplit])
	assert.Empty(t, sink.failures)
}

func TestRunSplitsUntilUnderCap(t *testing.T) {
	// 5000 listings priced 0, 10, 20, ... 49990.
	prices := make(map[string]int, 5000)
	for i := 0; i < 5000; i++ {
		prices[fmt.Sprintf("L%04d", i)] = i * 10
	}
	inRange := func(r domain.PriceRange) []string {
		var ids []string
		for id, p := range prices {
			if p >= r.Low && p < r.High {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids
	}

	fc := &fakeClient{
		search: func(q domain.SearchQuery) (*domain.SearchPage, error) {
			ids := inRange(q.Range)
			return &domain.SearchPage{Total: len(ids), Listings: pageOf(ids, q.Offset, q.Limit)}, nil
		},
	}
	opts := testOptions()
	opts.PriceDomain = domain.PriceRange{Low: 0, High: 50000}

	sink, _, stats := runService(t, fc, opts)

	probed := map[domain.PriceRange]bool{}
	for _, q := range fc.searchQueries() {
		probed[q.Range] = true
		if q.Limit == opts.PageSize {
			assert.LessOrEqual(t, len(inRange(q.Range)), opts.Cap, "enumerated over-cap range %s", q.Range)
		}
	}
	assert.True(t, probed[domain.PriceRange{Low: 0, High: 25000}])
	assert.True(t, probed[domain.PriceRange{Low: 25000, High: 50000}])

	ids := sink.listingIDs()
	require.Len(t, ids, 5000)
	for i := 1; i < len(ids); i++ {
		require.NotEqual(t, ids[i-1], ids[i])
	}
	assert.Positive(t, stats[state.RangesSplit])
	assert.Zero(t, stats[state.RangesLossy])
}

func TestRunReviewFailureStillSavesListing(t *testing.T) {
	fc := &fakeClient{
		search: func(q domain.SearchQuery) (*domain.SearchPage, error) {
			return &domain.SearchPage{Total: 1, Listings: pageOf([]string{"42"}, q.Offset, q.Limit)}, nil
		},
		reviews: func(string, int, int) (*domain.ReviewPage, error) {
			return nil, errors.New("reviews unavailable")
		},
	}
	opts := testOptions()
	opts.IncludeReviews = true

	sink, _, stats := runService(t, fc, opts)

	require.Len(t, sink.listings, 1)
	record := sink.listings[0]
	assert.Equal(t, "42", record.ID)
	assert.NotNil(t, record.Reviews)
	assert.Empty(t, record.Reviews)
	assert.False(t, record.ReviewsComplete)
	assert.Equal(t, "Entire home", record.Detail["roomType"])
	assert.Empty(t, sink.failures)
	assert.EqualValues(t, 1, stats[state.ReviewsIncomplete])
}

func TestRunCollectsAllReviewPages(t *testing.T) {
	all := []map[string]any{
		{"reviewer_name": "Ana", "comments": "<p>Great</p>"},
		{"reviewer_name": "Bo", "comments": "Fine"},
		{"reviewer_name": "Cy", "comments": "Ok"},
	}
	fc := &fakeClient{
		search: func(q domain.SearchQuery) (*domain.SearchPage, error) {
			return &domain.SearchPage{Total: 1, Listings: pageOf([]string{"42"}, q.Offset, q.Limit)}, nil
		},
		reviews: func(_ string, limit, offset int) (*domain.ReviewPage, error) {
			end := min(offset+limit, len(all))
			return &domain.ReviewPage{Total: len(all), Reviews: all[offset:end]}, nil
		},
	}
	opts := testOptions()
	opts.IncludeReviews = true
	opts.ReviewPageSize = 2

	sink, _, _ := runService(t, fc, opts)

	require.Len(t, sink.listings, 1)
	record := sink.listings[0]
	assert.True(t, record.ReviewsComplete)
	require.Len(t, record.Reviews, 3)
	assert.Equal(t, "Ana", record.Reviews[0]["reviewerName"])
	assert.Equal(t, "Great", record.Reviews[0]["comments"])
}

func TestRunEmitsSharedListingOnce(t *testing.T) {
	fc := &fakeClient{
		search: func(q domain.SearchQuery) (*domain.SearchPage, error) {
			ids := []string{"shared", fmt.Sprintf("only-%d", q.Range.Low)}
			return &domain.SearchPage{Total: len(ids), Listings: pageOf(ids, q.Offset, q.Limit)}, nil
		},
	}
	opts := testOptions()
	opts.SeedSlices = 2

	sink, _, stats := runService(t, fc, opts)

	assert.Equal(t, []string{"only-0", "only-50", "shared"}, sink.listingIDs())
	assert.EqualValues(t, 1, fc.detailCalls["shared"])
	assert.EqualValues(t, 1, stats[state.DuplicatesSkipped])
}

func TestRunEmptyRangesProduceNothing(t *testing.T) {
	fc := &fakeClient{
		search: func(domain.SearchQuery) (*domain.SearchPage, error) {
			return &domain.SearchPage{Total: 0, Listings: []domain.ListingStub{}}, nil
		},
	}
	opts := testOptions()
	opts.SeedSlices = 4

	sink, _, stats := runService(t, fc, opts)

	assert.Empty(t, sink.listings)
	assert.EqualValues(t, 4, stats[state.RangesEmpty])
	assert.Len(t, fc.searchQueries(), 4)
}

func TestRunStartURLsSkipSearch(t *testing.T) {
	fc := &fakeClient{}
	opts := testOptions()
	opts.StartURLs = []string{
		"https://www.airbnb.com/rooms/5",
		"https://www.airbnb.com/rooms/5?adults=2",
		"https://www.airbnb.com/rooms/plus/7",
		"https://www.airbnb.com/s/Prague",
	}

	sink, _, stats := runService(t, fc, opts)

	assert.Equal(t, []string{"5", "7"}, sink.listingIDs())
	assert.Empty(t, fc.searchQueries())
	assert.EqualValues(t, 1, stats[state.DuplicatesSkipped])
}

func TestRunPermanentFailureEmitsFailureRecord(t *testing.T) {
	fc := &fakeClient{
		detail: func(id string) (map[string]any, error) {
			if id == "2" {
				return nil, errors.New("listing gone")
			}
			return map[string]any{"id": id}, nil
		},
	}
	opts := testOptions()
	opts.StartURLs = []string{"https://www.airbnb.com/rooms/1", "https://www.airbnb.com/rooms/2"}

	sink, q, stats := runService(t, fc, opts)

	assert.Equal(t, []string{"1"}, sink.listingIDs())
	assert.Equal(t, opts.MaxTaskRetries+1, fc.detailCalls["2"])

	require.Len(t, sink.failures, 1)
	failure := sink.failures[0]
	assert.Equal(t, task.TypeDetail, failure.TaskType)
	assert.Equal(t, "detail:2", failure.TaskKey)
	assert.Equal(t, opts.MaxTaskRetries+1, failure.Attempts)
	assert.Contains(t, failure.Error, "listing gone")
	assert.Contains(t, failure.Payload, `"listing_id":"2"`)

	assert.Len(t, q.Failed(), 1)
	assert.EqualValues(t, 1, stats[state.TasksFailed])
	assert.EqualValues(t, opts.MaxTaskRetries, stats[state.TasksRetried])
}

func TestReclaimCountsAsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	q := queue.NewMemoryQueue()
	opts := testOptions()
	opts.MaxTaskRetries = 1
	svc := NewService(&fakeClient{}, q, sink, state.NewMemoryStatsRecorder(), opts)

	_, err := q.Enqueue(ctx, task.NewDetailTask("9", "Prague", domain.PriceRange{Low: 0, High: 10}))
	require.NoError(t, err)

	// The first consumer takes the task and never finishes it.
	_, err = q.Dequeue(ctx, "stalled", task.TypeDetail)
	require.NoError(t, err)

	svc.reclaim(ctx, task.TypeDetail)
	d, err := q.Dequeue(ctx, "stalled", task.TypeDetail)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempt)

	svc.reclaim(ctx, task.TypeDetail)
	require.Len(t, sink.failures, 1)
	assert.Equal(t, 2, sink.failures[0].Attempts)

	n, err := q.Outstanding(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The search is still in flight when the run is cancelled.
	fc := &fakeClient{
		search: func(domain.SearchQuery) (*domain.SearchPage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	opts := testOptions()
	opts.MaxTaskRetries = 1000

	q := queue.NewMemoryQueue()
	stats := state.NewMemoryStatsRecorder()
	svc := NewService(fc, q, &fakeSink{}, stats, opts)

	err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The interrupted task is neither retried nor failed.
	snapshot, err := stats.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snapshot[state.TasksRetried])
	assert.Zero(t, snapshot[state.TasksFailed])

	n, err := q.Outstanding(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunWaitsBeforeRetrying(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	fc := &fakeClient{
		detail: func(id string) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, time.Now())
			if len(calls) == 1 {
				return nil, errors.New("upstream unavailable")
			}
			return map[string]any{"id": id}, nil
		},
	}
	opts := testOptions()
	opts.StartURLs = []string{"https://www.airbnb.com/rooms/1"}
	opts.RequeueDelay = 50 * time.Millisecond
	opts.RequeueMaxDelay = time.Second

	sink, _, stats := runService(t, fc, opts)

	assert.Equal(t, []string{"1"}, sink.listingIDs())
	assert.EqualValues(t, 1, stats[state.TasksRetried])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), opts.RequeueDelay)
}

func TestRunMissingListingFailsWithoutRetry(t *testing.T) {
	fc := &fakeClient{
		detail: func(id string) (map[string]any, error) {
			return nil, fmt.Errorf("failed to fetch listing %s: %w", id, &gateway.FetchError{
				Kind:     gateway.KindFatal,
				URL:      "https://api.airbnb.com/v2/pdp_listing_details/" + id,
				Status:   http.StatusNotFound,
				Attempts: 1,
				Err:      errors.New("unexpected status"),
			})
		},
	}
	opts := testOptions()
	opts.StartURLs = []string{"https://www.airbnb.com/rooms/2"}

	sink, _, stats := runService(t, fc, opts)

	assert.Equal(t, 1, fc.detailCalls["2"])
	require.Len(t, sink.failures, 1)
	assert.Equal(t, 1, sink.failures[0].Attempts)
	assert.Contains(t, sink.failures[0].Error, "status 404")
	assert.Zero(t, stats[state.TasksRetried])
	assert.EqualValues(t, 1, stats[state.TasksFailed])
}

func TestRequeueDelayGrowsUpToCap(t *testing.T) {
	opts := testOptions()
	opts.RequeueDelay = time.Second
	opts.RequeueMaxDelay = 5 * time.Second
	svc := NewService(&fakeClient{}, queue.NewMemoryQueue(), &fakeSink{}, state.NewMemoryStatsRecorder(), opts)

	var delays []time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		delays = append(delays, svc.requeueDelay(attempt))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, delays)

	opts.RequeueDelay = 0
	svc = NewService(&fakeClient{}, queue.NewMemoryQueue(), &fakeSink{}, state.NewMemoryStatsRecorder(), opts)
	assert.Zero(t, svc.requeueDelay(3))
}

func TestRequeueDelayCapBelowBase(t *testing.T) {
	opts := testOptions()
	opts.RequeueDelay = 2 * time.Second
	svc := NewService(&fakeClient{}, queue.NewMemoryQueue(), &fakeSink{}, state.NewMemoryStatsRecorder(), opts)

	assert.Equal(t, 2*time.Second, svc.requeueDelay(0))
	assert.Equal(t, 2*time.Second, svc.requeueDelay(4))
}

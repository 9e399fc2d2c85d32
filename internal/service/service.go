package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"airbnb/scraper/internal/client"
	"airbnb/scraper/internal/config"
	"airbnb/scraper/internal/domain"
	"airbnb/scraper/internal/domain/task"
	"airbnb/scraper/internal/gateway"
	"airbnb/scraper/internal/normalize"
	"airbnb/scraper/internal/paginate"
	"airbnb/scraper/internal/partition"
	"airbnb/scraper/internal/queue"
	"airbnb/scraper/internal/repository"
	"airbnb/scraper/internal/state"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options controls seeding and the worker pool.
type Options struct {
	Location       string
	StartURLs      []string
	PriceDomain    domain.PriceRange
	CheckIn        string
	CheckOut       string
	IncludeReviews bool

	SeedSlices     int
	Cap            int
	ProbeLimit     int
	PageSize       int
	ReviewPageSize int
	Jitter         paginate.Delay

	MaxWorkers      int
	MaxTaskRetries  int
	HandleTimeout   time.Duration
	MinIdleTime     time.Duration // 0 disables reclaiming
	DrainInterval   time.Duration
	RequeueDelay    time.Duration // 0 requeues immediately
	RequeueMaxDelay time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Location:        cfg.Input.LocationQuery,
		StartURLs:       cfg.Input.StartURLs,
		PriceDomain:     domain.PriceRange{Low: cfg.Input.MinPrice, High: cfg.Input.MaxPrice},
		CheckIn:         cfg.Input.CheckIn,
		CheckOut:        cfg.Input.CheckOut,
		IncludeReviews:  cfg.Input.IncludeReviews,
		SeedSlices:      cfg.Crawl.SeedSlices,
		Cap:             cfg.Crawl.Cap,
		ProbeLimit:      cfg.Crawl.ProbeLimit,
		PageSize:        cfg.Crawl.PageSize,
		ReviewPageSize:  cfg.Crawl.ReviewPageSize,
		Jitter:          paginate.Delay{Min: cfg.Crawl.JitterMin, Max: cfg.Crawl.JitterMax},
		MaxWorkers:      cfg.Crawl.MaxWorkers,
		MaxTaskRetries:  cfg.Crawl.MaxTaskRetries,
		HandleTimeout:   cfg.Crawl.HandleTimeout,
		MinIdleTime:     cfg.Redis.MinIdleTime,
		DrainInterval:   cfg.Crawl.DrainInterval,
		RequeueDelay:    cfg.Crawl.RequeueDelay,
		RequeueMaxDelay: cfg.Crawl.RequeueMaxDelay,
	}
}

type Service struct {
	client      client.AirbnbClient
	queue       queue.Queue
	sink        repository.Sink
	stats       state.StatsRecorder
	partitioner *partition.Partitioner
	listings    *paginate.ListingDriver
	reviews     *paginate.ReviewDriver
	opts        Options
	now         func() time.Time
}

func NewService(
	client client.AirbnbClient,
	queue queue.Queue,
	sink repository.Sink,
	stats state.StatsRecorder,
	opts Options,
) *Service {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 10 * time.Second
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 120 * time.Second
	}
	if opts.RequeueMaxDelay < opts.RequeueDelay {
		opts.RequeueMaxDelay = opts.RequeueDelay
	}

	return &Service{
		client:      client,
		queue:       queue,
		sink:        sink,
		stats:       stats,
		partitioner: partition.New(opts.Cap),
		listings:    paginate.NewListingDriver(client, opts.PageSize, opts.Cap, opts.Jitter),
		reviews:     paginate.NewReviewDriver(client, opts.ReviewPageSize, opts.Jitter, normalize.Record),
		opts:        opts,
		now:         time.Now,
	}
}

// Seed enqueues the initial tasks. Start URLs become detail tasks directly
// and take precedence over the location query.
func (s *Service) Seed(ctx context.Context) error {
	var seeded int

	if len(s.opts.StartURLs) > 0 {
		if s.opts.Location != "" {
			log.Warnf("⚠️ Both start URLs and location %q given, crawling start URLs only", s.opts.Location)
		}

		for _, raw := range s.opts.StartURLs {
			id, err := client.ListingIDFromURL(raw)
			if err != nil {
				log.Warnf("⚠️ Skipping start URL: %v", err)
				continue
			}

			accepted, err := s.enqueue(ctx, task.NewDetailTask(id, s.opts.Location, domain.PriceRange{}))
			if err != nil {
				return fmt.Errorf("failed to seed listing %s: %w", id, err)
			}
			if accepted {
				seeded++
			}
		}

		log.Infof("🌱 Seeded %d detail tasks from %d start URLs", seeded, len(s.opts.StartURLs))
		return nil
	}

	ranges := partition.Seed(s.opts.PriceDomain, s.opts.SeedSlices)
	for _, r := range ranges {
		accepted, err := s.enqueue(ctx, task.NewPivotTask(s.opts.Location, r, s.opts.CheckIn, s.opts.CheckOut))
		if err != nil {
			return fmt.Errorf("failed to seed range %s: %w", r, err)
		}
		if accepted {
			seeded++
		}
	}

	log.Infof("🌱 Seeded %d of %d price ranges over %s for %q", seeded, len(ranges), s.opts.PriceDomain, s.opts.Location)
	if len(ranges) > 0 {
		log.Debugf("Ranges of width %d split at most %d times", ranges[0].Width(), partition.MaxDepth(ranges[0].Width()))
	}
	return nil
}

// Run seeds the queue and processes tasks until none is outstanding or ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Seed(ctx); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	pivotWorkers := max(1, s.opts.MaxWorkers/5)
	detailWorkers := max(1, s.opts.MaxWorkers-pivotWorkers)
	s.runWorkersForStream(gctx, g, task.TypePivot, pivotWorkers)
	s.runWorkersForStream(gctx, g, task.TypeDetail, detailWorkers)

	g.Go(func() error {
		s.waitForDrain(gctx)
		stop()
		return nil
	})

	err := g.Wait()
	s.logStats(context.WithoutCancel(ctx))

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Service) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(s.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Handlers enqueue their children before acking, so the counter
			// only reaches zero once the whole tree is done.
			n, err := s.queue.Outstanding(ctx)
			if err != nil {
				log.Errorf("❌ Failed to read outstanding tasks: %v", err)
				continue
			}
			if n <= 0 {
				log.Info("✅ Queue drained, stopping workers")
				return
			}
			log.Debugf("%d tasks outstanding", n)
		}
	}
}

func (s *Service) runWorkersForStream(ctx context.Context, g *errgroup.Group, taskType string, numWorkers int) {
	if s.opts.MinIdleTime > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.opts.MinIdleTime)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.reclaim(ctx, taskType)
				}
			}
		})
	}

	for i := 0; i < numWorkers; i++ {
		workerID := i + 1
		g.Go(func() error {
			consumer := fmt.Sprintf("%s-worker-%d", taskType, workerID)
			logger := log.WithFields(log.Fields{"consumer": consumer})
			logger.Debug("🚀 Starting worker")

			for {
				select {
				case <-ctx.Done():
					logger.Debug("🛑 Worker stopping")
					return nil
				default:
				}

				d, err := s.queue.Dequeue(ctx, consumer, taskType)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Errorf("❌ Failed to get task: %v", err)
					sleep(ctx, time.Second)
					continue
				}

				if d != nil {
					s.processDelivery(ctx, d)
				}
			}
		})
	}
}

// reclaim takes over deliveries whose consumer went silent. The attempt is
// counted as failed and the task is requeued or failed for good.
func (s *Service) reclaim(ctx context.Context, taskType string) {
	consumer := fmt.Sprintf("reclaimer-%s", taskType)
	deliveries, err := s.queue.Reclaim(ctx, consumer, taskType, s.opts.MinIdleTime)
	if err != nil {
		log.Errorf("❌ Failed to reclaim %s tasks: %v", taskType, err)
		return
	}
	if len(deliveries) == 0 {
		return
	}

	log.Infof("🔄 Reclaimed %d stalled %s tasks", len(deliveries), taskType)
	s.incr(ctx, state.TasksReclaimed, int64(len(deliveries)))
	for _, d := range deliveries {
		t, _ := d.Task()
		s.retryOrFail(ctx, d, t, fmt.Errorf("task not completed within %s", s.opts.MinIdleTime))
	}
}

func (s *Service) processDelivery(ctx context.Context, d *queue.Delivery) {
	t, err := d.Task()
	if err != nil {
		// An undecodable payload will not improve with retries.
		s.fail(ctx, d, nil, err)
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, s.opts.HandleTimeout)
	err = s.handle(handleCtx, t)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the delivery stays pending and is reclaimed later.
			return
		}
		s.retryOrFail(ctx, d, t, err)
		return
	}

	if err := s.queue.Ack(ctx, d); err != nil {
		log.Errorf("❌ Failed to ack task %s: %v", t.TaskKey(), err)
	}
}

func (s *Service) handle(ctx context.Context, t task.Task) error {
	switch t := t.(type) {
	case *task.PivotTask:
		return s.handlePivot(ctx, t)
	case *task.DetailTask:
		return s.handleDetail(ctx, t)
	default:
		return fmt.Errorf("unknown task type: %s", t.TaskType())
	}
}

func (s *Service) retryOrFail(ctx context.Context, d *queue.Delivery, t task.Task, cause error) {
	if t == nil || d.Attempt >= s.opts.MaxTaskRetries || isGone(cause) {
		s.fail(ctx, d, t, cause)
		return
	}

	delay := s.requeueDelay(d.Attempt)
	if err := s.queue.Requeue(ctx, d, delay); err != nil {
		log.Errorf("❌ Failed to requeue task %s: %v", t.TaskKey(), err)
		return
	}

	s.incr(ctx, state.TasksRetried, 1)
	log.Warnf("🔄 Task %s failed on attempt %d, retrying in %s: %v", t.TaskKey(), d.Attempt+1, delay, cause)
}

// requeueDelay is how long a task that failed on the given attempt waits
// before it is handed out again.
func (s *Service) requeueDelay(attempt int) time.Duration {
	if s.opts.RequeueDelay <= 0 {
		return 0
	}

	backoff := retry.WithCappedDuration(s.opts.RequeueMaxDelay, retry.NewExponential(s.opts.RequeueDelay))
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay, _ = backoff.Next()
	}
	return delay
}

// isGone reports whether upstream said the resource does not exist, which
// no retry will change.
func isGone(err error) bool {
	return gateway.IsStatus(err, http.StatusNotFound) || gateway.IsStatus(err, http.StatusGone)
}

// fail removes the task for good and stores a diagnostic record in place of
// its output.
func (s *Service) fail(ctx context.Context, d *queue.Delivery, t task.Task, cause error) {
	key := ""
	if t != nil {
		key = t.TaskKey()
	}

	if err := s.queue.MarkFailed(ctx, d, cause.Error()); err != nil {
		log.Errorf("❌ Failed to mark task %s as failed: %v", key, err)
	}

	record := domain.FailureRecord{
		TaskType: d.TaskType,
		TaskKey:  key,
		Attempts: d.Attempt + 1,
		Error:    cause.Error(),
		Payload:  string(d.Data),
		FailedAt: s.now().UTC(),
	}
	if err := s.sink.SaveFailure(ctx, record); err != nil {
		log.Errorf("❌ Failed to save failure record for %s: %v", key, err)
	}

	s.incr(ctx, state.TasksFailed, 1)
	log.Errorf("❌ Task %s failed after %d attempts: %v", key, record.Attempts, cause)
}

func (s *Service) handlePivot(ctx context.Context, t *task.PivotTask) error {
	r := t.Range()

	probe, err := s.client.SearchListings(ctx, t.Query(s.opts.ProbeLimit, 0))
	if err != nil {
		return fmt.Errorf("failed to probe range %s: %w", r, err)
	}
	s.incr(ctx, state.SearchRequests, 1)
	s.incr(ctx, state.PivotsProcessed, 1)

	decision := s.partitioner.Classify(r, probe.Total)
	switch decision.Action {
	case partition.ActionEmpty:
		s.incr(ctx, state.RangesEmpty, 1)
		log.Debugf("Range %s is empty", r)

	case partition.ActionSplit:
		for _, half := range []domain.PriceRange{decision.Left, decision.Right} {
			if _, err := s.enqueue(ctx, task.NewPivotTask(t.Location, half, t.CheckIn, t.CheckOut)); err != nil {
				return fmt.Errorf("failed to enqueue range %s: %w", half, err)
			}
		}
		s.incr(ctx, state.RangesSplit, 1)
		log.Infof("✂️ Range %s has %d listings, split into %s and %s", r, probe.Total, decision.Left, decision.Right)

	case partition.ActionEnumerate:
		if decision.Lossy {
			s.incr(ctx, state.RangesLossy, 1)
			log.Warnf("⚠️ Range %s has %d listings but cannot be narrowed, only the first %d are reachable",
				r, probe.Total, s.partitioner.Cap)
		}

		result, err := s.listings.Enumerate(ctx, t.Query(s.opts.PageSize, 0), func(ctx context.Context, stub domain.ListingStub) error {
			_, err := s.enqueue(ctx, task.NewDetailTask(stub.ID, t.Location, r))
			return err
		})
		s.incr(ctx, state.SearchRequests, int64(result.Requests))
		if err != nil {
			return fmt.Errorf("failed to enumerate range %s: %w", r, err)
		}

		s.incr(ctx, state.RangesEnumerated, 1)
		s.incr(ctx, state.ListingsEmitted, int64(result.Emitted))
		log.Infof("📄 Range %s: %d listings over %d pages", r, result.Emitted, result.Requests)
	}

	return nil
}

func (s *Service) handleDetail(ctx context.Context, t *task.DetailTask) error {
	detail, err := s.client.GetListingDetail(ctx, t.ListingID)
	if err != nil {
		return fmt.Errorf("failed to get listing %s: %w", t.ListingID, err)
	}

	record := domain.ListingRecord{
		ID:            t.ListingID,
		LocationQuery: t.Location,
		PriceRange:    t.Range(),
		Detail:        normalize.Record(detail),
		Reviews:       []map[string]any{},
		ScrapedAt:     s.now().UTC(),
	}

	if s.opts.IncludeReviews {
		reviews, err := s.reviews.Collect(ctx, t.ListingID)
		if err != nil {
			s.incr(ctx, state.ReviewsIncomplete, 1)
			log.Warnf("⚠️ Saving listing %s without reviews: %v", t.ListingID, err)
		} else {
			record.Reviews = reviews
			record.ReviewsComplete = true
		}
	}

	if err := s.sink.SaveListing(ctx, record); err != nil {
		return fmt.Errorf("failed to save listing %s: %w", t.ListingID, err)
	}

	s.incr(ctx, state.DetailsSaved, 1)
	log.Debugf("Saved listing %s with %d reviews", t.ListingID, len(record.Reviews))
	return nil
}

func (s *Service) enqueue(ctx context.Context, t task.Task) (bool, error) {
	accepted, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return false, err
	}
	if !accepted {
		s.incr(ctx, state.DuplicatesSkipped, 1)
	}
	return accepted, nil
}

func (s *Service) incr(ctx context.Context, field string, n int64) {
	if n == 0 {
		return
	}
	if err := s.stats.Incr(ctx, field, n); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("Failed to record stat %s: %v", field, err)
	}
}

// Stats returns the counters recorded for this run.
func (s *Service) Stats(ctx context.Context) (map[string]int64, error) {
	return s.stats.Snapshot(ctx)
}

func (s *Service) logStats(ctx context.Context) {
	stats, err := s.Stats(ctx)
	if err != nil {
		log.Errorf("❌ Failed to read run stats: %v", err)
		return
	}

	log.Info("📊 Run statistics:")
	for _, field := range slices.Sorted(maps.Keys(stats)) {
		log.Infof("   %s: %d", field, stats[field])
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

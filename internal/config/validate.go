package config

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// DateLayout is the calendar date format accepted for check-in and check-out.
const DateLayout = "2006-01-02"

// ValidationError rejects the run before any task is created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

// Validate checks the input and crawl settings. All problems are reported at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	in := c.Input
	if strings.TrimSpace(in.LocationQuery) == "" && len(in.StartURLs) == 0 {
		add("either input.location_query or input.start_urls is required")
	}

	if in.MinPrice < 0 {
		add("input.min_price must not be negative")
	}
	if in.MaxPrice <= in.MinPrice {
		add("input.max_price (%d) must be greater than input.min_price (%d)", in.MaxPrice, in.MinPrice)
	}

	checkIn, checkInErr := parseDate("input.check_in", in.CheckIn)
	checkOut, checkOutErr := parseDate("input.check_out", in.CheckOut)
	if checkInErr != nil {
		add("%v", checkInErr)
	}
	if checkOutErr != nil {
		add("%v", checkOutErr)
	}
	if checkInErr == nil && checkOutErr == nil {
		switch {
		case checkIn.IsZero() != checkOut.IsZero():
			add("input.check_in and input.check_out must be set together")
		case !checkIn.IsZero() && !checkOut.After(checkIn):
			add("input.check_out must be after input.check_in")
		}
	}

	if _, err := currency.ParseISO(c.Airbnb.Currency); err != nil {
		add("airbnb.currency %q is not a recognized ISO 4217 code", c.Airbnb.Currency)
	}

	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		add("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}

	cr := c.Crawl
	if cr.PageSize <= 0 || cr.ReviewPageSize <= 0 || cr.ProbeLimit <= 0 {
		add("crawl page sizes must be positive")
	}
	if cr.MaxWorkers <= 0 {
		add("crawl.max_workers must be positive")
	}
	if cr.JitterMax < cr.JitterMin {
		add("crawl.jitter_max must not be less than crawl.jitter_min")
	}
	if cr.RequeueDelay < 0 || cr.RequeueMaxDelay < cr.RequeueDelay {
		add("crawl.requeue_max_delay must not be less than crawl.requeue_delay")
	}

	// A handler still inside its timeout must not be reclaimed from under it.
	if idle := c.Redis.MinIdleTime; idle > 0 && idle <= cr.HandleTimeout {
		add("redis.min_idle_time (%s) must be greater than crawl.handle_timeout (%s)", idle, cr.HandleTimeout)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q is not a YYYY-MM-DD date", field, value)
	}
	return t, nil
}

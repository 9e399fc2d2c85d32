package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"airbnb/scraper/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink receives the output of the crawl.
type Sink interface {
	SaveListing(ctx context.Context, record domain.ListingRecord) error
	SaveFailure(ctx context.Context, record domain.FailureRecord) error
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id               TEXT PRIMARY KEY,
	location_query   TEXT NOT NULL DEFAULT '',
	price_low        INTEGER NOT NULL,
	price_high       INTEGER NOT NULL,
	data             JSONB NOT NULL,
	reviews_complete BOOLEAN NOT NULL,
	scraped_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_tasks (
	id        BIGSERIAL PRIMARY KEY,
	task_type TEXT NOT NULL,
	task_key  TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	error     TEXT NOT NULL,
	payload   JSONB,
	failed_at TIMESTAMPTZ NOT NULL
);`

type listingRepository struct {
	db *pgxpool.Pool
}

func NewListingRepository(db *pgxpool.Pool) Sink {
	return &listingRepository{
		db: db,
	}
}

// EnsureSchema creates the listings and failed_tasks tables if missing.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// SaveListing keeps the first record stored for a listing id, so a task
// redelivered after a crash does not produce a second row.
func (r *listingRepository) SaveListing(ctx context.Context, record domain.ListingRecord) error {
	data, err := json.Marshal(record.Document())
	if err != nil {
		return fmt.Errorf("failed to encode listing %s: %w", record.ID, err)
	}

	query := `
	INSERT INTO listings (id, location_query, price_low, price_high, data, reviews_complete, scraped_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING`
	_, err = r.db.Exec(ctx, query,
		record.ID,
		record.LocationQuery,
		record.PriceRange.Low,
		record.PriceRange.High,
		data,
		record.ReviewsComplete,
		record.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save listing %s: %w", record.ID, err)
	}

	return nil
}

func (r *listingRepository) SaveFailure(ctx context.Context, record domain.FailureRecord) error {
	var payload []byte
	if json.Valid([]byte(record.Payload)) {
		payload = []byte(record.Payload)
	}

	query := `
	INSERT INTO failed_tasks (task_type, task_key, attempts, error, payload, failed_at)
	VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query,
		record.TaskType,
		record.TaskKey,
		record.Attempts,
		record.Error,
		payload,
		record.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save failure for %s: %w", record.TaskKey, err)
	}

	return nil
}

// Package jobs reads marketplace job data for billing.
//
// The tables behind this store are owned by the marketplace; nothing here writes.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billrun/pkg/billing"
)

// Config holds JobStore settings
type Config struct {
	// ProNameCacheSize bounds the number of cached hauler display names.
	ProNameCacheSize int
	// ProNameCacheTTL is how long a display name stays cached.
	ProNameCacheTTL time.Duration
}

// DefaultConfig returns the default JobStore settings
func DefaultConfig() Config {
	return Config{
		ProNameCacheSize: 1024,
		ProNameCacheTTL:  15 * time.Minute,
	}
}

// PostgresStore implements billing.JobStore on PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	proNames *lru.LRU[string, string]
}

var _ billing.JobStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB, cfg Config) *PostgresStore {
	if cfg.ProNameCacheSize <= 0 {
		cfg.ProNameCacheSize = DefaultConfig().ProNameCacheSize
	}
	if cfg.ProNameCacheTTL <= 0 {
		cfg.ProNameCacheTTL = DefaultConfig().ProNameCacheTTL
	}
	return &PostgresStore{
		db:       db,
		proNames: lru.NewLRU[string, string](cfg.ProNameCacheSize, nil, cfg.ProNameCacheTTL),
	}
}

// CompletedJobs returns completed jobs booked under accountID and completed inside window
func (s *PostgresStore) CompletedJobs(ctx context.Context, accountID string, window billing.Window) ([]billing.Job, error) {
	query := `
		SELECT sr.id, bb.business_account_id, bb.id, sr.status, sr.service_type,
		       sr.pickup_address, sr.pickup_city, sr.pickup_zip, sr.completed_at,
		       sr.customer_signoff_at, sr.final_price, sr.platform_fee, sr.assigned_hauler_id
		FROM service_requests sr
		JOIN business_bookings bb ON bb.service_request_id = sr.id
		WHERE bb.business_account_id = $1
		  AND sr.status = $2
		  AND sr.completed_at >= $3
		  AND sr.completed_at < $4
		ORDER BY sr.completed_at, sr.id
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, billing.JobStatusCompleted, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed jobs: %w", err)
	}
	defer rows.Close()

	jobs := []billing.Job{}
	for rows.Next() {
		var (
			job                     billing.Job
			serviceType, city, zip  sql.NullString
			address, haulerID       sql.NullString
			completedAt, signoffAt  sql.NullTime
			finalPrice, platformFee sql.NullString
		)
		if err := rows.Scan(&job.ServiceRequestID, &job.BusinessAccountID, &job.BusinessBookingID, &job.Status,
			&serviceType, &address, &city, &zip, &completedAt, &signoffAt, &finalPrice, &platformFee, &haulerID); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.ServiceType = serviceType.String
		job.PickupAddress = address.String
		job.PickupCity = city.String
		job.PickupZip = zip.String
		job.HaulerID = haulerID.String
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			job.CompletedAt = &t
		}
		if signoffAt.Valid {
			t := signoffAt.Time.UTC()
			job.CustomerSignoffAt = &t
		}
		if job.FinalPrice, err = parseNumeric(finalPrice); err != nil {
			return nil, fmt.Errorf("job %s final price: %w", job.ServiceRequestID, err)
		}
		if job.PlatformFee, err = parseNumeric(platformFee); err != nil {
			return nil, fmt.Errorf("job %s platform fee: %w", job.ServiceRequestID, err)
		}

		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Disputes returns the chargeback disputes raised against jobIDs, keyed by job id
func (s *PostgresStore) Disputes(ctx context.Context, jobIDs []string) (map[string][]billing.Dispute, error) {
	disputes := make(map[string][]billing.Dispute)
	if len(jobIDs) == 0 {
		return disputes, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, status FROM chargeback_disputes WHERE job_id = ANY($1) ORDER BY job_id, id`,
		pq.Array(jobIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d billing.Dispute
		if err := rows.Scan(&d.ID, &d.JobID, &d.Status); err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		disputes[d.JobID] = append(disputes[d.JobID], d)
	}
	return disputes, rows.Err()
}

// PartsRequests returns the parts requests attached to jobIDs, keyed by job id
func (s *PostgresStore) PartsRequests(ctx context.Context, jobIDs []string) (map[string][]billing.PartsRequest, error) {
	requests := make(map[string][]billing.PartsRequest)
	if len(jobIDs) == 0 {
		return requests, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_request_id, status FROM parts_requests WHERE service_request_id = ANY($1) ORDER BY service_request_id, id`,
		pq.Array(jobIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query parts requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pr billing.PartsRequest
		if err := rows.Scan(&pr.ID, &pr.JobID, &pr.Status); err != nil {
			return nil, fmt.Errorf("failed to scan parts request: %w", err)
		}
		requests[pr.JobID] = append(requests[pr.JobID], pr)
	}
	return requests, rows.Err()
}

// ProDisplayName returns the hauler's company name, or "" if the hauler has no profile
func (s *PostgresStore) ProDisplayName(ctx context.Context, haulerID string) (string, error) {
	if name, ok := s.proNames.Get(haulerID); ok {
		return name, nil
	}

	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT company_name FROM hauler_profiles WHERE user_id = $1`, haulerID).Scan(&name)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to get hauler profile: %w", err)
	}

	s.proNames.Add(haulerID, name.String)
	return name.String, nil
}

func parseNumeric(v sql.NullString) (billing.Money, error) {
	if !v.Valid || v.String == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric %q: %w", v.String, err)
	}
	return billing.MoneyFromDecimal(d), nil
}

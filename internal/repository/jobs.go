package repository

import (
	"context"
	"fmt"
	"time"

	"skybackfill/internal/models"
)

// Queue redelivery policy: a claimed job holds a lease; if the worker dies
// without completing or failing it, the lease expires and the job becomes
// claimable again. The attempt cap prevents infinite retries on permanently
// broken repos.
const (
	jobLease       = 5 * time.Minute
	jobMaxAttempts = 20
)

// EnqueueJob inserts a backfill job for an account. Duplicate enqueues
// collapse onto the existing row; a FAILED job is revived to PENDING so a
// re-submitted account gets another round of attempts.
func (r *Repository) EnqueueJob(ctx context.Context, did string) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s.backfill_jobs (did, status)
		VALUES ($1, 'PENDING')
		ON CONFLICT (did) DO UPDATE
		SET status = 'PENDING', attempt = 0, enqueued_at = NOW(), updated_at = NOW()
		WHERE %[1]s.backfill_jobs.status = 'FAILED'`, r.schema),
		did,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job for %s: %w", did, err)
	}
	return nil
}

// ClaimJobs leases up to limit jobs for a worker. PENDING jobs and ACTIVE
// jobs whose lease expired are both claimable; SKIP LOCKED keeps concurrent
// claimers from colliding.
func (r *Repository) ClaimJobs(ctx context.Context, leasedBy string, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		UPDATE %[1]s.backfill_jobs
		SET status = 'ACTIVE',
		    attempt = attempt + 1,
		    leased_by = $1,
		    lease_expires_at = NOW() + INTERVAL '%[2]d seconds',
		    updated_at = NOW()
		WHERE did IN (
			SELECT did FROM %[1]s.backfill_jobs
			WHERE attempt < $3
			  AND (
			    status = 'PENDING'
			    OR (status = 'ACTIVE' AND lease_expires_at < NOW())
			  )
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING did`, r.schema, int(jobLease.Seconds())),
		leasedBy, limit, jobMaxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// CompleteJob marks a job DONE.
func (r *Repository) CompleteJob(ctx context.Context, did string) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.backfill_jobs
		SET status = 'DONE', updated_at = NOW()
		WHERE did = $1`, r.schema),
		did,
	)
	return err
}

// FailJob marks a job FAILED. The attempt counter was already bumped at
// claim time; re-enqueueing the account revives the job.
func (r *Repository) FailJob(ctx context.Context, did string) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.backfill_jobs
		SET status = 'FAILED', updated_at = NOW()
		WHERE did = $1`, r.schema),
		did,
	)
	return err
}

// QueueDepth counts outstanding jobs (PENDING plus leased ACTIVE). The fetch
// scheduler polls this to decide whether admitting more accounts would grow
// the backlog past its cap.
func (r *Repository) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.backfill_jobs
		WHERE status IN ('PENDING', 'ACTIVE')`, r.schema),
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// ReapDeadJobs marks expired ACTIVE jobs that exhausted their attempts as
// FAILED so they stop matching the claim query. Returns the number reaped.
func (r *Repository) ReapDeadJobs(ctx context.Context) (int64, error) {
	cmd, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.backfill_jobs
		SET status = 'FAILED', updated_at = NOW()
		WHERE status = 'ACTIVE'
		  AND lease_expires_at < NOW()
		  AND attempt >= $1`, r.schema),
		jobMaxAttempts,
	)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// JobCounts returns the number of jobs per status.
func (r *Repository) JobCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s.backfill_jobs GROUP BY status`, r.schema),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeadJobs lists jobs that have permanently failed.
func (r *Repository) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT did, status, attempt, leased_by, lease_expires_at, enqueued_at, updated_at
		FROM %s.backfill_jobs
		WHERE status = 'FAILED'
		ORDER BY updated_at DESC
		LIMIT $1`, r.schema),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		var leasedBy *string
		var leaseExpiresAt *time.Time
		if err := rows.Scan(&j.DID, &j.Status, &j.Attempt, &leasedBy, &leaseExpiresAt, &j.EnqueuedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if leasedBy != nil {
			j.LeasedBy = *leasedBy
		}
		if leaseExpiresAt != nil {
			j.LeaseExpiresAt = *leaseExpiresAt
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueFailed revives every FAILED job with a fresh attempt budget.
// Admin operation, used after fixing whatever made them fail.
func (r *Repository) RequeueFailed(ctx context.Context) (int64, error) {
	cmd, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.backfill_jobs
		SET status = 'PENDING', attempt = 0, enqueued_at = NOW(), updated_at = NOW()
		WHERE status = 'FAILED'`, r.schema),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed jobs: %w", err)
	}
	return cmd.RowsAffected(), nil
}

package repository

import (
	"context"
	"fmt"
)

// SeenNamespace scopes seen markers so other pipelines can share the table.
const SeenNamespace = "backfill:seen"

// SeenContains reports whether an account has already been backfilled.
func (r *Repository) SeenContains(ctx context.Context, did string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s.seen_accounts WHERE namespace = $1 AND did = $2
		)`, r.schema),
		SeenNamespace, did,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check seen set for %s: %w", did, err)
	}
	return exists, nil
}

// SeenAdd marks an account as backfilled. Adding an existing member is a
// no-op, so callers can retry freely.
func (r *Repository) SeenAdd(ctx context.Context, did string) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.seen_accounts (namespace, did)
		VALUES ($1, $2)
		ON CONFLICT (namespace, did) DO NOTHING`, r.schema),
		SeenNamespace, did,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s seen: %w", did, err)
	}
	return nil
}

// SeenCount returns the size of the seen set.
func (r *Repository) SeenCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.seen_accounts WHERE namespace = $1`, r.schema),
		SeenNamespace,
	).Scan(&count)
	return count, err
}

// SeenReset clears the seen set. Used by the reset tool before a re-run.
func (r *Repository) SeenReset(ctx context.Context) (int64, error) {
	cmd, err := r.db.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.seen_accounts WHERE namespace = $1`, r.schema),
		SeenNamespace,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset seen set: %w", err)
	}
	return cmd.RowsAffected(), nil
}

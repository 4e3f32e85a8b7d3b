package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"skybackfill/internal/models"
)

// recordBatch holds the parallel UNNEST arrays for one upsert statement.
type recordBatch struct {
	uris        []string
	dids        []string
	collections []string
	rkeys       []string
	hashes      []string
	times       []time.Time
	values      []string
}

func buildRecordBatch(records []models.Record) *recordBatch {
	b := &recordBatch{
		uris:        make([]string, 0, len(records)),
		dids:        make([]string, 0, len(records)),
		collections: make([]string, 0, len(records)),
		rkeys:       make([]string, 0, len(records)),
		hashes:      make([]string, 0, len(records)),
		times:       make([]time.Time, 0, len(records)),
		values:      make([]string, 0, len(records)),
	}
	for _, rec := range records {
		did, collection, rkey, err := models.ParseURI(rec.URI)
		if err != nil {
			log.Printf("[repository] skipping record with malformed uri: %v", err)
			continue
		}
		b.uris = append(b.uris, sanitizeForPG(rec.URI))
		b.dids = append(b.dids, sanitizeForPG(did))
		b.collections = append(b.collections, sanitizeForPG(collection))
		b.rkeys = append(b.rkeys, sanitizeForPG(rkey))
		b.hashes = append(b.hashes, rec.ContentHash)
		b.times = append(b.times, rec.Timestamp)
		b.values = append(b.values, sanitizeJSONText(rec.Value))
	}
	return b
}

// UpsertRecords writes a batch into the flat records table, one row per URI.
// Replays of the same batch are no-ops, which is what makes at-least-once
// delivery from the queue safe.
func (r *Repository) UpsertRecords(ctx context.Context, records []models.Record) error {
	b := buildRecordBatch(records)
	if len(b.uris) == 0 {
		return nil
	}

	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.records (uri, did, collection, rkey, content_hash, record_time, value)
		SELECT u.uri, u.did, u.collection, u.rkey, u.content_hash, u.record_time, u.value::jsonb
		FROM UNNEST(
			$1::text[],        -- uri
			$2::text[],        -- did
			$3::text[],        -- collection
			$4::text[],        -- rkey
			$5::text[],        -- content_hash
			$6::timestamptz[], -- record_time
			$7::text[]         -- value
		) AS u(uri, did, collection, rkey, content_hash, record_time, value)
		ON CONFLICT (uri) DO NOTHING`, r.schema),
		b.uris, b.dids, b.collections, b.rkeys, b.hashes, b.times, b.values,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %d records: %w", len(b.uris), err)
	}
	return nil
}

// UpsertCollectionRecords writes a homogeneous batch into the partitioned
// collection_records table, ensuring the collection's partition first.
func (r *Repository) UpsertCollectionRecords(ctx context.Context, collection string, records []models.Record) error {
	b := buildRecordBatch(records)
	if len(b.uris) == 0 {
		return nil
	}

	if err := r.EnsureCollectionPartition(ctx, collection); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.collection_records (collection, did, rkey, content_hash, record_time, value)
		SELECT u.collection, u.did, u.rkey, u.content_hash, u.record_time, u.value::jsonb
		FROM UNNEST(
			$1::text[],        -- collection
			$2::text[],        -- did
			$3::text[],        -- rkey
			$4::text[],        -- content_hash
			$5::timestamptz[], -- record_time
			$6::text[]         -- value
		) AS u(collection, did, rkey, content_hash, record_time, value)
		ON CONFLICT (collection, did, rkey) DO NOTHING`, r.schema),
		b.collections, b.dids, b.rkeys, b.hashes, b.times, b.values,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %d %s records: %w", len(b.uris), collection, err)
	}
	return nil
}

// RecordCount returns the total number of rows in the flat records table.
func (r *Repository) RecordCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s.records`, r.schema)).Scan(&count)
	return count, err
}

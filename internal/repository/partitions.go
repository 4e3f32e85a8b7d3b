package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// partitionCache tracks which collection partitions have already been
// ensured this process lifetime, avoiding redundant DDL round-trips.
var (
	partitionCacheMu sync.Mutex
	partitionCache   = make(map[string]bool)
)

// EnsureCollectionPartition creates the LIST partition for a collection
// on demand. Collections without their own partition still land in the
// default partition, so a failed create degrades rather than loses rows.
func (r *Repository) EnsureCollectionPartition(ctx context.Context, collection string) error {
	partitionCacheMu.Lock()
	if partitionCache[collection] {
		partitionCacheMu.Unlock()
		return nil
	}
	partitionCacheMu.Unlock()

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.%s PARTITION OF %s.collection_records FOR VALUES IN (%s)`,
		r.schema, partitionTableName(collection), r.schema, quoteLiteral(collection),
	)
	if _, err := r.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create partition for %s: %w", collection, err)
	}

	partitionCacheMu.Lock()
	partitionCache[collection] = true
	partitionCacheMu.Unlock()
	return nil
}

// partitionTableName derives a valid identifier from a collection NSID.
// Names past the 63-byte identifier limit get a hash suffix instead of
// relying on silent server-side truncation.
func partitionTableName(collection string) string {
	var b strings.Builder
	b.WriteString("collection_records_")
	for _, r := range strings.ToLower(collection) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) <= 63 {
		return name
	}
	sum := sha256.Sum256([]byte(collection))
	return name[:51] + "_" + hex.EncodeToString(sum[:])[:11]
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

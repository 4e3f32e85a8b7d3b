package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"skybackfill/internal/config"
	"skybackfill/internal/models"
)

// Store is the slice of the repository a writer needs.
type Store interface {
	UpsertRecords(ctx context.Context, records []models.Record) error
	UpsertCollectionRecords(ctx context.Context, collection string, records []models.Record) error
}

// Writer drains commit batches from its stdin pipe and persists them. The
// write-by-collection role fills the partitioned per-collection table, the
// write-by-record role fills the flat records table. Both upserts are
// idempotent, so replayed batches are harmless.
type Writer struct {
	role  string
	slot  int
	store Store
}

func New(role string, slot int, store Store) (*Writer, error) {
	switch role {
	case config.RoleWriteByCollection, config.RoleWriteByRecord:
	default:
		return nil, fmt.Errorf("unsupported writer role %q", role)
	}
	return &Writer{role: role, slot: slot, store: store}, nil
}

// Run consumes input until EOF, which is how the supervisor tells a writer
// to finish up. Bad lines are logged and skipped: the supervisor validates
// every message before routing, so a bad line here means the pipe itself is
// damaged and the remaining backlog is still worth writing.
func (w *Writer) Run(ctx context.Context, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1<<20), maxBatchBytes)

	var batches, records int64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg models.CommitMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("[%s %d] skipping unreadable batch: %v", w.role, w.slot, err)
			continue
		}
		if len(msg.Commits) == 0 {
			continue
		}

		if err := w.writeBatch(ctx, &msg); err != nil {
			log.Printf("[%s %d] failed to write %d records for %s: %v", w.role, w.slot, len(msg.Commits), msg.Collection, err)
			continue
		}
		batches++
		records += int64(len(msg.Commits))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading input: %w", err)
	}

	log.Printf("[%s %d] input closed after %d batches, %d records", w.role, w.slot, batches, records)
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, msg *models.CommitMessage) error {
	switch w.role {
	case config.RoleWriteByCollection:
		return w.store.UpsertCollectionRecords(ctx, msg.Collection, msg.Commits)
	default:
		return w.store.UpsertRecords(ctx, msg.Commits)
	}
}

// maxBatchBytes mirrors the supervisor's output line cap.
const maxBatchBytes = 256 << 20

package decode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/semaphore"

	"skybackfill/internal/car"
	"skybackfill/internal/models"
)

// Store is the slice of the repository the decode worker needs.
type Store interface {
	ClaimJobs(ctx context.Context, leasedBy string, limit int) ([]string, error)
	CompleteJob(ctx context.Context, did string) error
	FailJob(ctx context.Context, did string) error
	SeenAdd(ctx context.Context, did string) error
}

// Emitter delivers commit messages downstream.
type Emitter interface {
	Emit(msg *models.CommitMessage) error
}

// StreamEmitter writes commit messages as JSON lines. In production the
// stream is the worker's stdout, which the supervisor reads.
type StreamEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStreamEmitter(w io.Writer) *StreamEmitter {
	return &StreamEmitter{enc: json.NewEncoder(w)}
}

func (e *StreamEmitter) Emit(msg *models.CommitMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msg)
}

type Config struct {
	WorkerID     string        // lease owner name, also used in logs
	SnapshotDir  string        // where the fetch stage stages snapshots
	Concurrency  int           // concurrent snapshot decodes, 0 = 30
	EmitInterval time.Duration // batch emission cadence, 0 = 200ms
	PollInterval time.Duration // queue poll cadence when idle, 0 = 500ms
	ClaimBatch   int           // jobs claimed per poll, 0 = Concurrency
}

// Worker drains the decode queue: each claimed job names an account whose
// snapshot is read, decoded and buffered per collection. A ticker emits the
// accumulated buffers as homogeneous commit messages.
type Worker struct {
	cfg     Config
	store   Store
	emitter Emitter

	mu      sync.Mutex
	buffers map[string][]models.Record
}

func NewWorker(cfg Config, store Store, emitter Emitter) *Worker {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 30
	}
	if cfg.EmitInterval == 0 {
		cfg.EmitInterval = 200 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ClaimBatch == 0 {
		cfg.ClaimBatch = cfg.Concurrency
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		emitter: emitter,
		buffers: make(map[string][]models.Record),
	}
}

// Run claims and decodes jobs until the context is cancelled, then drains
// in-flight decodes and flushes the remaining buffers.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[decode %s] starting (concurrency %d)", w.cfg.WorkerID, w.cfg.Concurrency)

	emitDone := make(chan struct{})
	emitCtx, stopEmit := context.WithCancel(context.Background())
	go func() {
		defer close(emitDone)
		ticker := time.NewTicker(w.cfg.EmitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flush()
			case <-emitCtx.Done():
				return
			}
		}
	}()

	sem := semaphore.NewWeighted(int64(w.cfg.Concurrency))
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		dids, err := w.store.ClaimJobs(ctx, w.cfg.WorkerID, w.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Fatalf("[decode %s] queue error: claim jobs: %v", w.cfg.WorkerID, err)
		}
		if len(dids) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		for _, did := range dids {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(did string) {
				defer wg.Done()
				defer sem.Release(1)
				w.processJob(ctx, did)
			}(did)
		}
	}

	wg.Wait()
	stopEmit()
	<-emitDone
	w.flush()
	log.Printf("[decode %s] stopped", w.cfg.WorkerID)
	return ctx.Err()
}

// processJob decodes one account snapshot. The snapshot is removed on every
// path that read it; a decode fault fails the job but never the worker.
func (w *Worker) processJob(ctx context.Context, did string) {
	path := filepath.Join(w.cfg.SnapshotDir, did)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// Fetched by an earlier run and already decoded, or lost with the
		// ephemeral dir. Either way there is nothing to do.
		log.Printf("[decode %s] no snapshot for %s, completing", w.cfg.WorkerID, did)
		if err := w.store.CompleteJob(ctx, did); err != nil {
			w.queueFatal(ctx, "complete", did, err)
		}
		return
	}
	if err != nil {
		log.Printf("[decode %s] failed to read snapshot for %s: %v", w.cfg.WorkerID, did, err)
		w.failJob(ctx, did)
		return
	}
	defer w.removeSnapshot(path, did)

	count, err := w.decodeSnapshot(did, data)
	if err != nil {
		log.Printf("[decode %s] failed to decode %s: %v", w.cfg.WorkerID, did, err)
		w.failJob(ctx, did)
		return
	}

	if err := w.store.SeenAdd(ctx, did); err != nil {
		log.Printf("[decode %s] failed to mark %s seen: %v", w.cfg.WorkerID, did, err)
		w.failJob(ctx, did)
		return
	}
	if err := w.store.CompleteJob(ctx, did); err != nil {
		w.queueFatal(ctx, "complete", did, err)
		return
	}
	log.Printf("[decode %s] decoded %s: %d records", w.cfg.WorkerID, did, count)
}

func (w *Worker) decodeSnapshot(did string, data []byte) (int, error) {
	repo, err := car.Load(data)
	if err != nil {
		return 0, err
	}
	if repo.DID() != "" && repo.DID() != did {
		log.Printf("[decode %s] snapshot for %s declares did %s", w.cfg.WorkerID, did, repo.DID())
	}

	now := time.Now().UTC()
	count := 0
	err = repo.ForEach(func(collection, rkey string, c cid.Cid, value any) error {
		valueMap, _ := value.(map[string]any)
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("record %s/%s does not marshal: %w", collection, rkey, err)
		}
		w.add(collection, models.Record{
			URI:         models.MakeURI(did, collection, rkey),
			ContentHash: c.String(),
			Timestamp:   models.RecordTimestamp(valueMap, rkey, now),
			Value:       raw,
		})
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (w *Worker) failJob(ctx context.Context, did string) {
	if err := w.store.FailJob(ctx, did); err != nil {
		w.queueFatal(ctx, "fail", did, err)
	}
}

// queueFatal exits the process on a queue store error; the supervisor
// respawns the worker and the lease timeout redelivers in-flight jobs.
// Cancellation during shutdown is only logged.
func (w *Worker) queueFatal(ctx context.Context, op, did string, err error) {
	if ctx.Err() != nil {
		log.Printf("[decode %s] %s %s interrupted by shutdown: %v", w.cfg.WorkerID, op, did, err)
		return
	}
	log.Fatalf("[decode %s] queue error: %s %s: %v", w.cfg.WorkerID, op, did, err)
}

func (w *Worker) removeSnapshot(path, did string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[decode %s] failed to remove snapshot for %s: %v", w.cfg.WorkerID, did, err)
	}
}

func (w *Worker) add(collection string, rec models.Record) {
	w.mu.Lock()
	w.buffers[collection] = append(w.buffers[collection], rec)
	w.mu.Unlock()
}

// flush swaps the accumulation buffers out and emits one commit message per
// collection. The swap keeps decoding unblocked while emission runs.
func (w *Worker) flush() {
	w.mu.Lock()
	if len(w.buffers) == 0 {
		w.mu.Unlock()
		return
	}
	batches := w.buffers
	w.buffers = make(map[string][]models.Record)
	w.mu.Unlock()

	for collection, records := range batches {
		if len(records) == 0 {
			continue
		}
		msg := &models.CommitMessage{
			Type:       models.MessageTypeCommit,
			Collection: collection,
			Commits:    records,
		}
		if err := w.emitter.Emit(msg); err != nil {
			log.Printf("[decode %s] failed to emit %d %s records: %v", w.cfg.WorkerID, len(records), collection, err)
		}
	}
}

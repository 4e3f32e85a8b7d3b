package fetch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skybackfill/internal/config"
	"skybackfill/internal/eventbus"
	"skybackfill/internal/metrics"
	"skybackfill/internal/models"
	"skybackfill/internal/xrpc"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	SeenContains(ctx context.Context, did string) (bool, error)
	SeenAdd(ctx context.Context, did string) error
	EnqueueJob(ctx context.Context, did string) error
	QueueDepth(ctx context.Context) (int, error)
}

// Fetcher downloads repos and resolves hosts for accounts listed without one.
type Fetcher interface {
	GetRepo(ctx context.Context, host, did string) ([]byte, error)
	ResolveService(ctx context.Context, did string) (string, error)
}

type Config struct {
	Concurrency  int           // concurrent fetches, 0 = 100
	BacklogLimit int           // max outstanding decode jobs before admission pauses, 0 = 250
	SnapshotDir  string        // where fetched repos are staged for decode workers
	PollInterval time.Duration // backlog re-check interval, 0 = 2s
}

// Scheduler drains an account list through the fetch stage: skip denied
// hosts, skip already-seen accounts, download everything else under a
// concurrency cap, stage the snapshot and enqueue a decode job.
type Scheduler struct {
	cfg     Config
	store   Store
	fetcher Fetcher
	alloc   *config.Allocation
	bus     *eventbus.Bus
	metrics *metrics.Collector
}

func NewScheduler(cfg Config, store Store, fetcher Fetcher, alloc *config.Allocation, bus *eventbus.Bus, collector *metrics.Collector) *Scheduler {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 100
	}
	if cfg.BacklogLimit == 0 {
		cfg.BacklogLimit = 250
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		alloc:   alloc,
		bus:     bus,
		metrics: collector,
	}
}

// Run processes the account list and returns once every admitted fetch has
// finished. Individual account failures are logged, not returned; only a
// cancelled context stops the run early.
func (s *Scheduler) Run(ctx context.Context, accounts []models.AccountEntry) error {
	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	log.Printf("[fetch] starting run over %d accounts (concurrency %d, backlog cap %d)",
		len(accounts), s.cfg.Concurrency, s.cfg.BacklogLimit)

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)

	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}

		if acct.Host != "" && s.alloc.HostDenied(acct.Host) {
			log.Printf("[fetch] skipping %s: host %s is denylisted", acct.DID, acct.Host)
			s.publish(eventbus.TypeAccountSkipped, acct.DID, acct.Host)
			continue
		}

		seen, err := s.store.SeenContains(ctx, acct.DID)
		if err != nil {
			log.Printf("[fetch] seen check for %s failed: %v", acct.DID, err)
		} else if seen {
			s.publish(eventbus.TypeAccountSkipped, acct.DID, acct.Host)
			continue
		}

		if err := s.waitForBacklog(ctx); err != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(acct models.AccountEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			s.fetchOne(ctx, acct)
		}(acct)
	}

	wg.Wait()
	log.Printf("[fetch] run finished")
	return ctx.Err()
}

// waitForBacklog blocks until the decode queue has room for another job.
func (s *Scheduler) waitForBacklog(ctx context.Context) error {
	logged := false
	for {
		depth, err := s.store.QueueDepth(ctx)
		if err != nil {
			log.Printf("[fetch] failed to read queue depth: %v", err)
		} else if depth < s.cfg.BacklogLimit {
			return nil
		} else if !logged {
			log.Printf("[fetch] backlog at %d (cap %d), holding admission", depth, s.cfg.BacklogLimit)
			logged = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Scheduler) fetchOne(ctx context.Context, acct models.AccountEntry) {
	host := acct.Host
	if host == "" {
		resolved, err := s.fetcher.ResolveService(ctx, acct.DID)
		if err != nil {
			if xrpc.IsTerminal(err) {
				s.markGone(ctx, acct.DID, err)
				return
			}
			log.Printf("[fetch] failed to resolve host for %s: %v", acct.DID, err)
			s.metrics.RecordFetchError()
			s.publish(eventbus.TypeAccountFailed, acct.DID, "")
			return
		}
		host = resolved
		if s.alloc.HostDenied(host) {
			log.Printf("[fetch] skipping %s: resolved host %s is denylisted", acct.DID, host)
			s.publish(eventbus.TypeAccountSkipped, acct.DID, host)
			return
		}
	}

	start := time.Now()
	data, err := s.fetcher.GetRepo(ctx, host, acct.DID)
	s.metrics.RecordFetch(time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordFetchError()
		if xrpc.IsTerminal(err) {
			s.markGone(ctx, acct.DID, err)
			return
		}
		log.Printf("[fetch] failed to fetch %s from %s: %v", acct.DID, host, err)
		s.publish(eventbus.TypeAccountFailed, acct.DID, host)
		return
	}

	if err := s.writeSnapshot(acct.DID, data); err != nil {
		log.Printf("[fetch] failed to stage snapshot for %s: %v", acct.DID, err)
		s.metrics.RecordFetchError()
		s.publish(eventbus.TypeAccountFailed, acct.DID, host)
		return
	}

	if err := s.store.EnqueueJob(ctx, acct.DID); err != nil {
		log.Printf("[fetch] failed to enqueue decode job for %s: %v", acct.DID, err)
		s.publish(eventbus.TypeAccountFailed, acct.DID, host)
		return
	}

	log.Printf("[fetch] fetched %s from %s (%d bytes in %s)", acct.DID, host, len(data), time.Since(start).Round(time.Millisecond))
	s.publish(eventbus.TypeAccountFetched, acct.DID, host)
}

// markGone handles terminal fetch outcomes: the account is deactivated,
// taken down or unknown, so it is marked seen and never fetched again.
func (s *Scheduler) markGone(ctx context.Context, did string, cause error) {
	log.Printf("[fetch] %s is gone upstream (%v), marking seen", did, cause)
	if err := s.store.SeenAdd(ctx, did); err != nil {
		log.Printf("[fetch] failed to mark %s seen: %v", did, err)
		return
	}
	s.metrics.RecordAccountSeen()
	s.publish(eventbus.TypeAccountSkipped, did, "")
}

// writeSnapshot stages a fetched repo at {snapshot-dir}/{did}. Write goes
// through a temp file so decode workers never observe a partial snapshot.
func (s *Scheduler) writeSnapshot(did string, data []byte) error {
	dest := filepath.Join(s.cfg.SnapshotDir, did)
	tmp, err := os.CreateTemp(s.cfg.SnapshotDir, "."+did+".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (s *Scheduler) publish(eventType, did, host string) {
	s.bus.Publish(eventbus.Event{
		Type:      eventType,
		DID:       did,
		Timestamp: time.Now(),
		Data:      map[string]string{"host": host},
	})
}

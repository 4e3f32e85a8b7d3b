package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"skybackfill/internal/config"
	"skybackfill/internal/eventbus"
	"skybackfill/internal/fetch"
	"skybackfill/internal/metrics"
	"skybackfill/internal/models"
	"skybackfill/internal/repository"
	"skybackfill/internal/xrpc"
)

const (
	// maxMessageBytes caps a single decode worker output line. Flushes are
	// time-bounded on the worker side, so anything past this is garbage.
	maxMessageBytes = 256 << 20

	drainTimeout  = 30 * time.Second
	statsInterval = 10 * time.Second
)

type worker struct {
	role  string
	slot  int
	cmd   *exec.Cmd
	stdin io.WriteCloser // writer roles only
}

type exitEvent struct {
	pid int
	err error
}

// Supervisor owns the worker processes. It spawns them from its own
// executable, routes decode output to writers, and respawns any worker
// that exits into the same role and slot.
type Supervisor struct {
	cfg       *config.Config
	repo      *repository.Repository
	alloc     *config.Allocation
	bus       *eventbus.Bus
	collector *metrics.Collector

	executable string
	router     *Router

	mu       sync.Mutex
	workers  map[int]*worker
	shutting bool

	exits chan exitEvent
}

func New(cfg *config.Config, repo *repository.Repository, alloc *config.Allocation, bus *eventbus.Bus, collector *metrics.Collector) (*Supervisor, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	table, err := NewRouteTable(alloc, cfg.CollectionWorkers)
	if err != nil {
		return nil, fmt.Errorf("invalid collection allocation: %w", err)
	}
	router, err := NewRouter(table, cfg.RecordWorkers, bus, collector)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:        cfg,
		repo:       repo,
		alloc:      alloc,
		bus:        bus,
		collector:  collector,
		executable: executable,
		router:     router,
		workers:    make(map[int]*worker),
		exits:      make(chan exitEvent, 64),
	}, nil
}

// Run brings the pipeline up and supervises it until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := s.repo.BeginBulkLoad(ctx); err != nil {
		log.Printf("[supervisor] bulk load tuning unavailable: %v", err)
	}
	defer s.endBulkLoad()

	for _, line := range s.router.table.Describe() {
		log.Printf("[supervisor] route %s", line)
	}

	// Writers first so the router has sinks before decode output arrives.
	for slot := 0; slot < s.cfg.CollectionWorkers; slot++ {
		if err := s.spawnWorker(config.RoleWriteByCollection, slot); err != nil {
			return err
		}
	}
	for slot := 0; slot < s.cfg.RecordWorkers; slot++ {
		if err := s.spawnWorker(config.RoleWriteByRecord, slot); err != nil {
			return err
		}
	}
	for slot := 0; slot < s.cfg.DecodeWorkers; slot++ {
		if err := s.spawnWorker(config.RoleDecode, slot); err != nil {
			return err
		}
	}

	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- s.runFetch(ctx)
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.exits:
			s.handleExit(ev)
		case err := <-fetchDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[supervisor] fetch pass failed: %v", err)
			} else if err == nil {
				log.Printf("[supervisor] fetch pass complete, supervising decode drain")
			}
			fetchDone = nil
		case <-ticker.C:
			s.updateQueueStats(ctx)
		}
	}
}

// runFetch drives the fetch stage in-process: the supervisor is the only
// role that talks to PDS hosts.
func (s *Supervisor) runFetch(ctx context.Context) error {
	accounts, err := fetch.ReadAccountList(s.cfg.RepoListPath)
	if err != nil {
		return fmt.Errorf("failed to read account list: %w", err)
	}
	log.Printf("[supervisor] loaded %d accounts from %s", len(accounts), s.cfg.RepoListPath)

	client := xrpc.New(xrpc.Config{DirectoryURL: s.cfg.PLCDirectoryURL})
	scheduler := fetch.NewScheduler(fetch.Config{
		Concurrency:  s.cfg.FetchConcurrency,
		BacklogLimit: s.cfg.QueueBacklog,
		SnapshotDir:  s.cfg.SnapshotDir,
	}, s.repo, client, s.alloc, s.bus, s.collector)

	return scheduler.Run(ctx, accounts)
}

func (s *Supervisor) spawnWorker(role string, slot int) error {
	cmd := exec.Command(s.executable)
	cmd.Env = append(filterEnv(os.Environ(), "BACKFILL_ROLE", "BACKFILL_WORKER_SLOT"),
		"BACKFILL_ROLE="+role,
		fmt.Sprintf("BACKFILL_WORKER_SLOT=%d", slot),
	)
	cmd.Stderr = os.Stderr

	w := &worker{role: role, slot: slot, cmd: cmd}

	switch role {
	case config.RoleDecode:
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to pipe decode worker %d stdout: %w", slot, err)
		}
		go s.readDecodeOutput(slot, stdout)
	case config.RoleWriteByCollection, config.RoleWriteByRecord:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to pipe %s worker %d stdin: %w", role, slot, err)
		}
		w.stdin = stdin
	default:
		return fmt.Errorf("cannot spawn role %q", role)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s worker %d: %w", role, slot, err)
	}
	pid := cmd.Process.Pid

	s.mu.Lock()
	s.workers[pid] = w
	s.mu.Unlock()

	switch role {
	case config.RoleWriteByCollection:
		s.router.SetCollectionSink(slot, w.stdin)
	case config.RoleWriteByRecord:
		s.router.SetRecordSink(slot, w.stdin)
	}

	go func() {
		err := cmd.Wait()
		s.exits <- exitEvent{pid: pid, err: err}
	}()

	log.Printf("[supervisor] started %s worker %d (pid %d)", role, slot, pid)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeWorkerSpawned,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"role": role, "slot": slot, "pid": pid},
		})
	}
	return nil
}

// readDecodeOutput pumps one decode worker's stdout into the router. It
// returns at EOF; the exit monitor takes over from there.
func (s *Supervisor) readDecodeOutput(slot int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxMessageBytes)
	for scanner.Scan() {
		if err := s.router.Route(scanner.Bytes()); err != nil {
			log.Fatalf("[supervisor] decode worker %d produced a malformed message: %v", slot, err)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			log.Fatalf("[supervisor] decode worker %d produced an oversized message", slot)
		}
		log.Printf("[supervisor] decode worker %d output closed: %v", slot, err)
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	w, known := s.workers[ev.pid]
	delete(s.workers, ev.pid)
	shutting := s.shutting
	s.mu.Unlock()

	if !known {
		if shutting {
			return
		}
		log.Fatalf("[supervisor] unknown process %d exited, refusing to continue", ev.pid)
	}
	if shutting {
		return
	}

	log.Printf("[supervisor] %s worker %d (pid %d) exited: %v", w.role, w.slot, ev.pid, ev.err)
	if s.collector != nil {
		s.collector.RecordWorkerRestart()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeWorkerExited,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"role": w.role, "slot": w.slot, "pid": ev.pid},
		})
	}

	if err := s.spawnWorker(w.role, w.slot); err != nil {
		log.Fatalf("[supervisor] failed to respawn %s worker %d: %v", w.role, w.slot, err)
	}
}

// shutdown drains the pipeline: decode workers are told to stop and flush,
// then writer stdins are closed so they finish their last batches. Workers
// that outlive the drain window are killed.
func (s *Supervisor) shutdown() {
	log.Printf("[supervisor] shutting down, draining workers")

	s.mu.Lock()
	s.shutting = true
	s.mu.Unlock()

	s.signalRole(config.RoleDecode, syscall.SIGTERM)
	s.awaitRole(config.RoleDecode, drainTimeout)

	s.closeWriterInputs()
	s.awaitRole("", drainTimeout)

	s.killRemaining()
}

func (s *Supervisor) signalRole(role string, sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, w := range s.workers {
		if w.role != role {
			continue
		}
		if err := w.cmd.Process.Signal(sig); err != nil {
			log.Printf("[supervisor] failed to signal %s worker %d (pid %d): %v", w.role, w.slot, pid, err)
		}
	}
}

func (s *Supervisor) closeWriterInputs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.stdin == nil {
			continue
		}
		if err := w.stdin.Close(); err != nil {
			log.Printf("[supervisor] failed to close %s worker %d stdin: %v", w.role, w.slot, err)
		}
	}
}

// awaitRole blocks until no worker of the given role remains, or the
// timeout passes. An empty role waits for everything.
func (s *Supervisor) awaitRole(role string, timeout time.Duration) {
	deadline := time.After(timeout)
	for s.countRole(role) > 0 {
		select {
		case ev := <-s.exits:
			s.mu.Lock()
			if w, ok := s.workers[ev.pid]; ok {
				log.Printf("[supervisor] %s worker %d (pid %d) drained", w.role, w.slot, ev.pid)
				delete(s.workers, ev.pid)
			}
			s.mu.Unlock()
		case <-deadline:
			log.Printf("[supervisor] drain timed out with %d %s workers remaining", s.countRole(role), role)
			return
		}
	}
}

func (s *Supervisor) countRole(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if role == "" || w.role == role {
			n++
		}
	}
	return n
}

func (s *Supervisor) killRemaining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, w := range s.workers {
		log.Printf("[supervisor] killing %s worker %d (pid %d)", w.role, w.slot, pid)
		if err := w.cmd.Process.Kill(); err != nil {
			log.Printf("[supervisor] failed to kill pid %d: %v", pid, err)
		}
		delete(s.workers, pid)
	}
}

func (s *Supervisor) endBulkLoad() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.EndBulkLoad(ctx); err != nil {
		log.Printf("[supervisor] failed to restore database settings: %v", err)
	}
}

func (s *Supervisor) updateQueueStats(ctx context.Context) {
	counts, err := s.repo.JobCounts(ctx)
	if err != nil {
		log.Printf("[supervisor] failed to read job counts: %v", err)
		return
	}
	if s.collector != nil {
		s.collector.UpdateQueueStats(counts[models.JobPending], counts[models.JobActive])
	}
	if reaped, err := s.repo.ReapDeadJobs(ctx); err != nil {
		log.Printf("[supervisor] failed to reap dead jobs: %v", err)
	} else if reaped > 0 {
		log.Printf("[supervisor] marked %d exhausted jobs failed", reaped)
	}
}

// filterEnv returns environ without the named variables, so the spawn
// overrides below are the only occurrences the child sees.
func filterEnv(environ []string, names ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, kv := range environ {
		drop := false
		for _, name := range names {
			if strings.HasPrefix(kv, name+"=") {
				drop = true
				break
			}
		}
		if !drop {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

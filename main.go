package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"skybackfill/internal/api"
	"skybackfill/internal/config"
	"skybackfill/internal/decode"
	"skybackfill/internal/eventbus"
	"skybackfill/internal/metrics"
	"skybackfill/internal/repository"
	"skybackfill/internal/supervisor"
	"skybackfill/internal/writer"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewRepository(ctx, cfg.DatabaseURL, cfg.DBSchema)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	switch cfg.Role {
	case config.RoleSupervisor:
		runSupervisor(ctx, cfg, repo)
	case config.RoleDecode:
		runDecode(ctx, cfg, repo)
	case config.RoleWriteByCollection, config.RoleWriteByRecord:
		runWriter(ctx, cfg, repo)
	default:
		log.Fatalf("Unknown role %q", cfg.Role)
	}
}

func runSupervisor(ctx context.Context, cfg *config.Config, repo *repository.Repository) {
	log.Printf("Starting backfill supervisor (build %s, pid %d)", BuildCommit, os.Getpid())
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Account list: %s", cfg.RepoListPath)
	log.Printf("Snapshot dir: %s", cfg.SnapshotDir)

	alloc, err := config.LoadAllocation(cfg.AllocationFile)
	if err != nil {
		log.Fatalf("Failed to load worker allocation: %v", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	collector := metrics.NewCollector()

	server := api.NewServer(api.Config{
		Port:           cfg.APIPort,
		RateRPS:        cfg.APIRateRPS,
		RateBurst:      cfg.APIRateBurst,
		AdminJWTSecret: cfg.AdminJWTSecret,
	}, repo, bus, collector)
	go func() {
		log.Printf("Status API listening on :%d", cfg.APIPort)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API server stopped: %v", err)
		}
	}()

	sup, err := supervisor.New(cfg, repo, alloc, bus, collector)
	if err != nil {
		log.Fatalf("Failed to initialize supervisor: %v", err)
	}
	if err := sup.Run(ctx); err != nil {
		log.Fatalf("Supervisor failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	log.Println("Supervisor stopped")
}

// runDecode turns the process into a decode worker: claim jobs, decode the
// staged snapshots, emit commit batches on stdout. Logs go to stderr so the
// supervisor can treat stdout as a pure message stream.
func runDecode(ctx context.Context, cfg *config.Config, repo *repository.Repository) {
	workerID := fmt.Sprintf("decode-%d-%d", cfg.WorkerSlot, os.Getpid())
	w := decode.NewWorker(decode.Config{
		WorkerID:    workerID,
		SnapshotDir: cfg.SnapshotDir,
		Concurrency: cfg.DecodeConcurrency,
	}, repo, decode.NewStreamEmitter(os.Stdout))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Decode worker %d failed: %v", cfg.WorkerSlot, err)
	}
}

func runWriter(ctx context.Context, cfg *config.Config, repo *repository.Repository) {
	w, err := writer.New(cfg.Role, cfg.WorkerSlot, repo)
	if err != nil {
		log.Fatalf("Failed to initialize writer: %v", err)
	}
	if err := w.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Writer %d failed: %v", cfg.WorkerSlot, err)
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Roles a backfill process can assume. Operators normally start only the
// supervisor; it sets BACKFILL_ROLE and BACKFILL_WORKER_SLOT when spawning
// the worker processes.
const (
	RoleSupervisor        = "supervisor"
	RoleDecode            = "decode"
	RoleWriteByCollection = "write-by-collection"
	RoleWriteByRecord     = "write-by-record"
)

type Config struct {
	DatabaseURL     string
	DBSchema        string
	PLCDirectoryURL string
	RepoListPath    string
	SnapshotDir     string

	Role       string
	WorkerSlot int

	FetchConcurrency  int
	QueueBacklog      int
	DecodeConcurrency int
	DecodeWorkers     int
	CollectionWorkers int
	RecordWorkers     int

	AllocationFile string

	APIPort      int
	APIRateRPS   float64
	APIRateBurst int

	AdminJWTSecret string
}

// FromEnv builds the process configuration from environment variables.
// Only DATABASE_URL is required; everything else has a workable default.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:       dbURL,
		DBSchema:          getEnv("BACKFILL_DB_SCHEMA", "backfill"),
		PLCDirectoryURL:   getEnv("PLC_DIRECTORY_URL", "https://plc.directory"),
		RepoListPath:      getEnv("BACKFILL_REPO_LIST", "repos.csv"),
		SnapshotDir:       getEnv("BACKFILL_SNAPSHOT_DIR", "/tmp/backfill-snapshots"),
		Role:              getEnv("BACKFILL_ROLE", RoleSupervisor),
		WorkerSlot:        getEnvInt("BACKFILL_WORKER_SLOT", 0),
		FetchConcurrency:  getEnvInt("BACKFILL_FETCH_CONCURRENCY", 100),
		QueueBacklog:      getEnvInt("BACKFILL_QUEUE_BACKLOG", 250),
		DecodeConcurrency: getEnvInt("BACKFILL_DECODE_CONCURRENCY", 30),
		DecodeWorkers:     getEnvInt("BACKFILL_DECODE_WORKERS", runtime.NumCPU()),
		CollectionWorkers: getEnvInt("BACKFILL_COLLECTION_WORKERS", 4),
		RecordWorkers:     getEnvInt("BACKFILL_RECORD_WORKERS", 2),
		AllocationFile:    os.Getenv("BACKFILL_ALLOCATION_FILE"),
		APIPort:           getEnvInt("API_PORT", 8080),
		APIRateRPS:        getEnvFloat("API_RATE_LIMIT_RPS", 10),
		APIRateBurst:      getEnvInt("API_RATE_LIMIT_BURST", 20),
		AdminJWTSecret:    os.Getenv("ADMIN_JWT_SECRET"),
	}

	switch cfg.Role {
	case RoleSupervisor, RoleDecode, RoleWriteByCollection, RoleWriteByRecord:
	default:
		return nil, fmt.Errorf("unknown BACKFILL_ROLE %q", cfg.Role)
	}
	if cfg.FetchConcurrency < 1 || cfg.QueueBacklog < 1 || cfg.DecodeConcurrency < 1 {
		return nil, fmt.Errorf("concurrency limits must be at least 1")
	}
	if cfg.DecodeWorkers < 1 || cfg.CollectionWorkers < 1 || cfg.RecordWorkers < 1 {
		return nil, fmt.Errorf("worker counts must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(valStr, 64); err == nil {
			return val
		}
	}
	return defaultVal
}

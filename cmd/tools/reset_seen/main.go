package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"skybackfill/internal/repository"
)

// Clears the seen-account set so the next supervisor run refetches every
// account on the list. Decoded records stay put; the upserts are idempotent.
func main() {
	godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	schema := os.Getenv("BACKFILL_DB_SCHEMA")
	if schema == "" {
		schema = "backfill"
	}

	ctx := context.Background()
	repo, err := repository.NewRepository(ctx, dbURL, schema)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	n, err := repo.SeenReset(ctx)
	if err != nil {
		log.Fatalf("Failed to reset seen set: %v", err)
	}

	if n == 0 {
		fmt.Println("Seen set was already empty.")
	} else {
		fmt.Printf("Removed %d seen markers. The next run will refetch every listed account.\n", n)
	}
}

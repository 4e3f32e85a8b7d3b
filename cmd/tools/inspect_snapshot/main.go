package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/ipfs/go-cid"

	"skybackfill/internal/car"
	"skybackfill/internal/models"
)

// Dumps a staged repo snapshot as one JSON event per record, newest-format
// event log on stdout and a per-collection summary on stderr. Useful for
// checking what a decode worker would extract before letting it loose.
func main() {
	file := flag.String("file", "", "path to a staged CAR snapshot (required)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: inspect_snapshot -file <snapshot>")
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}

	repo, err := car.Load(data)
	if err != nil {
		log.Fatalf("Failed to decode snapshot: %v", err)
	}
	log.Printf("repo %s rev %s", repo.DID(), repo.Rev())

	now := time.Now().UTC()
	enc := json.NewEncoder(os.Stdout)
	counts := map[string]int{}

	err = repo.ForEach(func(collection, rkey string, c cid.Cid, value any) error {
		valueMap, _ := value.(map[string]any)
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", collection, rkey, err)
		}
		ev := models.LogEvent{
			Action:    "record",
			Timestamp: models.RecordTimestamp(valueMap, rkey, now).UnixMilli(),
			URI:       models.MakeURI(repo.DID(), collection, rkey),
			CID:       c.String(),
			Record:    raw,
		}
		counts[collection]++
		return enc.Encode(&ev)
	})
	if err != nil {
		log.Fatalf("Failed to walk snapshot: %v", err)
	}

	collections := make([]string, 0, len(counts))
	for collection := range counts {
		collections = append(collections, collection)
	}
	sort.Strings(collections)

	total := 0
	for _, collection := range collections {
		log.Printf("%8d  %s", counts[collection], collection)
		total += counts[collection]
	}
	log.Printf("%8d  total", total)
}

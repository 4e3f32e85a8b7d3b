package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"skybackfill/internal/models"
)

const statusCacheTTL = 10 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus serves a cached snapshot of backfill progress. The counts
// behind it are full-table aggregates, so the cache keeps dashboards from
// hammering the database.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(statusCacheTTL)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	counts, err := s.store.JobCounts(ctx)
	if err != nil {
		return nil, err
	}

	seen, err := s.store.SeenCount(ctx)
	if err != nil {
		seen = 0
	}
	records, err := s.store.RecordCount(ctx)
	if err != nil {
		records = 0
	}

	pending := counts[models.JobPending]
	active := counts[models.JobActive]
	done := counts[models.JobDone]
	failed := counts[models.JobFailed]
	total := pending + active + done + failed

	progress := 0.0
	if total > 0 {
		progress = float64(done+failed) / float64(total) * 100
	}

	resp := map[string]interface{}{
		"status":        "ok",
		"accounts_seen": seen,
		"records_total": records,
		"jobs": map[string]int64{
			"pending": pending,
			"active":  active,
			"done":    done,
			"failed":  failed,
		},
		"progress":     fmt.Sprintf("%.2f%%", progress),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(resp)
}

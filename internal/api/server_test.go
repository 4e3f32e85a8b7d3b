package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"skybackfill/internal/models"
)

type fakeStore struct {
	mu            sync.Mutex
	jobCountCalls int
	counts        map[string]int64
	seen          int64
	records       int64
	dead          []models.Job
	requeued      int64
}

func (s *fakeStore) JobCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobCountCalls++
	return s.counts, nil
}

func (s *fakeStore) SeenCount(ctx context.Context) (int64, error)   { return s.seen, nil }
func (s *fakeStore) RecordCount(ctx context.Context) (int64, error) { return s.records, nil }

func (s *fakeStore) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit < len(s.dead) {
		return s.dead[:limit], nil
	}
	return s.dead, nil
}

func (s *fakeStore) RequeueFailed(ctx context.Context) (int64, error) { return s.requeued, nil }

func newTestServer(t *testing.T, cfg Config, store *fakeStore) *Server {
	t.Helper()
	if cfg.RateRPS == 0 {
		cfg.RateRPS = 1000
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 1000
	}
	cfg.Port = 0
	return NewServer(cfg, store, nil, nil)
}

func get(s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, &fakeStore{})
	rr := get(s, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rr.Code)
	}
}

func TestHandleStatusReportsCounts(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		counts:  map[string]int64{models.JobPending: 5, models.JobActive: 2, models.JobDone: 3, models.JobFailed: 0},
		seen:    40,
		records: 1200,
	}
	s := newTestServer(t, Config{}, store)

	rr := get(s, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", rr.Code)
	}

	var resp struct {
		Status       string           `json:"status"`
		AccountsSeen int64            `json:"accounts_seen"`
		RecordsTotal int64            `json:"records_total"`
		Jobs         map[string]int64 `json:"jobs"`
		Progress     string           `json:"progress"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if resp.Status != "ok" || resp.AccountsSeen != 40 || resp.RecordsTotal != 1200 {
		t.Errorf("status = %+v, want ok/40/1200", resp)
	}
	if resp.Jobs["pending"] != 5 || resp.Jobs["done"] != 3 {
		t.Errorf("jobs = %v, want pending 5, done 3", resp.Jobs)
	}
	if resp.Progress != "30.00%" {
		t.Errorf("progress = %q, want 30.00%%", resp.Progress)
	}
}

func TestHandleStatusServesFromCache(t *testing.T) {
	t.Parallel()

	store := &fakeStore{counts: map[string]int64{}}
	s := newTestServer(t, Config{}, store)

	for i := 0; i < 3; i++ {
		if rr := get(s, "/status", nil); rr.Code != http.StatusOK {
			t.Fatalf("GET /status #%d = %d, want 200", i, rr.Code)
		}
	}

	store.mu.Lock()
	calls := store.jobCountCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("store queried %d times, want 1 (cached)", calls)
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{}, &fakeStore{})
	if rr := get(s, "/admin/jobs/dead", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("GET /admin/jobs/dead without a secret = %d, want 404", rr.Code)
	}
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAdminRequiresValidToken(t *testing.T) {
	t.Parallel()

	secret := "backfill-admin-secret-at-least-32-chars!"
	store := &fakeStore{dead: []models.Job{{DID: "did:plc:dead1", Status: models.JobFailed, Attempt: 20}}}
	s := newTestServer(t, Config{AdminJWTSecret: secret}, store)

	if rr := get(s, "/admin/jobs/dead", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("GET /admin/jobs/dead without token = %d, want 401", rr.Code)
	}

	wrong := adminToken(t, "a-different-secret-also-32-chars-long!!")
	if rr := get(s, "/admin/jobs/dead", map[string]string{"Authorization": "Bearer " + wrong}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("GET /admin/jobs/dead with a forged token = %d, want 401", rr.Code)
	}

	rr := get(s, "/admin/jobs/dead", map[string]string{"Authorization": "Bearer " + adminToken(t, secret)})
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /admin/jobs/dead with a valid token = %d, want 200", rr.Code)
	}
	var resp struct {
		Count int          `json:"count"`
		Jobs  []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode dead jobs: %v", err)
	}
	if resp.Count != 1 || resp.Jobs[0].DID != "did:plc:dead1" {
		t.Errorf("dead jobs = %+v, want one entry for did:plc:dead1", resp)
	}
}

func TestRequeueFailed(t *testing.T) {
	t.Parallel()

	secret := "backfill-admin-secret-at-least-32-chars!"
	store := &fakeStore{requeued: 7}
	s := newTestServer(t, Config{AdminJWTSecret: secret}, store)

	req := httptest.NewRequest("POST", "/admin/jobs/requeue-failed", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, secret))
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("POST /admin/jobs/requeue-failed = %d, want 200", rr.Code)
	}
	var resp map[string]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["requeued"] != 7 {
		t.Errorf("requeued = %d, want 7", resp["requeued"])
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{RateRPS: 1, RateBurst: 1}, &fakeStore{counts: map[string]int64{}})

	if rr := get(s, "/status", nil); rr.Code != http.StatusOK {
		t.Fatalf("first GET /status = %d, want 200", rr.Code)
	}
	if rr := get(s, "/status", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second GET /status = %d, want 429", rr.Code)
	}
	if rr := get(s, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("GET /healthz while limited = %d, want 200 (exempt)", rr.Code)
	}
}

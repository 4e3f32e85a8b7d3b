package xrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) record(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// newTestClient returns a client that never sleeps for real and never
// throttles itself locally.
func newTestClient() (*Client, *sleepRecorder) {
	c := New(Config{HostRPS: 1e6, HostBurst: 1 << 20})
	rec := &sleepRecorder{}
	c.sleep = rec.record
	return c, rec
}

func TestGetRepoSuccess(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("did"); got != "did:plc:abc" {
			t.Errorf("did param=%q want did:plc:abc", got)
		}
		w.Write([]byte("carbytes"))
	}))
	defer ts.Close()

	c, rec := newTestClient()
	body, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if string(body) != "carbytes" {
		t.Fatalf("body=%q want carbytes", body)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("unexpected sleeps: %v", rec.recorded())
	}
}

func TestGetRepoRetryBound(t *testing.T) {
	t.Parallel()

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, rec := newTestClient()
	_, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
	if err == nil {
		t.Fatal("GetRepo succeeded, want error")
	}
	if !strings.Contains(err.Error(), "giving up after 7 attempts") {
		t.Fatalf("error=%v, want giving-up error", err)
	}
	if n := atomic.LoadInt32(&hits); n != 7 {
		t.Fatalf("server saw %d requests, want 7", n)
	}

	// The ladder backs off the first six failures; the seventh surfaces.
	want := []time.Duration{
		1 * time.Second, 5 * time.Second, 15 * time.Second,
		30 * time.Second, 60 * time.Second, 120 * time.Second,
	}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded %d sleeps %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBackoffLadderReusesLastRung(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient()
	if got := c.backoffFor(7); got != 300*time.Second {
		t.Fatalf("backoffFor(7)=%s want 300s", got)
	}
	if got := c.backoffFor(42); got != 300*time.Second {
		t.Fatalf("backoffFor(42)=%s want 300s", got)
	}
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	t.Parallel()

	fixedNow := time.Unix(1700000000, 0)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("RateLimit-Remaining", "0")
		w.Header().Set("RateLimit-Reset", strconv.FormatInt(fixedNow.Unix()+2, 10))
		w.Write([]byte("carbytes"))
	}))
	defer ts.Close()

	c, rec := newTestClient()
	c.now = func() time.Time { return fixedNow }

	body, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if string(body) != "carbytes" {
		t.Fatalf("body=%q want carbytes", body)
	}

	// reset is 2s out, plus the 1s safety margin.
	got := rec.recorded()
	if len(got) != 1 || got[0] != 3*time.Second {
		t.Fatalf("sleeps=%v, want exactly [3s]", got)
	}
}

func TestRateLimitWaitNeverNegative(t *testing.T) {
	t.Parallel()

	fixedNow := time.Unix(1700000000, 0)
	cases := []struct {
		name      string
		remaining string
		reset     string
	}{
		{name: "reset in the past", remaining: "0", reset: strconv.FormatInt(fixedNow.Unix()-30, 10)},
		{name: "budget not exhausted", remaining: "50", reset: strconv.FormatInt(fixedNow.Unix()+30, 10)},
		{name: "unparseable", remaining: "lots", reset: "soon"},
		{name: "absent", remaining: "", reset: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.remaining != "" {
					w.Header().Set("RateLimit-Remaining", tc.remaining)
					w.Header().Set("RateLimit-Reset", tc.reset)
				}
				w.Write([]byte("ok"))
			}))
			defer ts.Close()

			c, rec := newTestClient()
			c.now = func() time.Time { return fixedNow }
			if _, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc"); err != nil {
				t.Fatalf("GetRepo: %v", err)
			}
			if got := rec.recorded(); len(got) != 0 {
				t.Fatalf("sleeps=%v, want none", got)
			}
		})
	}
}

func TestRateLimitedResponseRetries(t *testing.T) {
	t.Parallel()

	fixedNow := time.Unix(1700000000, 0)
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("RateLimit-Remaining", "0")
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(fixedNow.Unix()+5, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("carbytes"))
	}))
	defer ts.Close()

	c, rec := newTestClient()
	c.now = func() time.Time { return fixedNow }

	body, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if string(body) != "carbytes" {
		t.Fatalf("body=%q want carbytes", body)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("server saw %d requests, want 2", n)
	}
	got := rec.recorded()
	if len(got) != 1 || got[0] != 6*time.Second {
		t.Fatalf("sleeps=%v, want exactly [6s] from headers", got)
	}
}

func TestRateLimitedWithoutHeadersFallsBackToLadder(t *testing.T) {
	t.Parallel()

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("carbytes"))
	}))
	defer ts.Close()

	c, rec := newTestClient()
	if _, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc"); err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	got := rec.recorded()
	if len(got) != 1 || got[0] != 1*time.Second {
		t.Fatalf("sleeps=%v, want exactly [1s]", got)
	}
}

func TestTerminalErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "deactivated", status: 400, body: `{"error":"RepoDeactivated","message":"gone"}`},
		{name: "takendown", status: 400, body: `{"error":"RepoTakendown"}`},
		{name: "repo not found", status: 400, body: `{"error":"RepoNotFound"}`},
		{name: "bare 404", status: 404, body: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var hits int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			c, _ := newTestClient()
			_, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
			if !IsTerminal(err) {
				t.Fatalf("err=%v, want terminal", err)
			}
			if n := atomic.LoadInt32(&hits); n != 1 {
				t.Fatalf("server saw %d requests, want 1 (no retry on terminal)", n)
			}
		})
	}
}

func TestOtherClientErrorsSurfaceWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"InvalidRequest","message":"bad did"}`))
	}))
	defer ts.Close()

	c, _ := newTestClient()
	_, err := c.GetRepo(context.Background(), ts.URL, "did:plc:abc")
	if err == nil || IsTerminal(err) {
		t.Fatalf("err=%v, want non-terminal error", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("server saw %d requests, want 1", n)
	}
}

func TestDialFailureSurfacesImmediately(t *testing.T) {
	t.Parallel()

	c := New(Config{HostRPS: 1e6, HostBurst: 1 << 20, RequestTimeout: 5 * time.Second})
	rec := &sleepRecorder{}
	c.sleep = rec.record
	start := time.Now()
	_, err := c.GetRepo(context.Background(), "http://127.0.0.1:1", "did:plc:abc")
	if err == nil {
		t.Fatal("GetRepo succeeded against a closed port")
	}
	if !isDialError(err) {
		t.Fatalf("err=%v, want dial error", err)
	}
	if IsTerminal(err) {
		t.Fatalf("dial error classified terminal: %v", err)
	}
	if got := rec.recorded(); len(got) != 0 {
		t.Fatalf("sleeps=%v, want none (no retry on dial failure)", got)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("dial failure took %s, want fast surface", elapsed)
	}
}

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://pds.example.com", "https://pds.example.com"},
		{"https://pds.example.com/", "https://pds.example.com"},
		{"pds.example.com", "https://pds.example.com"},
		{"http://localhost:2583", "http://localhost:2583"},
	}
	for _, tc := range cases {
		if got := normalizeHost(tc.in); got != tc.want {
			t.Fatalf("normalizeHost(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

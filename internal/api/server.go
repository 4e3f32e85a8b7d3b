package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"skybackfill/internal/eventbus"
	"skybackfill/internal/metrics"
	"skybackfill/internal/models"
)

// Store is the slice of the repository the status API reads.
type Store interface {
	JobCounts(ctx context.Context) (map[string]int64, error)
	SeenCount(ctx context.Context) (int64, error)
	RecordCount(ctx context.Context) (int64, error)
	DeadJobs(ctx context.Context, limit int) ([]models.Job, error)
	RequeueFailed(ctx context.Context) (int64, error)
}

type Config struct {
	Port           int
	RateRPS        float64
	RateBurst      int
	AdminJWTSecret string // empty disables the admin routes
}

type Server struct {
	store      Store
	bus        *eventbus.Bus
	collector  *metrics.Collector
	hub        *hub
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(cfg Config, store Store, bus *eventbus.Bus, collector *metrics.Collector) *Server {
	s := &Server{
		store:     store,
		bus:       bus,
		collector: collector,
		hub:       newHub(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(newIPLimiter(cfg.RateRPS, cfg.RateBurst).middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")
	if collector != nil {
		r.Handle("/metrics", collector.Handler()).Methods("GET")
	}
	if cfg.AdminJWTSecret != "" {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.Use(newAdminAuth(cfg.AdminJWTSecret).middleware)
		admin.HandleFunc("/jobs/dead", s.handleDeadJobs).Methods("GET", "OPTIONS")
		admin.HandleFunc("/jobs/requeue-failed", s.handleRequeueFailed).Methods("POST", "OPTIONS")
	}

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: r,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called. The hub pump
// forwards pipeline events to websocket clients for the whole lifetime.
func (s *Server) Start() error {
	go s.hub.run()
	go s.pumpEvents()
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

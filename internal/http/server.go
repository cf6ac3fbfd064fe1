package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"payflow/internal/advice"
	"payflow/internal/core"
	"payflow/internal/log"
	"payflow/internal/metrics"
	"payflow/internal/middleware/ratelimit"
	"payflow/internal/middleware/security"
	"payflow/internal/middleware/trace"
	"payflow/internal/statestore"
)

// Store is the part of statestore.Store the API drives.
type Store interface {
	State() statestore.State
	Current() (core.Document, bool)
	Subscribe(listener statestore.Listener) (unsubscribe func())
	Apply(ctx context.Context, mutation statestore.Mutation) (core.Document, statestore.Receipt, error)
	OnForeground(ctx context.Context) bool
}

type Advisor interface {
	Tips(ctx context.Context, doc core.Document) []string
}

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]core.CycleRecord, error)
}

// IdentityVerifier turns a sign-in request into an Identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (*core.Identity, error)
	Demo() (*core.Identity, error)
}

// Deps are the collaborators of a Server. Only Store is required.
type Deps struct {
	Store    Store
	Advice   Advisor
	History  HistoryLister
	Identity IdentityVerifier
	Metrics  *metrics.Registry
	// BusConnected is reported by /readyz. Nil means always connected.
	BusConnected func() bool
	IDs          core.IDGenerator
	RateLimit    ratelimit.Config
	Logger       *log.Logger
}

type Server struct {
	http.Server
	deps     Deps
	logger   *log.Logger
	limiter  *ratelimit.Limiter
	detector *security.Detector
	streams  *streamRegistry

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default(log.ComponentHTTP)
	}
	if deps.Advice == nil {
		deps.Advice = advice.NewService(nil, advice.Options{Logger: deps.Logger.WithComponent(log.ComponentAdvice)})
	}
	if deps.IDs == nil {
		deps.IDs = core.UUIDGenerator{}
	}
	if deps.RateLimit.RequestsPerMinute <= 0 {
		deps.RateLimit = ratelimit.DefaultConfig()
	}

	s := &Server{
		deps:     deps,
		logger:   deps.Logger,
		limiter:  ratelimit.NewLimiter(deps.RateLimit),
		detector: security.NewDetector(deps.Logger),
		streams:  newStreamRegistry(),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/state", s.handleState)
	api.HandleFunc("GET /api/summary", s.handleSummary)
	api.HandleFunc("GET /api/items", s.handleListItems)
	api.HandleFunc("POST /api/items", s.handleAddItem)
	api.HandleFunc("PUT /api/items/{id}", s.handleUpdateItem)
	api.HandleFunc("DELETE /api/items/{id}", s.handleRemoveItem)
	api.HandleFunc("POST /api/items/{id}/toggle", s.handleToggleItem)
	api.HandleFunc("PUT /api/preferences/{key}", s.handleSetPreference)
	api.HandleFunc("POST /api/identity", s.handleSignIn)
	api.HandleFunc("DELETE /api/identity", s.handleSignOut)
	api.HandleFunc("POST /api/reset", s.handleResetAll)
	api.HandleFunc("POST /api/lifecycle/foreground", s.handleForeground)
	api.HandleFunc("GET /api/advice", s.handleAdvice)
	api.HandleFunc("GET /api/history", s.handleHistory)
	api.HandleFunc("GET /api/stream", s.handleStream)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.limitWrites(api))
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	var observe trace.Observer
	if deps.Metrics != nil {
		observe = deps.Metrics.ObserveHTTP
	}
	tracer := trace.NewMiddleware(s.detector.ExtractClientIP, deps.Logger, observe)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())

	s.Server = http.Server{
		Addr:              addr,
		Handler:           headers.Middleware(s.detector.Middleware(tracer.Middleware(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// limitWrites rate limits every request that can change the document.
func (s *Server) limitWrites(next http.Handler) http.Handler {
	limited := s.limiter.Middleware(s.detector.ExtractClientIP, s.onRateLimited)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveRateLimited()
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
}

// Shutdown closes the open streams, stops the limiter and shuts down the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.streams.closeAll()
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// OpenStreams reports the number of connected stream clients.
func (s *Server) OpenStreams() int {
	return s.streams.len()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readyResponse struct {
	State        string `json:"state"`
	BusConnected bool   `json:"busConnected"`
}

// handleReady reports 200 once the store holds a document. A disconnected
// bus only degrades the peer to local operation, so it is reported but does
// not fail readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Store.State()
	resp := readyResponse{State: state.String(), BusConnected: true}
	if s.deps.BusConnected != nil {
		resp.BusConnected = s.deps.BusConnected()
	}
	status := http.StatusOK
	if state != statestore.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

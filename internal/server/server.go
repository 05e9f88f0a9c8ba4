// Package server provides the REST and User Channel HTTP surface (§6):
// session CRUD, history retrieval, and the /chat websocket upgrade.
// Grounded on go-opencode's internal/server package for the chi
// router/middleware setup and JSON response helpers; the route table
// itself is new, since §6 names a much smaller REST surface than
// go-opencode's IDE-assistant API.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/internal/orchestrator"
	"github.com/carapace-run/carapace/internal/sandbox"
	"github.com/carapace-run/carapace/internal/storage"
)

// Config configures the REST/channel listener.
type Config struct {
	Host  string
	Port  int
	Token string // bearer token required on every REST call and channel handshake (§6)
}

// Server is the process's HTTP surface: chi router plus an
// http.Server wrapping it.
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server

	store   *storage.Store
	orch    *orchestrator.Orchestrator
	sandbox *sandbox.Manager
	metrics *metrics.Registry
}

// New constructs a Server wired to the shared store, orchestrator, and
// sandbox manager, and builds its route table. metrics may be nil, in
// which case GET /metrics is not registered.
func New(cfg Config, store *storage.Store, orch *orchestrator.Orchestrator, sbox *sandbox.Manager, m *metrics.Registry) *Server {
	s := &Server{cfg: cfg, store: store, orch: orch, sandbox: sbox, metrics: m}
	s.router = chi.NewRouter()
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/sessions", func(r chi.Router) {
		r.Use(s.requireBearerToken)
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/history", s.getHistory)
		})
	})
	// /chat authenticates inside the handler (header or ?token= query,
	// §6), since it must accept the query-parameter form a browser
	// WebSocket handshake can't attach an Authorization header to.
	s.router.Get("/chat/{sessionID}", s.chat)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
}

// requireBearerToken enforces "Authorization: Bearer <token>" on every
// REST call (§6).
func (s *Server) requireBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validBearer(r.Header.Get("Authorization"), s.cfg.Token) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validBearer(header, token string) bool {
	const prefix = "Bearer "
	return len(header) > len(prefix) && header[:len(prefix)] == prefix && header[len(prefix):] == token
}

// ListenAndServe blocks serving the REST/channel surface until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         hostPort(s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the channel endpoint holds connections open indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpSrv.Addr).Msg("server: listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func hostPort(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}

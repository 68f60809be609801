package coordinator

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/liveness"
	"github.com/shuthost/shuthost/internal/power"
	"github.com/shuthost/shuthost/internal/push"
	"github.com/shuthost/shuthost/internal/signing"
)

// Server is the coordinator's HTTP/WebSocket layer: the M2M endpoint, the
// browser dashboard's auth and WebSocket surface, and the supplemented
// /api/hosts and /api/config/reload endpoints. It does not own any of the
// core state machines -- it only calls into them.
type Server struct {
	cfg *DashboardConfig
	db  *sql.DB
	log zerolog.Logger

	auth             *AuthService
	hub              *Hub
	pushStore        *PushStore
	registry         *fleet.Registry
	controller       *power.Controller
	monitor          *liveness.Monitor
	bus              *eventbus.Bus
	configSupervisor *config.Supervisor

	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server

	m2mReplayMu   sync.Mutex
	m2mReplayByID map[string]*signing.ReplayCache

	m2mLimiterMu   sync.Mutex
	m2mLimiterByID map[string]*rate.Limiter

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// m2mRequestsPerSecond and m2mBurst bound the steady rate of M2M calls a
// single client may make. A token bucket fits this the way it doesn't fit
// login attempts: M2M traffic is a steady automated rate to throttle, not
// a handful of failed human attempts to lock out after a rolling window
// (that's what RateLimiter in auth.go is for).
const (
	m2mRequestsPerSecond = 5
	m2mBurst             = 10
)

// Deps bundles the core components the Server is wired in front of. Hub is
// constructed by the caller (via NewHub) because the liveness monitor needs
// it as a Subscribers implementation before the Server itself exists.
type Deps struct {
	Registry         *fleet.Registry
	Controller       *power.Controller
	Monitor          *liveness.Monitor
	Bus              *eventbus.Bus
	ConfigSupervisor *config.Supervisor
	PushDispatcher   *push.Dispatcher
	Hub              *Hub
}

// New creates a coordinator Server.
func New(cfg *DashboardConfig, db *sql.DB, deps Deps, log zerolog.Logger) *Server {
	hubCtx, hubCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:              cfg,
		db:               db,
		log:              log.With().Str("component", "coordinator").Logger(),
		auth:             NewAuthService(cfg, db),
		hub:              deps.Hub,
		pushStore:        NewPushStore(db),
		registry:         deps.Registry,
		controller:       deps.Controller,
		monitor:          deps.Monitor,
		bus:              deps.Bus,
		configSupervisor: deps.ConfigSupervisor,
		m2mReplayByID:    make(map[string]*signing.ReplayCache),
		m2mLimiterByID:   make(map[string]*rate.Limiter),
		hubCtx:           hubCtx,
		hubCancel:        hubCancel,
	}

	s.setupRouter()

	go s.hub.Run(hubCtx)
	if deps.PushDispatcher != nil {
		go deps.PushDispatcher.Run(hubCtx, deps.Bus)
	}

	return s
}

func (s *Server) m2mReplayCache(clientID string) *signing.ReplayCache {
	s.m2mReplayMu.Lock()
	defer s.m2mReplayMu.Unlock()

	cache, ok := s.m2mReplayByID[clientID]
	if !ok {
		cache = signing.NewReplayCache()
		s.m2mReplayByID[clientID] = cache
	}
	return cache
}

// m2mLimiter returns the per-client token bucket, creating it on first use.
func (s *Server) m2mLimiter(clientID string) *rate.Limiter {
	s.m2mLimiterMu.Lock()
	defer s.m2mLimiterMu.Unlock()

	l, ok := s.m2mLimiterByID[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m2mRequestsPerSecond), m2mBurst)
		s.m2mLimiterByID[clientID] = l
	}
	return l
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)

	r.Route("/api/m2m", func(r chi.Router) {
		r.Post("/lease/{host}/{action}", s.handleM2MLease)
		r.Post("/test_wol", s.handleM2MTestWol)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/", s.handleDashboard)
		r.Get("/ws", s.handleWebSocket)

		r.With(s.requireCSRF).Post("/logout", s.handleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Get("/hosts", s.handleGetHosts)

			r.Group(func(r chi.Router) {
				r.Use(s.requireCSRF)
				r.Post("/config/reload", s.handleConfigReload)
				r.Post("/push/subscribe", s.handlePushSubscribe)
			})
		})
	})

	s.router = r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.GetSessionFromRequest(r)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFromContext(r.Context())
		if session == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if !s.auth.ValidateCSRF(session, token) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordinator server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the hub and HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down coordinator")
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the HTTP handler for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

package server

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/openportal/webssh/internal/config"
	"github.com/openportal/webssh/internal/server/handlers"
	"github.com/openportal/webssh/internal/server/middleware"
	"github.com/openportal/webssh/internal/terminal"
)

//go:embed static
var staticFS embed.FS

const (
	// reaperInterval is how often idle sessions are swept.
	reaperInterval = 5 * time.Minute
	// sessionMaxIdle is how long a session may sit without activity
	// before the sweep closes it.
	sessionMaxIdle = 1 * time.Hour
)

type Server struct {
	cfg        *config.Config
	registry   *terminal.Registry
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		registry: terminal.NewRegistry(),
	}
	s.setupRouter()
	return s
}

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *terminal.Registry {
	return s.registry
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health(s.cfg))
	r.Get("/ready", handlers.Ready(s.registry))

	// Built-in terminal page and its assets
	r.Get("/", s.serveIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(mustSub(staticFS, "static")))))

	// Opening sessions is rate limited per client IP; attaching and
	// inspecting existing ones is not.
	connectLimit := middleware.RateLimit(s.cfg.ConnectRatePerSec, s.cfg.ConnectBurst)
	r.With(connectLimit).Post("/connect", handlers.Connect(s.cfg, s.registry))
	r.With(connectLimit).Post("/api/connect", handlers.APIConnect(s.cfg, s.registry))
	r.With(connectLimit).Post("/api/local", handlers.LocalConnect(s.cfg, s.registry))

	r.Post("/api/sessions", handlers.ListSessions(s.registry))
	r.Get("/api/session/{id}/status", handlers.SessionStatus(s.registry))
	r.Post("/api/session/{id}/terminate", handlers.TerminateSession(s.registry))

	// Terminal WebSocket
	r.Get("/ws/{id}", handlers.Terminal(s.registry))

	s.router = r
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Writes are long-lived once a WebSocket is attached, so no
		// write timeout here.
		IdleTimeout: 60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartReaper sweeps idle sessions until ctx is cancelled.
func (s *Server) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.registry.CleanupStaleSessions(sessionMaxIdle)
			log.Info().
				Int("removed", removed).
				Int("active_sessions", s.registry.TotalSessions()).
				Int("portal_users", s.registry.TotalPortalUsers()).
				Int("devices", s.registry.TotalDevices()).
				Msg("session sweep")
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	// Close whatever sessions remain so remote ends see a clean
	// disconnect.
	for _, id := range s.registry.GetAllSessions() {
		s.registry.Remove(id)
	}
	return nil
}

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

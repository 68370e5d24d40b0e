// Package server provides the HTTP API and event streaming.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/config"
	"github.com/parosfi/rebalancer/internal/database"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/ledger"
	"github.com/parosfi/rebalancer/internal/modules/rebalancing"
	"github.com/parosfi/rebalancer/internal/modules/risk"
	"github.com/parosfi/rebalancer/internal/modules/sizing"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
	"github.com/parosfi/rebalancer/internal/services"
)

// Config wires the server's dependencies.
type Config struct {
	Log      zerolog.Logger
	Cfg      *config.Config
	CoreDB   *database.DB
	LedgerDB *database.DB
	CacheDB  *database.DB

	Bus        *events.Bus
	Strategies *strategy.Repository
	Rebalancer *rebalancing.Service
	Snapshots  rebalancing.SnapshotProvider
	Scorer     *risk.Scorer
	Sizer      *sizing.Service
	Ledger     *ledger.Recorder
	Market     *services.MarketDataService
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	cfg      *config.Config
	coreDB   *database.DB
	ledgerDB *database.DB
	cacheDB  *database.DB

	handlers *Handlers
	stream   *EventsStreamHandler
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		cfg:      cfg.Cfg,
		coreDB:   cfg.CoreDB,
		ledgerDB: cfg.LedgerDB,
		cacheDB:  cfg.CacheDB,
		handlers: NewHandlers(cfg),
		stream:   NewEventsStreamHandler(cfg.Bus, cfg.Log),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(2 * time.Minute))

	if devMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handlers.Health)

		r.Route("/strategies", func(r chi.Router) {
			r.Get("/", s.handlers.ListStrategies)
			r.Post("/", s.handlers.CreateStrategy)
			r.Get("/{id}", s.handlers.GetStrategy)
			r.Put("/{id}", s.handlers.UpdateStrategy)
			r.Delete("/{id}", s.handlers.DeleteStrategy)
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handlers.ListOperations)
			r.Post("/", s.handlers.CreateOperation)
			r.Get("/{id}", s.handlers.GetOperation)
			r.Post("/{id}/advance", s.handlers.AdvanceOperation)
			r.Post("/{id}/approve", s.handlers.ApproveOperation)
			r.Post("/{id}/reject", s.handlers.RejectOperation)
			r.Post("/{id}/cancel", s.handlers.CancelOperation)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/protocols/{id}", s.handlers.ScoreProtocol)
		})

		r.Post("/sizing/preview", s.handlers.PreviewSizing)
		r.Get("/allocation", s.handlers.GetAllocation)
		r.Get("/ledger", s.handlers.ListLedger)

		r.Get("/events/stream", s.stream.ServeSSE)
		r.Get("/events/ws", s.stream.ServeWebsocket)
	})
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

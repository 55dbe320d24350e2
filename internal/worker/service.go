// Package worker serves the clustering engine over HTTP.
package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/config"
	"github.com/thebtf/clusterd/internal/watcher"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests.
const DefaultHTTPTimeout = 30 * time.Second

// Service is the main worker service orchestrator.
type Service struct {
	version      string
	config       *config.Config
	settingsPath string

	router    *chi.Mux
	server    *http.Server
	addr      string
	startTime time.Time
	limiter   *PerClientRateLimiter

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state (for deferred init)
	comp      *Components
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex

	configWatcher *watcher.Watcher
	restart       chan struct{}
	restartOnce   sync.Once
}

// NewService creates a worker service with deferred initialization.
// The health endpoint answers at once while the store, embedder and engine
// are built in the background. A non-empty settingsPath is watched; a change
// is reported on Restart.
func NewService(version string, cfg *config.Config, settingsPath string) *Service {
	svc := newService(version, cfg, settingsPath)
	go svc.initializeAsync()
	return svc
}

// NewServiceWithComponents creates a service over already built components.
// It is ready immediately and watches no settings file.
func NewServiceWithComponents(version string, cfg *config.Config, comp *Components) *Service {
	svc := newService(version, cfg, "")
	svc.comp = comp
	svc.ready.Store(true)
	return svc
}

func newService(version string, cfg *config.Config, settingsPath string) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:      version,
		config:       cfg,
		settingsPath: settingsPath,
		router:       chi.NewRouter(),
		startTime:    time.Now(),
		limiter:      NewPerClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		ctx:          ctx,
		cancel:       cancel,
		restart:      make(chan struct{}),
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// initializeAsync performs heavy initialization in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	comp, err := Build(s.ctx, s.config)
	if err != nil {
		s.setInitError(err)
		return
	}

	s.initMu.Lock()
	s.comp = comp
	s.initMu.Unlock()

	s.ready.Store(true)
	log.Info().Msg("Async initialization complete - service ready")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		comp.Maintenance.Start(s.ctx)
	}()

	s.startWatcher()
}

// startWatcher watches the settings file; a change requests a restart.
func (s *Service) startWatcher() {
	if s.settingsPath == "" {
		return
	}
	w, err := watcher.New(s.settingsPath, s.reloadConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	if err := w.Start(s.ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return
	}
	s.initMu.Lock()
	s.configWatcher = w
	s.initMu.Unlock()
	log.Info().Str("path", s.settingsPath).Msg("Config file watcher started")
}

// reloadConfig signals the owner that the settings changed. The owner shuts
// the service down and starts a new one with the reloaded config.
func (s *Service) reloadConfig() {
	s.restartOnce.Do(func() {
		log.Warn().Str("path", s.settingsPath).Msg("Config file changed, requesting restart")
		close(s.restart)
	})
}

// Restart is closed when the settings file changes.
func (s *Service) Restart() <-chan struct{} {
	return s.restart
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

func (s *Service) components() *Components {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.comp
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(SecurityHeaders(s.config.CORSOrigins))
	s.router.Use(MaxBodySize(DefaultMaxBodySize))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health answers during init; /api/ready only once components are built.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)

	s.router.Route("/api/clustering", func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(RequireJSONContentType)

		r.Group(func(r chi.Router) {
			if s.config.RateLimitRPS > 0 {
				r.Use(PerClientRateLimitMiddleware(s.limiter))
			}
			r.Post("/questions", s.handleSubmit)
			r.Post("/questions/batch", s.handleSubmitBatch)
		})

		r.Get("/search", s.handleSearch)
		r.Get("/clusters/top", s.handleTopClusters)
		r.Get("/clusters/trending", s.handleTrending)
		r.Get("/clusters/duplicates", s.handleDuplicates)
		r.Get("/clusters/{id}", s.handleClusterDetail)
		r.Get("/clusters/{id}/questions", s.handleClusterQuestions)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/stats/daily", s.handleDailyStats)
		r.Get("/stats/global", s.handleGlobalStats)

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(s.config.AuthToken))
			r.Post("/clusters/merge", s.handleMerge)
			r.Post("/cache/invalidate", s.handleInvalidateCache)
			r.Get("/maintenance", s.handleMaintenanceStats)
			r.Post("/maintenance/run", s.handleMaintenanceRun)
		})
	})
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Service) Addr() string {
	return s.addr
}

// Handler exposes the router, mainly for httptest.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in the background.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}

	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("addr", s.addr).
		Str("version", s.version).
		Msg("Worker HTTP server started (initialization in progress)")
	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.initMu.RLock()
	cw := s.configWatcher
	comp := s.comp
	s.initMu.RUnlock()

	if cw != nil {
		_ = cw.Stop()
	}

	if comp != nil && comp.Maintenance != nil {
		comp.Maintenance.Stop()
	}

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
			errs = append(errs, err)
		}
	}

	s.wg.Wait()

	if comp != nil {
		if err := comp.Close(); err != nil {
			log.Error().Err(err).Msg("Component close error")
			errs = append(errs, err)
		}
	}

	log.Info().Msg("Worker service shutdown complete")
	return errors.Join(errs...)
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", GetRequestID(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

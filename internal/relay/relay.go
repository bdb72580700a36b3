// ABOUTME: Assembles the reference relay: SQLite store, fan-out, STOMP endpoint, room API
// ABOUTME: Runs one HTTP listener and shuts everything down on context cancellation

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/config"
	"github.com/2389/consult-session/internal/dedupe"
	"github.com/2389/consult-session/internal/metrics"
	"github.com/2389/consult-session/internal/store"
)

// Relay is the development relay and room service.
type Relay struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	fanout     Fanout
	redis      *redis.Client
	dedupe     *dedupe.Cache
	stomp      *Server
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New opens the store and builds the HTTP handler. The caller must Run or
// Shutdown the result.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	rl := &Relay{
		cfg:    cfg,
		store:  db,
		dedupe: dedupe.New(cfg.Relay.DedupeTTL, cfg.Relay.DedupeSize),
		logger: logger.With("component", "relay"),
	}

	if cfg.Redis.Enabled {
		client, err := NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			rl.closeComponents()
			return nil, err
		}
		rl.redis = client
		fanout, err := NewRedisFanout(ctx, client, cfg.Redis.Channel, logger)
		if err != nil {
			rl.closeComponents()
			return nil, err
		}
		rl.fanout = fanout
	} else {
		rl.fanout = NewBroadcaster(logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelay(reg)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	router := NewRouter(APIConfig{
		Store:          db,
		Verifier:       verifier,
		Metrics:        relayMetrics,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Logger:         logger,
	})
	router.Get("/ready", rl.handleReady)
	rl.stomp = NewServer(ServerConfig{
		Store:          db,
		Verifier:       verifier,
		Fanout:         rl.fanout,
		Dedupe:         rl.dedupe,
		Metrics:        relayMetrics,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Version:        version,
		Logger:         logger,
	})
	router.Handle(cfg.Relay.WebSocketPath, rl.stomp)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	rl.handler = router
	rl.httpServer = &http.Server{
		Addr:              cfg.Relay.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return rl, nil
}

// Handler serves the room API, the STOMP endpoint, and metrics.
func (rl *Relay) Handler() http.Handler {
	return rl.handler
}

// Store exposes the room store, mainly for seeding in tests and tools.
func (rl *Relay) Store() *store.SQLiteStore {
	return rl.store
}

// Run listens on the configured address until ctx is cancelled.
func (rl *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", rl.cfg.Relay.HTTPAddr)
	if err != nil {
		rl.closeComponents()
		return fmt.Errorf("listening on %s: %w", rl.cfg.Relay.HTTPAddr, err)
	}
	return rl.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down.
func (rl *Relay) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rl.logger.Info("relay listening",
			"addr", ln.Addr().String(),
			"ws_path", rl.cfg.Relay.WebSocketPath,
			"redis", rl.redis != nil)
		if err := rl.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// The parent context is already cancelled; shut down on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rl.cfg.Relay.ShutdownDeadline)
		defer cancel()
		return rl.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP server and closes the fan-out and store.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.logger.Info("shutting down relay")

	var errs []error
	if err := rl.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	rl.stomp.Close()
	errs = append(errs, rl.closeComponents()...)
	return errors.Join(errs...)
}

func (rl *Relay) closeComponents() []error {
	var errs []error
	if rl.fanout != nil {
		if err := rl.fanout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fanout close: %w", err))
		}
	}
	if rl.redis != nil {
		if err := rl.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if rl.dedupe != nil {
		rl.dedupe.Close()
	}
	if err := rl.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errs
}

// handleReady reports whether the store and Redis answer.
func (rl *Relay) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rl.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if rl.redis != nil {
		if err := rl.redis.Ping(r.Context()).Err(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Package app wires the vouch server runtime: config, logging, metrics, the
// auth HTTP surface, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vouch/cmd/identity"
	authapi "vouch/cmd/internal/auth/api"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/internal/db/migrate"
	"vouch/cmd/internal/realtime"
	"vouch/cmd/security/password"
	"vouch/cmd/security/token"
)

// App owns the HTTP server wiring and the lifecycle of its dependencies.
type App struct {
	cfg     Config
	log     Logger
	metrics *Metrics

	pool *pgxpool.Pool

	authSvc *session.Service
	auth    *authapi.Handler
	ws      *realtime.Gateway
}

// New constructs a fully wired App. Without VOUCH_DATABASE_URL it runs on
// in-memory stores; sessions and users then do not survive a restart.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	var (
		pool     *pgxpool.Pool
		users    identity.Store
		sessions session.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		users = identity.NewMemoryStore()
		sessions = session.NewMemoryStore()
	} else {
		if cfg.MigrateOnStart {
			if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
				return nil, err
			}
			log.Info("db.migrated")
		}

		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pool = p
		log.Info("db.enabled.postgres_store")

		u, err := identity.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s, err := session.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		users, sessions = u, s
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		closePool(pool)
		return nil, err
	}
	codec, err := token.NewCodec([]byte(sessCfg.SecretKey), sessCfg.Issuer)
	if err != nil {
		closePool(pool)
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		closePool(pool)
		return nil, err
	}
	hasher, err := password.NewHasher(pwCfg)
	if err != nil {
		closePool(pool)
		return nil, err
	}
	authSvc, err := session.NewService(sessCfg, users, sessions, codec, hasher)
	if err != nil {
		closePool(pool)
		return nil, err
	}

	metrics := NewMetrics()

	registry := realtime.NewRegistry()

	authOpts := []authapi.HandlerOption{
		authapi.WithMetrics(metrics),
		authapi.WithConnectionCloser(func(userID string) int {
			return registry.CloseUser(userID, realtime.StatusUnauthorized, "account_inactive")
		}),
	}
	if pool != nil {
		authOpts = append(authOpts, authapi.WithAuditLog(pool, "vouch"))
	}
	auth, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), authSvc, authOpts...)
	if err != nil {
		closePool(pool)
		return nil, err
	}

	ws, err := realtime.NewGateway(log, authSvc, registry, nil, realtime.LoadConfigFromEnv())
	if err != nil {
		closePool(pool)
		return nil, err
	}
	metrics.RegisterWSGauge(ws.Registry().Count)

	return &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		pool:    pool,
		authSvc: authSvc,
		auth:    auth,
		ws:      ws,
	}, nil
}

// Handler builds the full HTTP handler stack.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.pool, a.metrics, a.auth, a.ws)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithRequestLogging(h, a.log, a.metrics)
	return h
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	closePool(a.pool)
	a.log.Info("server.stopped")
	return nil
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

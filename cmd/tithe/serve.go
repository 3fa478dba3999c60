package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alecgard/tithe/internal/agentrt"
	"github.com/alecgard/tithe/internal/api"
	"github.com/alecgard/tithe/internal/auth"
	"github.com/alecgard/tithe/internal/budget"
	"github.com/alecgard/tithe/internal/chat"
	"github.com/alecgard/tithe/internal/config"
	"github.com/alecgard/tithe/internal/crypto"
	"github.com/alecgard/tithe/internal/gateway"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/logging"
	"github.com/alecgard/tithe/internal/metering"
	"github.com/alecgard/tithe/internal/metrics"
	"github.com/alecgard/tithe/internal/proxy"
	"github.com/alecgard/tithe/internal/ratelimit"
	"github.com/alecgard/tithe/internal/stream"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tithe proxy server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logOut, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logOut.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.DBPoolStats {
		s := pool.Stat()
		return metrics.DBPoolStats{
			Total:         s.TotalConns(),
			Idle:          s.IdleConns(),
			Acquired:      s.AcquiredConns(),
			Max:           s.MaxConns(),
			EmptyAcquires: s.EmptyAcquireCount(),
		}
	})

	// Identity.
	cipher, err := crypto.NewCipher(cfg.Identity.EncryptionKey)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}
	if cfg.Identity.EncryptionKey == "" {
		slog.Warn("identity.encryption_key is not set; credentials are stored unencrypted")
	}
	bus, closeBus, err := newInvalidationBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	identities := identity.NewStore(pool, cipher, bus)
	resolver := identity.NewResolver(identities, cfg.Identity.CacheSize, cfg.Identity.CacheTTL)
	resolver.SetMetrics(m)

	// Budgets.
	budgets := budget.NewStore(pool)
	gate := budget.NewGate(budgets, cfg.Budget.RefreshInterval)
	gate.SetMetrics(m)

	// Billing gateway.
	gw := gateway.New(gateway.Options{
		BaseURL:        cfg.Gateway.BaseURL,
		MasterKey:      cfg.Gateway.MasterKey,
		UsagePath:      cfg.Gateway.UsagePath,
		ConnectTimeout: cfg.Proxy.ConnectTimeout,
		HeaderTimeout:  cfg.Proxy.HeaderTimeout,
		RetryJitter:    cfg.Proxy.RetryJitter,
	})
	gw.SetMetrics(m)

	// Usage accounting.
	usageStore := metering.NewStore(pool)
	aggregator := metering.NewAggregator(usageStore, cfg.Aggregates.BatchSize, cfg.Aggregates.FlushInterval)
	aggregator.SetMetrics(m)
	source, err := metering.NewSource(cfg.Usage.Source, gw)
	if err != nil {
		return err
	}
	recorder := metering.NewRecorder(usageStore, source, metering.RecorderOptions{
		QueueSize:     cfg.Usage.QueueSize,
		Workers:       cfg.Usage.Workers,
		RetryInterval: cfg.Usage.RetryInterval,
		MaxAttempts:   cfg.Usage.MaxAttempts,
	})
	recorder.SetBudget(gate)
	recorder.SetAggregator(aggregator)
	recorder.SetMetrics(m)
	slog.Info("usage source selected", "source", source.Name())

	// Proxy core.
	sessions := stream.NewTracker()
	sessions.SetMetrics(m)
	normalizer := stream.NewNormalizer(stream.Options{
		MaxEventSize: cfg.Proxy.MaxEventSize,
		IdleTimeout:  cfg.Proxy.StreamIdleTimeout,
		CancelGrace:  cfg.Proxy.CancelGrace,
	})
	proxyHandler := proxy.NewHandler(resolver, gate, gw, recorder, normalizer, sessions, proxy.Options{
		Timeout:           cfg.Proxy.Timeout,
		MaxRequestSize:    cfg.Proxy.MaxRequestSize,
		InjectStreamUsage: cfg.Proxy.InjectStreamUsage,
	})
	proxyHandler.SetMetrics(m)

	deps := api.RouterDeps{
		Proxy:          proxyHandler,
		SharedSecret:   cfg.Proxy.SharedSecret,
		AdminKey:       cfg.Auth.AdminKey,
		Identities:     identities,
		IdentityCache:  resolver,
		Invalidations:  bus,
		Budgets:        budgets,
		BudgetGate:     gate,
		Usage:          usageStore,
		DB:             api.PingFunc(pool.Ping),
		Gateway:        api.PingFunc(gw.Health),
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Default > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	}

	// Chat turns need the agent runtime and a way to verify principals.
	if cfg.Runtime.BaseURL != "" && cfg.Auth.JWTSecret != "" {
		runtime := agentrt.New(agentrt.Options{
			BaseURL:  cfg.Runtime.BaseURL,
			APIToken: cfg.Runtime.APIToken,
			Timeout:  cfg.Runtime.Timeout,
		})
		orchestrator := chat.NewOrchestrator(identities, chat.NewStore(pool), runtime, aggregator)
		orchestrator.SetMetrics(m)

		deps.Chat = chat.NewHandler(orchestrator, chat.HandlerOptions{
			WSOriginPatterns: originPatterns(cfg.CORS.AllowedOrigins),
			Limiter:          limiter,
			Rejections:       m,
		})
		deps.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
		deps.Runtime = api.PingFunc(runtime.Health)
	} else {
		slog.Warn("chat endpoints disabled; set runtime.base_url and auth.jwt_secret to enable them")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Usage accounting outlives the server: sessions that finish during
	// shutdown are still recorded, and the recorder drains before the
	// aggregator's last flush.
	usageCtx, stopUsage := context.WithCancel(context.Background())
	defer stopUsage()
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		_ = recorder.Run(usageCtx)
	}()
	aggregatorDone := make(chan struct{})
	go func() {
		defer close(aggregatorDone)
		aggregator.Start(context.Background())
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Addr(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return gate.Run(gctx) })
	g.Go(func() error { return bus.Listen(gctx, resolver.Invalidate) })
	if limiter != nil {
		g.Go(func() error { return limiter.Run(gctx) })
	}

	err = g.Wait()

	stopUsage()
	<-recorderDone
	aggregator.Stop()
	<-aggregatorDone
	slog.Info("shutdown complete")

	return err
}

// newInvalidationBus connects to Redis when configured, so rotations reach
// every replica. A single replica can run on the in-process bus.
func newInvalidationBus(ctx context.Context, cfg *config.Config) (identity.Invalidator, func(), error) {
	if cfg.Redis.URL == "" {
		slog.Info("identity invalidation is in-process; set redis.url when running more than one replica")
		return identity.NewLocalBus(), func() {}, nil
	}

	bus, err := identity.NewRedisBus(cfg.Redis.URL, cfg.Identity.InvalidationChannel)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring redis: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := bus.Ping(pingCtx); err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("connected to redis", "channel", cfg.Identity.InvalidationChannel)
	return bus, func() { _ = bus.Close() }, nil
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// upgrade checks against.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

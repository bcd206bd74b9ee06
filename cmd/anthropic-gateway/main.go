// anthropic-gateway is an authenticating reverse proxy for the Anthropic API.
// In oauth mode it multiplexes a pool of OAuth subscription accounts behind a
// single endpoint; in passthrough mode it forwards requests with static
// header injection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/internal/httpclient"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/anthropic"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/config"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/credentials"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/provider"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/proxy"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/server"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anthropic-gateway: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anthropic-gateway: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gateway",
		zap.String("mode", cfg.Mode()),
		zap.String("upstream", cfg.Proxy.UpstreamURL),
		zap.String("listen", cfg.Proxy.ListenAddr),
		zap.String("admin", cfg.Admin.ListenAddr))

	metrics := proxy.NewMetrics()

	var (
		prov  provider.Provider
		admin *server.Admin
	)
	if cfg.Mode() == "oauth" {
		store, err := credentials.NewStore(cfg.OAuth.CredentialsPath)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		ids, err := store.IDs()
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		tokens := anthropic.NewTokenClient(nil)

		accountPool := pool.New(ids, cfg.Cooldown(), store, tokens, logger.Named("pool"))
		prov = provider.NewOAuth(accountPool, logger.Named("provider"))
		admin = server.NewAdmin(accountPool, store, tokens, logger.Named("admin"))

		refresher := pool.NewRefresher(accountPool,
			cfg.RefreshInterval(), cfg.RefreshThreshold(), logger.Named("refresher"))
		go refresher.Run(ctx)
	} else {
		rules := make([]provider.HeaderRule, 0, len(cfg.Headers))
		for _, h := range cfg.Headers {
			rules = append(rules, provider.HeaderRule{Name: h.Name, Value: h.Value})
		}
		prov = provider.NewPassthrough(rules, logger.Named("provider"))
	}

	pipeline := proxy.NewPipeline(proxy.PipelineConfig{
		Provider:    prov,
		UpstreamURL: cfg.Proxy.UpstreamURL,
		Client: httpclient.New(httpclient.Config{
			MaxConnections:        cfg.Proxy.MaxConnections,
			ResponseHeaderTimeout: cfg.Timeout(),
		}),
		Timeout:          cfg.Timeout(),
		Metrics:          metrics,
		Logger:           logger.Named("proxy"),
		FailoverAttempts: failoverAttempts(prov),
	})

	srv := server.New(server.Options{
		Config:   cfg,
		Provider: prov,
		Pipeline: pipeline,
		Metrics:  metrics,
		Admin:    admin,
		Logger:   logger.Named("server"),
	})
	return srv.Run(ctx)
}

// failoverAttempts reports how many accounts one request may try: the live
// pool size in oauth mode, a single attempt otherwise.
func failoverAttempts(p provider.Provider) func() int {
	oauth, ok := p.(*provider.OAuth)
	if !ok {
		return nil
	}
	return oauth.PoolSize
}

// buildLogger builds a production JSON logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

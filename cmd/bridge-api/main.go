package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/attestation"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
	bridgepg "github.com/juno-intents/cctp-bridge/internal/bridge/postgres"
	"github.com/juno-intents/cctp-bridge/internal/bridgeapi"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	"github.com/juno-intents/cctp-bridge/internal/chainsource"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"github.com/juno-intents/cctp-bridge/internal/notify"
	"github.com/juno-intents/cctp-bridge/internal/orchestrator"
	"github.com/juno-intents/cctp-bridge/internal/poller"
	"github.com/juno-intents/cctp-bridge/internal/secrets"
)

func main() {
	var (
		logLevel = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		logJSON  = flag.Bool("log-json", false, "emit JSON logs")

		listenAddr = flag.String("listen", "127.0.0.1:8082", "HTTP listen address")
		opsAddr    = flag.String("ops-listen", "", "metrics/health listen address; empty disables")

		storeDriver       = flag.String("store", "postgres", "transaction store (postgres|memory)")
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "provider for *-secret flags (env|aws)")
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret holding the Postgres DSN (env var, or aws id[#field])")

		chainsSource   = flag.String("chains-source", chainsource.SourcePostgres, "chain registry source (postgres|file|s3)")
		chainsFile     = flag.String("chains-file", "", "chain registry YAML file (file source)")
		chainsBucket   = flag.String("chains-s3-bucket", "", "S3 bucket holding the chain registry (s3 source)")
		chainsPrefix   = flag.String("chains-s3-prefix", "", "S3 key prefix (s3 source)")
		chainsKey      = flag.String("chains-s3-key", "chains.yaml", "S3 object key (s3 source)")
		chainsInterval = flag.Duration("chains-reload-interval", 5*time.Minute, "chain registry reload interval")

		attestationURL       = flag.String("attestation-url", "https://iris-api-sandbox.circle.com", "attestation service base URL")
		attestationKey       = flag.String("attestation-api-key", "", "attestation service API key")
		attestationKeySecret = flag.String("attestation-api-key-secret", "", "secret holding the attestation API key")
		attestationRPS       = flag.Float64("attestation-rps", attestation.DefaultRequestsPerSecond, "client-side attestation request rate")
		attestationTimeout   = flag.Duration("attestation-timeout", 10*time.Second, "attestation request timeout")

		mandatoryDomain = flag.Uint("mandatory-domain", uint(orchestrator.DefaultMandatoryDomain), "domain every transfer must start or end on")
		fastFee         = flag.String("fast-fee", "1000", "max fee (USDC base units) offered on fast transfers")

		embeddedPoller = flag.Bool("embedded-poller", false, "run the attestation poller in this process")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 15*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		usage("--log-level must be debug, info, warn or error")
	}

	if *listenAddr == "" {
		usage("--listen must be non-empty")
	}
	if *storeDriver != "postgres" && *storeDriver != "memory" {
		usage("--store must be postgres or memory")
	}
	if *storeDriver == "memory" && *chainsSource == chainsource.SourcePostgres {
		usage("--store memory needs --chains-source file or s3")
	}
	if *mandatoryDomain > uint(^uint32(0)) {
		usage("--mandatory-domain must fit uint32")
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(*fastFee), 10)
	if !ok || fee.Sign() <= 0 {
		usage("--fast-fee must be a positive integer")
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *attestationTimeout <= 0 {
		usage("timeouts must be > 0")
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		usage("rate limit settings must be > 0")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	dsn, err := secrets.Resolve(ctx, sp, *postgresDSN, *postgresDSNSecret)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}
	apiKey, err := secrets.Resolve(ctx, sp, *attestationKey, *attestationKeySecret)
	if err != nil {
		log.Error("resolve attestation api key", "err", err)
		os.Exit(2)
	}

	var (
		pool  *pgxpool.Pool
		store bridge.Store
		bus   *notify.Bus
	)
	switch *storeDriver {
	case "postgres":
		if dsn == "" {
			usage("--postgres-dsn or --postgres-dsn-secret is required with --store postgres")
		}
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := bridgepg.New(pool)
		if err != nil {
			log.Error("init transaction store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure transaction schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	default:
		bus = notify.NewBus()
		defer bus.Close()
		store = bridge.NewMemoryStore(bus)
		log.Warn("using in-memory transaction store; transfers are lost on exit")
	}

	loader, err := chainsource.Open(ctx, chainsource.Config{
		Source:       *chainsSource,
		File:         *chainsFile,
		S3Bucket:     *chainsBucket,
		S3Prefix:     *chainsPrefix,
		S3Key:        *chainsKey,
		Pool:         pool,
		EnsureSchema: true,
	})
	if err != nil {
		log.Error("init chain source", "err", err)
		os.Exit(2)
	}
	reg := chains.NewRegistry()
	reloader, err := chains.NewReloader(chains.ReloaderConfig{
		Interval: *chainsInterval,
		OnReload: metrics.RecordRegistryReload,
	}, reg, loader, log)
	if err != nil {
		log.Error("init chain reloader", "err", err)
		os.Exit(2)
	}
	if err := reloader.Reload(ctx); err != nil {
		log.Error("load chain registry", "err", err)
		os.Exit(2)
	}
	go reloader.Run(ctx)

	client, err := attestation.New(*attestationURL,
		attestation.WithAPIKey(apiKey),
		attestation.WithTimeout(*attestationTimeout),
		attestation.WithRateLimit(*attestationRPS, max(1, int(*attestationRPS))),
	)
	if err != nil {
		log.Error("init attestation client", "err", err)
		os.Exit(2)
	}

	ocfg := orchestrator.DefaultConfig()
	ocfg.MandatoryDomain = uint32(*mandatoryDomain)
	ocfg.FastFee = fee
	orch, err := orchestrator.New(ocfg, store, reg, client, log.With("component", "orchestrator"))
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	if *embeddedPoller {
		var sub notify.Subscriber
		if bus != nil {
			sub = bus.Subscribe(0)
		} else {
			sub, err = notify.NewPGListener(ctx, notify.PGListenerConfig{DSN: dsn}, log)
			if err != nil {
				log.Error("init notification listener", "err", err)
				os.Exit(2)
			}
		}
		p, err := poller.New(poller.DefaultConfig(), orch, sub, log)
		if err != nil {
			log.Error("init poller", "err", err)
			os.Exit(2)
		}
		p.Start(ctx)
		defer p.Stop()
	}

	if *opsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, *opsAddr, log); err != nil {
				log.Error("ops server", "err", err)
			}
		}()
	}

	handler, err := bridgeapi.NewHandler(bridgeapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
		Log:                     log.With("component", "bridgeapi"),
	}, orch)
	if err != nil {
		log.Error("init bridge api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge-api listening", "addr", *listenAddr, "store", *storeDriver, "mandatoryDomain", *mandatoryDomain, "chains", len(reg.List()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func usage(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(2)
}

func newLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

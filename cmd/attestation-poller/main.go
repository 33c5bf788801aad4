package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/attestation"
	bridgepg "github.com/juno-intents/cctp-bridge/internal/bridge/postgres"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	"github.com/juno-intents/cctp-bridge/internal/chainsource"
	"github.com/juno-intents/cctp-bridge/internal/leases"
	leasespg "github.com/juno-intents/cctp-bridge/internal/leases/postgres"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"github.com/juno-intents/cctp-bridge/internal/notify"
	"github.com/juno-intents/cctp-bridge/internal/orchestrator"
	"github.com/juno-intents/cctp-bridge/internal/poller"
	"github.com/juno-intents/cctp-bridge/internal/queue"
	"github.com/juno-intents/cctp-bridge/internal/secrets"
)

func main() {
	var (
		logLevel = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		logJSON  = flag.Bool("log-json", false, "emit JSON logs")

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

		events       = flag.String("events", "postgres", "wake-up source (postgres|kafka|none)")
		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for kafka events and forwarding (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers")
		queueGroup   = flag.String("queue-group", "attestation-poller", "consumer group (kafka events)")
		queueTopic   = flag.String("queue-topic", queue.TopicEvents, "topic carrying bridge events (kafka events and forwarding)")
		forward      = flag.Bool("forward", false, "republish postgres notifications to --queue-topic")

		leaseName  = flag.String("lease-name", leases.DefaultPollerLease, "leader lease name; empty disables leader election")
		leaseOwner = flag.String("lease-owner", "", "leader lease owner id (default: hostname plus random suffix)")
		leaseTTL   = flag.Duration("lease-ttl", 30*time.Second, "leader lease ttl")

		batchSize   = flag.Int("batch-size", 10, "max concurrent attestation checks")
		maxAttempts = flag.Int("max-attempts", 120, "attempts before a burn is expired")
		idleRescan  = flag.Duration("idle-rescan", 30*time.Second, "store rescan interval while idle")
		busyRescan  = flag.Duration("busy-rescan", 5*time.Minute, "store rescan interval while busy")
		jobTimeout  = flag.Duration("job-timeout", 30*time.Second, "per-check timeout")

		opsAddr = flag.String("ops-listen", "127.0.0.1:9102", "metrics/health listen address; empty disables")
	)
	flag.Parse()

	log, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		usage("--log-level must be debug, info, warn or error")
	}

	switch *events {
	case "postgres", "kafka", "none":
	default:
		usage("--events must be postgres, kafka or none")
	}
	if *events == "kafka" && *forward {
		usage("--forward only applies with --events postgres")
	}
	if (*events == "kafka" || *forward) && *queueDriver == queue.DriverKafka && len(queue.SplitBrokers(*queueBrokers)) == 0 {
		usage("--queue-brokers is required for kafka")
	}
	if *mandatoryDomain > uint(^uint32(0)) {
		usage("--mandatory-domain must fit uint32")
	}
	if *batchSize <= 0 || *maxAttempts <= 0 {
		usage("--batch-size and --max-attempts must be > 0")
	}
	if *idleRescan <= 0 || *busyRescan <= 0 || *jobTimeout <= 0 || *attestationTimeout <= 0 {
		usage("intervals and timeouts must be > 0")
	}
	if *leaseName != "" && *leaseTTL <= 0 {
		usage("--lease-ttl must be > 0")
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
	if dsn == "" {
		usage("--postgres-dsn or --postgres-dsn-secret is required")
	}
	apiKey, err := secrets.Resolve(ctx, sp, *attestationKey, *attestationKeySecret)
	if err != nil {
		log.Error("resolve attestation api key", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := bridgepg.New(pool)
	if err != nil {
		log.Error("init transaction store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure transaction schema", "err", err)
		os.Exit(2)
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
	orch, err := orchestrator.New(ocfg, store, reg, client, log.With("component", "orchestrator"))
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	var sub notify.Subscriber
	switch *events {
	case "postgres":
		sub, err = notify.NewPGListener(ctx, notify.PGListenerConfig{DSN: dsn}, log)
		if err != nil {
			log.Error("init notification listener", "err", err)
			os.Exit(2)
		}
	case "kafka":
		src, err := queue.NewSource(ctx, queue.Config{
			Driver:  *queueDriver,
			Brokers: queue.SplitBrokers(*queueBrokers),
			Group:   *queueGroup,
			Topic:   *queueTopic,
		})
		if err != nil {
			log.Error("init queue source", "err", err)
			os.Exit(2)
		}
		sub, err = notify.NewQueueSubscriber(ctx, src, log)
		if err != nil {
			log.Error("init queue subscriber", "err", err)
			os.Exit(2)
		}
	}

	if *forward {
		pub, err := queue.NewPublisher(queue.Config{
			Driver:  *queueDriver,
			Brokers: queue.SplitBrokers(*queueBrokers),
			Topic:   *queueTopic,
		})
		if err != nil {
			log.Error("init queue publisher", "err", err)
			os.Exit(2)
		}
		defer func() { _ = pub.Close() }()
		fwd, err := notify.NewQueueForwarder(pub)
		if err != nil {
			log.Error("init forwarder", "err", err)
			os.Exit(2)
		}
		fsub, err := notify.NewPGListener(ctx, notify.PGListenerConfig{DSN: dsn}, log)
		if err != nil {
			log.Error("init forwarding listener", "err", err)
			os.Exit(2)
		}
		defer func() { _ = fsub.Close() }()
		go notify.Forward(ctx, fsub, fwd, log.With("component", "forwarder"))
	}

	pcfg := poller.DefaultConfig()
	pcfg.BatchSize = *batchSize
	pcfg.MaxAttempts = *maxAttempts
	pcfg.IdleRescan = *idleRescan
	pcfg.BusyRescan = *busyRescan
	pcfg.JobTimeout = *jobTimeout

	var elector *leases.Elector
	if *leaseName != "" {
		ls, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		owner := *leaseOwner
		if owner == "" {
			owner = defaultOwner()
		}
		elector, err = leases.NewElector(ls, *leaseName, owner, *leaseTTL)
		if err != nil {
			log.Error("init elector", "err", err)
			os.Exit(2)
		}
		elector.OnChange = func(leading bool, term uint64) {
			metrics.RecordLeadership(leading, term)
			log.Info("poller leadership changed", "leading", leading, "term", term, "owner", owner)
		}
		pcfg.Leader = elector
		pcfg.LeaderInterval = *leaseTTL / 3
	}

	p, err := poller.New(pcfg, orch, sub, log)
	if err != nil {
		log.Error("init poller", "err", err)
		os.Exit(2)
	}

	if *opsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, *opsAddr, log); err != nil {
				log.Error("ops server", "err", err)
			}
		}()
	}

	log.Info("attestation-poller started",
		"events", *events,
		"batchSize", pcfg.BatchSize,
		"maxAttempts", pcfg.MaxAttempts,
		"lease", *leaseName,
		"chains", len(reg.List()),
	)

	err = p.Run(ctx)

	if elector != nil {
		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := elector.Resign(resignCtx); rerr != nil {
			log.Warn("resign lease", "err", rerr)
		}
		cancel()
	}
	if err != nil && ctx.Err() == nil {
		log.Error("poller error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "poller"
	}
	return host + "-" + uuid.NewString()[:8]
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

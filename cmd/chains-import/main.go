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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	chainspg "github.com/juno-intents/cctp-bridge/internal/chains/postgres"
	"github.com/juno-intents/cctp-bridge/internal/chainsource"
	"github.com/juno-intents/cctp-bridge/internal/secrets"
)

// chains-import copies the chain registry between a YAML document (local
// file or S3 object) and the supported_chains table.
func main() {
	var (
		mode = flag.String("mode", "import", "import (yaml -> postgres) or export (postgres -> yaml)")

		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "provider for *-secret flags (env|aws)")
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret holding the Postgres DSN (env var, or aws id[#field])")

		source   = flag.String("source", chainsource.SourceFile, "yaml location (file|s3)")
		file     = flag.String("file", "", "registry YAML file (file source)")
		bucket   = flag.String("s3-bucket", "", "S3 bucket (s3 source)")
		prefix   = flag.String("s3-prefix", "", "S3 key prefix (s3 source)")
		key      = flag.String("s3-key", "chains.yaml", "S3 object key (s3 source)")
		dryRun   = flag.Bool("dry-run", false, "import: validate the document without writing")
		timeout  = flag.Duration("timeout", 30*time.Second, "overall timeout")
		logLevel = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		logJSON  = flag.Bool("log-json", false, "emit JSON logs")
	)
	flag.Parse()

	log, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		usage("--log-level must be debug, info, warn or error")
	}

	if *mode != "import" && *mode != "export" {
		usage("--mode must be import or export")
	}
	if *source != chainsource.SourceFile && *source != chainsource.SourceS3 {
		usage("--source must be file or s3")
	}
	if *source == chainsource.SourceFile && *file == "" {
		usage("--file is required with --source file")
	}
	if *source == chainsource.SourceS3 && (*bucket == "" || *key == "") {
		usage("--s3-bucket and --s3-key are required with --source s3")
	}
	if *timeout <= 0 {
		usage("--timeout must be > 0")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	yamlCfg := chainsource.Config{
		Source:   *source,
		File:     *file,
		S3Bucket: *bucket,
		S3Prefix: *prefix,
		S3Key:    *key,
	}

	var docChains []chains.Chain
	if *mode == "import" {
		loader, err := chainsource.Open(ctx, yamlCfg)
		if err != nil {
			log.Error("open registry document", "err", err)
			os.Exit(2)
		}
		docChains, err = loader.Load(ctx)
		if err != nil {
			log.Error("load registry document", "err", err)
			os.Exit(1)
		}
		// Replace rejects invalid addresses and duplicate domains.
		if err := chains.NewRegistry().Replace(docChains); err != nil {
			log.Error("validate registry document", "err", err)
			os.Exit(1)
		}
		if *dryRun {
			log.Info("registry document valid", "chains", len(docChains))
			return
		}
	}

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

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := chainspg.New(pool)
	if err != nil {
		log.Error("init chain store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure chain schema", "err", err)
		os.Exit(2)
	}

	switch *mode {
	case "import":
		if err := store.Upsert(ctx, docChains); err != nil {
			log.Error("upsert chains", "err", err)
			os.Exit(1)
		}
		log.Info("imported chains", "chains", len(docChains), "source", *source)

	case "export":
		cs, err := store.Load(ctx)
		if err != nil {
			log.Error("load chains", "err", err)
			os.Exit(1)
		}
		b, err := chains.EncodeYAML(cs)
		if err != nil {
			log.Error("encode chains", "err", err)
			os.Exit(1)
		}
		if *source == chainsource.SourceFile {
			if err := os.WriteFile(*file, b, 0o644); err != nil {
				log.Error("write registry file", "err", err)
				os.Exit(1)
			}
		} else {
			bs, err := chainsource.OpenBlobStore(ctx, yamlCfg)
			if err != nil {
				log.Error("open blob store", "err", err)
				os.Exit(2)
			}
			if err := bs.Put(ctx, *key, b, "application/yaml"); err != nil {
				log.Error("put registry object", "err", err)
				os.Exit(1)
			}
		}
		log.Info("exported chains", "chains", len(cs), "source", *source)
	}
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

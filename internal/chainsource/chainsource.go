// Package chainsource opens the chain registry loader named on the command
// line: a YAML file, a YAML object in S3, or the supported_chains table.
package chainsource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/blobstore"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	chainspg "github.com/juno-intents/cctp-bridge/internal/chains/postgres"
)

const (
	SourceFile     = "file"
	SourceS3       = "s3"
	SourcePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("chainsource: invalid config")

type Config struct {
	Source string

	File string

	S3Bucket string
	S3Prefix string
	S3Key    string
	// S3Client overrides the client built from the default AWS config.
	S3Client blobstore.S3Client

	Pool *pgxpool.Pool
	// EnsureSchema creates supported_chains when reading from Postgres.
	EnsureSchema bool
}

func Open(ctx context.Context, cfg Config) (chains.Loader, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case SourceFile:
		if strings.TrimSpace(cfg.File) == "" {
			return nil, fmt.Errorf("%w: file source needs a path", ErrInvalidConfig)
		}
		return chains.FileLoader{Path: cfg.File}, nil
	case SourceS3:
		store, err := OpenBlobStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.S3Key) == "" {
			return nil, fmt.Errorf("%w: s3 source needs a key", ErrInvalidConfig)
		}
		return chains.BlobLoader{Store: store, Key: cfg.S3Key}, nil
	case SourcePostgres, "":
		if cfg.Pool == nil {
			return nil, fmt.Errorf("%w: postgres source needs a pool", ErrInvalidConfig)
		}
		st, err := chainspg.New(cfg.Pool)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrInvalidConfig, cfg.Source)
	}
}

// OpenBlobStore returns the S3-backed store for cfg's bucket and prefix.
func OpenBlobStore(ctx context.Context, cfg Config) (blobstore.Store, error) {
	client := cfg.S3Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
		}
		client = s3.NewFromConfig(awsCfg)
	}
	store, err := blobstore.New(blobstore.Config{
		Driver:   blobstore.DriverS3,
		Bucket:   cfg.S3Bucket,
		Prefix:   cfg.S3Prefix,
		S3Client: client,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return store, nil
}

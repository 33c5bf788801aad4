package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/chains"
)

var ErrInvalidConfig = errors.New("chains/postgres: invalid config")

// Store reads and seeds supported_chains. It satisfies chains.Loader.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("chains/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) ([]chains.Chain, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT
			chain_id,
			domain_id,
			name,
			chain_type,
			token_messenger,
			message_transmitter,
			usdc_address,
			is_testnet,
			is_enabled,
			COALESCE(explorer_url, '')
		FROM supported_chains
		ORDER BY domain_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("chains/postgres: load: %w", err)
	}
	defer rows.Close()

	var out []chains.Chain
	for rows.Next() {
		var (
			c        chains.Chain
			domain   int64
			typeName string
		)
		if err := rows.Scan(
			&c.ChainID,
			&domain,
			&c.Name,
			&typeName,
			&c.TokenMessenger,
			&c.MessageTransmitter,
			&c.USDC,
			&c.IsTestnet,
			&c.IsEnabled,
			&c.ExplorerURL,
		); err != nil {
			return nil, fmt.Errorf("chains/postgres: scan: %w", err)
		}
		fam, err := chains.ParseFamily(typeName)
		if err != nil {
			return nil, err
		}
		c.Domain = uint32(domain)
		c.Family = fam
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chains/postgres: load rows: %w", err)
	}
	return out, nil
}

// Upsert writes every chain in one transaction, keyed by chain_id.
func (s *Store) Upsert(ctx context.Context, cs []chains.Chain) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range cs {
			var explorer *string
			if c.ExplorerURL != "" {
				v := c.ExplorerURL
				explorer = &v
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO supported_chains (
					chain_id, domain_id, name, chain_type,
					token_messenger, message_transmitter, usdc_address,
					is_testnet, is_enabled, explorer_url,
					created_at, updated_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
				ON CONFLICT (chain_id) DO UPDATE SET
					domain_id = EXCLUDED.domain_id,
					name = EXCLUDED.name,
					chain_type = EXCLUDED.chain_type,
					token_messenger = EXCLUDED.token_messenger,
					message_transmitter = EXCLUDED.message_transmitter,
					usdc_address = EXCLUDED.usdc_address,
					is_testnet = EXCLUDED.is_testnet,
					is_enabled = EXCLUDED.is_enabled,
					explorer_url = EXCLUDED.explorer_url,
					updated_at = now()
			`, c.ChainID, int64(c.Domain), c.Name, c.Family.String(),
				c.TokenMessenger, c.MessageTransmitter, c.USDC,
				c.IsTestnet, c.IsEnabled, explorer)
			if err != nil {
				return fmt.Errorf("chains/postgres: upsert %s: %w", c.ChainID, err)
			}
		}
		return nil
	})
}

package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
)

var ErrInvalidConfig = errors.New("bridge/postgres: invalid config")

const txColumns = `
	id,
	user_address,
	source_domain_id,
	dest_domain_id,
	amount::text,
	recipient_address,
	burn_tx_hash,
	message_bytes,
	message_hash,
	nonce,
	attestation,
	attestation_status,
	attestation_attempts,
	last_attestation_check,
	mint_tx_hash,
	auto_minted,
	status,
	error_message,
	created_at,
	updated_at`

// Store implements bridge.Store. Change notifications come from the triggers
// installed by EnsureSchema.
type Store struct {
	pool *pgxpool.Pool
}

var _ bridge.Store = (*Store)(nil)

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
		return fmt.Errorf("bridge/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, tx bridge.Transaction) (bridge.Transaction, error) {
	if err := validateNew(tx); err != nil {
		return bridge.Transaction{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO bridge_transactions (
			id,
			user_address,
			source_domain_id,
			dest_domain_id,
			amount,
			recipient_address,
			attestation_status,
			status,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6,'pending','initiated',now(),now())
		ON CONFLICT (id) DO NOTHING
		RETURNING `+txColumns,
		strings.TrimSpace(tx.ID),
		tx.UserAddress,
		int64(tx.SourceDomain),
		int64(tx.DestDomain),
		tx.Amount.String(),
		tx.RecipientAddress,
	)
	out, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bridge.Transaction{}, fmt.Errorf("%w: transaction %s exists", bridge.ErrConflict, tx.ID)
		}
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: insert: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (bridge.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM bridge_transactions WHERE id = $1`, id)
	tx, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bridge.Transaction{}, fmt.Errorf("%w: %s", bridge.ErrNotFound, id)
		}
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: get: %w", err)
	}
	return tx, nil
}

func (s *Store) RecordBurn(ctx context.Context, id string, u bridge.BurnUpdate) (bridge.Transaction, error) {
	u.TxHash = strings.TrimSpace(u.TxHash)
	if u.TxHash == "" {
		return bridge.Transaction{}, fmt.Errorf("%w: empty burn tx hash", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET burn_tx_hash = $2,
			message_bytes = COALESCE($3, message_bytes),
			message_hash = COALESCE($4, message_hash),
			nonce = COALESCE($5, nonce),
			status = 'burned',
			updated_at = now()
		WHERE id = $1 AND status = 'initiated' AND burn_tx_hash IS NULL
		RETURNING `+txColumns,
		id, u.TxHash, nullBytes(u.Message), nullBytes(bridge.HashMessage(u.Message)), nullText(u.Nonce),
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: record burn: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if cur.BurnTxHash != "" {
		return bridge.Transaction{}, fmt.Errorf("%w: %s", bridge.ErrAlreadyBurned, id)
	}
	return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrInvalidTransition, id, cur.Status)
}

func (s *Store) RecordMessage(ctx context.Context, id string, msg []byte, nonce string) (bridge.Transaction, error) {
	if len(msg) == 0 {
		return bridge.Transaction{}, fmt.Errorf("%w: empty message", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET message_bytes = $2,
			message_hash = $3,
			nonce = COALESCE(nonce, $4),
			updated_at = now()
		WHERE id = $1 AND message_bytes IS NULL
		RETURNING `+txColumns,
		id, msg, bridge.HashMessage(msg), nullText(nonce),
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: record message: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if !bytes.Equal(cur.MessageBytes, msg) {
		return bridge.Transaction{}, fmt.Errorf("%w: %s already has a different message", bridge.ErrConflict, id)
	}
	return cur, nil
}

func (s *Store) RecordAttempt(ctx context.Context, id string, at time.Time) (bridge.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET attestation_attempts = attestation_attempts + 1,
			last_attestation_check = $2,
			updated_at = now()
		WHERE id = $1
		RETURNING `+txColumns,
		id, at.UTC(),
	)
	tx, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bridge.Transaction{}, fmt.Errorf("%w: %s", bridge.ErrNotFound, id)
		}
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: record attempt: %w", err)
	}
	return tx, nil
}

func (s *Store) ApplyAttestation(ctx context.Context, id string, u bridge.AttestationUpdate, at time.Time) (bridge.Transaction, bool, error) {
	if len(u.Attestation) == 0 {
		return bridge.Transaction{}, false, fmt.Errorf("%w: empty attestation", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET message_bytes = COALESCE($2, message_bytes),
			message_hash = COALESCE($3, message_hash),
			nonce = COALESCE($4, nonce),
			attestation = $5,
			attestation_status = 'complete',
			status = 'attested',
			attestation_attempts = attestation_attempts + 1,
			last_attestation_check = $6,
			updated_at = now()
		WHERE id = $1 AND status = 'burned' AND attestation_status <> 'complete'
		RETURNING `+txColumns,
		id, nullBytes(u.Message), nullBytes(bridge.HashMessage(u.Message)), nullText(u.Nonce), u.Attestation, at.UTC(),
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, false, fmt.Errorf("bridge/postgres: apply attestation: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, false, err
	}
	return cur, false, nil
}

func (s *Store) MarkMinting(ctx context.Context, id string, txHash string) (bridge.Transaction, error) {
	txHash = strings.TrimSpace(txHash)

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET status = 'minting', mint_tx_hash = $2, updated_at = now()
		WHERE id = $1 AND status = 'attested'
		RETURNING `+txColumns,
		id, nullText(txHash),
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: mark minting: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	switch cur.Status {
	case bridge.StatusMinting:
		if txHash == "" || txHash == cur.MintTxHash {
			return cur, nil
		}
		return bridge.Transaction{}, fmt.Errorf("%w: %s already minting with %s", bridge.ErrInvalidTransition, id, cur.MintTxHash)
	case bridge.StatusInitiated, bridge.StatusBurned:
		return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrNotAttested, id, cur.Status)
	default:
		return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrInvalidTransition, id, cur.Status)
	}
}

func (s *Store) CompleteMint(ctx context.Context, id string, txHash string, auto bool) (bridge.Transaction, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return bridge.Transaction{}, fmt.Errorf("%w: empty mint tx hash", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET status = 'completed', mint_tx_hash = $2, auto_minted = $3, updated_at = now()
		WHERE id = $1 AND status IN ('attested', 'minting')
		RETURNING `+txColumns,
		id, txHash, auto,
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: complete mint: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	switch cur.Status {
	case bridge.StatusCompleted:
		if cur.MintTxHash == txHash {
			return cur, nil
		}
		return bridge.Transaction{}, fmt.Errorf("%w: %s completed with %s", bridge.ErrInvalidTransition, id, cur.MintTxHash)
	case bridge.StatusInitiated, bridge.StatusBurned:
		return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrNotAttested, id, cur.Status)
	default:
		return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrInvalidTransition, id, cur.Status)
	}
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string) (bridge.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return bridge.Transaction{}, fmt.Errorf("%w: empty failure reason", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET status = 'failed',
			error_message = $2,
			attestation_status = CASE WHEN attestation_status = 'pending' THEN 'failed' ELSE attestation_status END,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING `+txColumns,
		id, reason,
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: mark failed: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if cur.Status == bridge.StatusFailed {
		return cur, nil
	}
	return bridge.Transaction{}, fmt.Errorf("%w: %s is %s", bridge.ErrInvalidTransition, id, cur.Status)
}

func (s *Store) ExpireAttestation(ctx context.Context, id string, reason string) (bridge.Transaction, bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return bridge.Transaction{}, false, fmt.Errorf("%w: empty failure reason", bridge.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_transactions
		SET status = 'failed',
			attestation_status = 'failed',
			error_message = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'burned' AND attestation_status = 'pending'
		RETURNING `+txColumns,
		id, reason,
	)
	tx, err := scanTx(row)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bridge.Transaction{}, false, fmt.Errorf("bridge/postgres: expire attestation: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, false, err
	}
	return cur, false, nil
}

func (s *Store) ListPendingAttestations(ctx context.Context, checkedBefore time.Time, limit int) ([]bridge.Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.list(ctx, `
		SELECT `+txColumns+`
		FROM bridge_transactions
		WHERE status = 'burned'
			AND attestation_status = 'pending'
			AND burn_tx_hash IS NOT NULL
			AND (last_attestation_check IS NULL OR last_attestation_check < $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, checkedBefore.UTC(), limit)
}

func (s *Store) ListAwaitingDelivery(ctx context.Context, destDomain uint32, limit int) ([]bridge.Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.list(ctx, `
		SELECT `+txColumns+`
		FROM bridge_transactions
		WHERE status = 'attested' AND dest_domain_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, int64(destDomain), limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]bridge.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bridge/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []bridge.Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("bridge/postgres: scan: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bridge/postgres: list rows: %w", err)
	}
	return out, nil
}

func scanTx(row pgx.Row) (bridge.Transaction, error) {
	var (
		tx                bridge.Transaction
		sourceDomain      int64
		destDomain        int64
		amount            string
		burnTxHash        *string
		nonce             *string
		attestationStatus string
		mintTxHash        *string
		status            string
		errorMessage      *string
	)
	err := row.Scan(
		&tx.ID,
		&tx.UserAddress,
		&sourceDomain,
		&destDomain,
		&amount,
		&tx.RecipientAddress,
		&burnTxHash,
		&tx.MessageBytes,
		&tx.MessageHash,
		&nonce,
		&tx.Attestation,
		&attestationStatus,
		&tx.AttestationAttempts,
		&tx.LastAttestationCheck,
		&mintTxHash,
		&tx.AutoMinted,
		&status,
		&errorMessage,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return bridge.Transaction{}, err
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return bridge.Transaction{}, fmt.Errorf("bridge/postgres: bad amount %q in db", amount)
	}
	tx.Amount = amt
	tx.SourceDomain = uint32(sourceDomain)
	tx.DestDomain = uint32(destDomain)
	tx.BurnTxHash = deref(burnTxHash)
	tx.Nonce = deref(nonce)
	tx.MintTxHash = deref(mintTxHash)
	tx.ErrorMessage = deref(errorMessage)
	tx.Status = bridge.Status(status)
	tx.AttestationStatus = bridge.AttestationStatus(attestationStatus)
	if tx.LastAttestationCheck != nil {
		at := tx.LastAttestationCheck.UTC()
		tx.LastAttestationCheck = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func validateNew(tx bridge.Transaction) error {
	if strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("%w: empty id", bridge.ErrInvalidInput)
	}
	if tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", bridge.ErrInvalidAmount)
	}
	if strings.TrimSpace(tx.UserAddress) == "" || strings.TrimSpace(tx.RecipientAddress) == "" {
		return fmt.Errorf("%w: empty user or recipient address", bridge.ErrInvalidAddress)
	}
	if tx.Status != "" && tx.Status != bridge.StatusInitiated {
		return fmt.Errorf("%w: new transaction must be initiated", bridge.ErrInvalidTransition)
	}
	return nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

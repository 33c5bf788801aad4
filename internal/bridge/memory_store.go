package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juno-intents/cctp-bridge/internal/notify"
)

// MemoryStore is a single-process Store. It publishes the same change events
// as the Postgres triggers.
type MemoryStore struct {
	mu    sync.Mutex
	txs   map[string]Transaction
	order []string

	pub notify.Publisher
	now func() time.Time
}

// NewMemoryStore returns an empty store. pub may be nil.
func NewMemoryStore(pub notify.Publisher) *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]Transaction),
		pub: pub,
		now: time.Now,
	}
}

// SetClock overrides the timestamp source used for created/updated times.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	tx, err := prepareNew(tx)
	if err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	if _, ok := s.txs[tx.ID]; ok {
		s.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: transaction %s exists", ErrConflict, tx.ID)
	}
	now := s.now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	s.txs[tx.ID] = tx.Clone()
	s.order = append(s.order, tx.ID)
	s.mu.Unlock()

	s.publish(ctx, nil, tx)
	return tx.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) RecordBurn(ctx context.Context, id string, u BurnUpdate) (Transaction, error) {
	u.TxHash = strings.TrimSpace(u.TxHash)
	if u.TxHash == "" {
		return Transaction{}, fmt.Errorf("%w: empty burn tx hash", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		if tx.BurnTxHash != "" {
			return false, fmt.Errorf("%w: %s", ErrAlreadyBurned, id)
		}
		if tx.Status != StatusInitiated {
			return false, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, tx.Status)
		}
		tx.BurnTxHash = u.TxHash
		if len(u.Message) > 0 {
			tx.MessageBytes = cloneBytes(u.Message)
			tx.MessageHash = HashMessage(u.Message)
		}
		if u.Nonce != "" {
			tx.Nonce = u.Nonce
		}
		tx.Status = StatusBurned
		return true, nil
	})
}

func (s *MemoryStore) RecordMessage(ctx context.Context, id string, msg []byte, nonce string) (Transaction, error) {
	if len(msg) == 0 {
		return Transaction{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		if tx.HasMessage() {
			if !bytes.Equal(tx.MessageBytes, msg) {
				return false, fmt.Errorf("%w: %s already has a different message", ErrConflict, id)
			}
			return false, nil
		}
		tx.MessageBytes = cloneBytes(msg)
		tx.MessageHash = HashMessage(msg)
		if tx.Nonce == "" {
			tx.Nonce = nonce
		}
		return true, nil
	})
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, id string, at time.Time) (Transaction, error) {
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		tx.AttestationAttempts++
		at := at.UTC()
		tx.LastAttestationCheck = &at
		return true, nil
	})
}

func (s *MemoryStore) ApplyAttestation(ctx context.Context, id string, u AttestationUpdate, at time.Time) (Transaction, bool, error) {
	if len(u.Attestation) == 0 {
		return Transaction{}, false, fmt.Errorf("%w: empty attestation", ErrInvalidInput)
	}
	applied := false
	tx, err := s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		if tx.Status != StatusBurned || tx.AttestationStatus == AttestationComplete {
			return false, nil
		}
		// The attested message supersedes the one seen at burn time; some fields
		// are only filled in once the message is attested.
		if len(u.Message) > 0 {
			tx.MessageBytes = cloneBytes(u.Message)
			tx.MessageHash = HashMessage(u.Message)
		}
		if u.Nonce != "" {
			tx.Nonce = u.Nonce
		}
		tx.Attestation = cloneBytes(u.Attestation)
		tx.AttestationStatus = AttestationComplete
		tx.Status = StatusAttested
		tx.AttestationAttempts++
		at := at.UTC()
		tx.LastAttestationCheck = &at
		applied = true
		return true, nil
	})
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, applied, nil
}

func (s *MemoryStore) MarkMinting(ctx context.Context, id string, txHash string) (Transaction, error) {
	txHash = strings.TrimSpace(txHash)
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		switch tx.Status {
		case StatusAttested:
			tx.Status = StatusMinting
			tx.MintTxHash = txHash
			return true, nil
		case StatusMinting:
			if txHash == "" || txHash == tx.MintTxHash {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s already minting with %s", ErrInvalidTransition, id, tx.MintTxHash)
		case StatusInitiated, StatusBurned:
			return false, fmt.Errorf("%w: %s is %s", ErrNotAttested, id, tx.Status)
		default:
			return false, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, tx.Status)
		}
	})
}

func (s *MemoryStore) CompleteMint(ctx context.Context, id string, txHash string, auto bool) (Transaction, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return Transaction{}, fmt.Errorf("%w: empty mint tx hash", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		switch tx.Status {
		case StatusAttested, StatusMinting:
			tx.Status = StatusCompleted
			tx.MintTxHash = txHash
			tx.AutoMinted = auto
			return true, nil
		case StatusCompleted:
			if tx.MintTxHash == txHash {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s completed with %s", ErrInvalidTransition, id, tx.MintTxHash)
		case StatusInitiated, StatusBurned:
			return false, fmt.Errorf("%w: %s is %s", ErrNotAttested, id, tx.Status)
		default:
			return false, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, tx.Status)
		}
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, reason string) (Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transaction{}, fmt.Errorf("%w: empty failure reason", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		switch tx.Status {
		case StatusFailed:
			return false, nil
		case StatusCompleted:
			return false, fmt.Errorf("%w: %s is completed", ErrInvalidTransition, id)
		}
		tx.Status = StatusFailed
		tx.ErrorMessage = reason
		if tx.AttestationStatus == AttestationPending {
			tx.AttestationStatus = AttestationFailed
		}
		return true, nil
	})
}

func (s *MemoryStore) ExpireAttestation(ctx context.Context, id string, reason string) (Transaction, bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transaction{}, false, fmt.Errorf("%w: empty failure reason", ErrInvalidInput)
	}
	applied := false
	tx, err := s.mutate(ctx, id, func(tx *Transaction) (bool, error) {
		if tx.Status != StatusBurned || tx.AttestationStatus != AttestationPending {
			return false, nil
		}
		tx.Status = StatusFailed
		tx.AttestationStatus = AttestationFailed
		tx.ErrorMessage = reason
		applied = true
		return true, nil
	})
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, applied, nil
}

func (s *MemoryStore) ListPendingAttestations(_ context.Context, checkedBefore time.Time, limit int) ([]Transaction, error) {
	return s.list(limit, func(tx Transaction) bool {
		return tx.Status == StatusBurned &&
			tx.AttestationStatus == AttestationPending &&
			tx.BurnTxHash != "" &&
			(tx.LastAttestationCheck == nil || tx.LastAttestationCheck.Before(checkedBefore))
	})
}

func (s *MemoryStore) ListAwaitingDelivery(_ context.Context, destDomain uint32, limit int) ([]Transaction, error) {
	return s.list(limit, func(tx Transaction) bool {
		return tx.Status == StatusAttested && tx.DestDomain == destDomain
	})
}

func (s *MemoryStore) list(limit int, match func(Transaction) bool) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Transaction, 0, limit)
	for _, id := range s.order {
		tx := s.txs[id]
		if !match(tx) {
			continue
		}
		out = append(out, tx.Clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// mutate applies fn to a copy of the row under the lock. fn reports whether
// it changed anything; unchanged rows keep their updated_at.
func (s *MemoryStore) mutate(ctx context.Context, id string, fn func(tx *Transaction) (bool, error)) (Transaction, error) {
	s.mu.Lock()
	prev, ok := s.txs[id]
	if !ok {
		s.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := prev.Clone()
	changed, err := fn(&next)
	if err != nil {
		s.mu.Unlock()
		return Transaction{}, err
	}
	if !changed {
		s.mu.Unlock()
		return prev.Clone(), nil
	}
	next.UpdatedAt = s.now().UTC()
	s.txs[id] = next.Clone()
	s.mu.Unlock()

	s.publish(ctx, &prev, next)
	return next.Clone(), nil
}

func (s *MemoryStore) publish(ctx context.Context, prev *Transaction, cur Transaction) {
	if s.pub == nil {
		return
	}
	for _, e := range ChangeEvents(prev, cur) {
		// Delivery is best effort; reconciliation scans cover drops.
		_ = s.pub.Publish(ctx, e)
	}
}

// prepareNew validates a new transfer and fills initial states.
func prepareNew(tx Transaction) (Transaction, error) {
	tx.ID = strings.TrimSpace(tx.ID)
	if tx.ID == "" {
		return Transaction{}, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
	}
	if strings.TrimSpace(tx.UserAddress) == "" || strings.TrimSpace(tx.RecipientAddress) == "" {
		return Transaction{}, fmt.Errorf("%w: empty user or recipient address", ErrInvalidAddress)
	}
	if tx.Status == "" {
		tx.Status = StatusInitiated
	}
	if tx.Status != StatusInitiated {
		return Transaction{}, fmt.Errorf("%w: new transaction must be initiated", ErrInvalidTransition)
	}
	tx.AttestationStatus = AttestationPending
	tx.BurnTxHash = ""
	tx.MessageBytes, tx.MessageHash, tx.Attestation = nil, nil, nil
	tx.Nonce, tx.MintTxHash, tx.ErrorMessage = "", "", ""
	tx.AttestationAttempts = 0
	tx.LastAttestationCheck = nil
	tx.AutoMinted = false
	return tx.Clone(), nil
}

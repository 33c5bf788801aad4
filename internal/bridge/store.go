package bridge

import (
	"context"
	"time"
)

// Store persists transfers. Every mutation is a single conditional write keyed
// by id, so concurrent callers across processes need no extra locking.
type Store interface {
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)

	// RecordBurn applies only while status=initiated and no burn hash is set.
	RecordBurn(ctx context.Context, id string, u BurnUpdate) (Transaction, error)
	// RecordMessage fills message bytes, hash and nonce if they are still
	// unset. It never changes status.
	RecordMessage(ctx context.Context, id string, msg []byte, nonce string) (Transaction, error)
	// RecordAttempt bumps the poll counter and stamps the last check time.
	RecordAttempt(ctx context.Context, id string, at time.Time) (Transaction, error)
	// ApplyAttestation moves a burned transfer to attested. applied is false
	// when another writer got there first or the transfer is not burned; the
	// current row is returned either way.
	ApplyAttestation(ctx context.Context, id string, u AttestationUpdate, at time.Time) (tx Transaction, applied bool, err error)

	MarkMinting(ctx context.Context, id string, txHash string) (Transaction, error)
	CompleteMint(ctx context.Context, id string, txHash string, auto bool) (Transaction, error)
	MarkFailed(ctx context.Context, id string, reason string) (Transaction, error)
	// ExpireAttestation fails a transfer only while it is burned with a
	// pending attestation. applied is false when the transfer has moved on;
	// the current row is returned either way.
	ExpireAttestation(ctx context.Context, id string, reason string) (tx Transaction, applied bool, err error)

	// ListPendingAttestations returns burned transfers still waiting on an
	// attestation that were never polled or last polled before checkedBefore,
	// oldest first.
	ListPendingAttestations(ctx context.Context, checkedBefore time.Time, limit int) ([]Transaction, error)
	// ListAwaitingDelivery returns attested transfers to destDomain, oldest first.
	ListAwaitingDelivery(ctx context.Context, destDomain uint32, limit int) ([]Transaction, error)
}

package bridge

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// AutoMintTxHash is recorded as the mint hash when the attestation service
// executed the mint itself and no caller-visible transaction exists.
// AutoMinted is set alongside it.
const AutoMintTxHash = "auto-minted"

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusBurned    Status = "burned"
	StatusAttested  Status = "attested"
	StatusMinting   Status = "minting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Rank orders the happy path. Failed ranks above everything so a status
// sequence is valid iff ranks never decrease.
func (s Status) Rank() int {
	switch s {
	case StatusInitiated:
		return 1
	case StatusBurned:
		return 2
	case StatusAttested:
		return 3
	case StatusMinting:
		return 4
	case StatusCompleted:
		return 5
	case StatusFailed:
		return 6
	default:
		return 0
	}
}

func (s Status) Valid() bool { return s.Rank() > 0 }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, v)
	}
	return s, nil
}

type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationComplete AttestationStatus = "complete"
	AttestationFailed   AttestationStatus = "failed"
)

func (s AttestationStatus) Valid() bool {
	return s == AttestationPending || s == AttestationComplete || s == AttestationFailed
}

// Transaction is one bridge_transactions row. Empty strings and nil slices
// stand for NULL columns.
type Transaction struct {
	ID string

	SourceDomain     uint32
	DestDomain       uint32
	Amount           *big.Int
	UserAddress      string
	RecipientAddress string

	BurnTxHash   string
	MessageBytes []byte
	// MessageHash is keccak256(MessageBytes), present iff MessageBytes is.
	MessageHash []byte
	// Nonce is opaque text; source chains emit values wider than 64 bits.
	Nonce string

	Attestation          []byte
	AttestationStatus    AttestationStatus
	AttestationAttempts  int
	LastAttestationCheck *time.Time

	MintTxHash string
	AutoMinted bool

	Status       Status
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Transaction) HasAttestation() bool { return len(t.Attestation) > 0 }

func (t Transaction) HasMessage() bool { return len(t.MessageBytes) > 0 }

// Clone deep-copies slices and pointers so callers cannot alias store state.
func (t Transaction) Clone() Transaction {
	if t.Amount != nil {
		t.Amount = new(big.Int).Set(t.Amount)
	}
	t.MessageBytes = cloneBytes(t.MessageBytes)
	t.MessageHash = cloneBytes(t.MessageHash)
	t.Attestation = cloneBytes(t.Attestation)
	if t.LastAttestationCheck != nil {
		at := *t.LastAttestationCheck
		t.LastAttestationCheck = &at
	}
	return t
}

// BurnUpdate carries what the caller reports after broadcasting a burn.
// Message and Nonce are optional.
type BurnUpdate struct {
	TxHash  string
	Message []byte
	Nonce   string
}

// AttestationUpdate is applied in one write when the attestation service
// returns a signed attestation.
type AttestationUpdate struct {
	Message     []byte
	Nonce       string
	Attestation []byte
}

// HashMessage derives the message hash stored next to message bytes.
func HashMessage(msg []byte) []byte {
	if len(msg) == 0 {
		return nil
	}
	return crypto.Keccak256(msg)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Package payload builds unsigned, chain-native burn and mint transactions for
// the three supported chain families. Nothing here does I/O.
package payload

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/chains"
)

const (
	KindApprove = "approve"
	KindBurn    = "burn"
	KindMint    = "mint"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Payload is a tagged union: exactly one of EVM, Starknet, Solana is set and
// Family says which.
type Payload struct {
	Family   chains.Family    `json:"chainType"`
	Kind     string           `json:"kind"`
	EVM      *EVMPayload      `json:"evm,omitempty"`
	Starknet *StarknetPayload `json:"starknet,omitempty"`
	Solana   *SolanaPayload   `json:"solana,omitempty"`
}

// BurnParams describes a depositForBurn on Source towards Dest.
type BurnParams struct {
	Amount *big.Int
	Source chains.Chain
	Dest   chains.Chain

	// Sender is the token owner on Source. Required for Solana sources.
	Sender string
	// Recipient is the wallet on Dest, in Dest's native address form.
	Recipient string

	MinFinalityThreshold uint32
	MaxFee               *big.Int
	// DestinationCaller restricts who may mint on Dest. Empty means anyone.
	DestinationCaller string
}

// MintParams describes a receiveMessage on Dest.
type MintParams struct {
	Dest        chains.Chain
	Message     []byte
	Attestation []byte

	// Payer funds rent on Solana. Required for Solana destinations.
	Payer string
	// FeeRecipientTokenAccount is read from the Solana token messenger state by
	// the caller. When empty the account is returned unresolved.
	FeeRecipientTokenAccount string
}

// BuildBurn returns the burn payload for p.Source's family.
func BuildBurn(p BurnParams) (Payload, error) {
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	recipient, err := MintRecipient(p.Dest, p.Recipient)
	if err != nil {
		return Payload{}, err
	}
	var caller [32]byte
	if strings.TrimSpace(p.DestinationCaller) != "" {
		caller, err = p.Dest.Family.ParseAddress(p.DestinationCaller)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: destination caller: %v", bridge.ErrInvalidAddress, err)
		}
	}

	switch p.Source.Family {
	case chains.FamilyEVM:
		v, err := evmBurn(p, recipient, caller)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilyEVM, Kind: KindBurn, EVM: v}, nil
	case chains.FamilyStarknet:
		v, err := starknetBurn(p, recipient, caller)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilyStarknet, Kind: KindBurn, Starknet: v}, nil
	case chains.FamilySolana:
		v, err := solanaBurn(p, recipient, caller)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilySolana, Kind: KindBurn, Solana: v}, nil
	default:
		return Payload{}, fmt.Errorf("%w: burn from %s", bridge.ErrUnsupportedRoute, p.Source.Family)
	}
}

// BuildMint returns the receiveMessage payload for p.Dest's family.
func BuildMint(p MintParams) (Payload, error) {
	if len(p.Message) == 0 || len(p.Attestation) == 0 {
		return Payload{}, fmt.Errorf("%w: mint needs message and attestation", bridge.ErrInvalidInput)
	}

	switch p.Dest.Family {
	case chains.FamilyEVM:
		v, err := evmMint(p)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilyEVM, Kind: KindMint, EVM: v}, nil
	case chains.FamilyStarknet:
		v, err := starknetMint(p)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilyStarknet, Kind: KindMint, Starknet: v}, nil
	case chains.FamilySolana:
		v, err := solanaMint(p)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Family: chains.FamilySolana, Kind: KindMint, Solana: v}, nil
	default:
		return Payload{}, fmt.Errorf("%w: mint on %s", bridge.ErrUnsupportedRoute, p.Dest.Family)
	}
}

// MintRecipient translates recipient into the 32-byte mintRecipient of the
// burn message. Solana mints credit a token account, so the recipient wallet
// is mapped to its associated token account for Dest's USDC mint.
func MintRecipient(dest chains.Chain, recipient string) ([32]byte, error) {
	word, err := dest.Family.ParseAddress(recipient)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: recipient: %v", bridge.ErrInvalidAddress, err)
	}
	if dest.Family == chains.FamilySolana {
		return solanaRecipientTokenAccount(word, dest.USDC)
	}
	return word, nil
}

func (p BurnParams) validate() error {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", bridge.ErrInvalidAmount)
	}
	if p.Amount.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: amount exceeds uint256", bridge.ErrInvalidAmount)
	}
	if p.MaxFee == nil || p.MaxFee.Sign() < 0 {
		return fmt.Errorf("%w: max fee must be >= 0", bridge.ErrInvalidAmount)
	}
	if p.MaxFee.Sign() > 0 && p.MaxFee.Cmp(p.Amount) >= 0 {
		return fmt.Errorf("%w: max fee %s must be below amount %s", bridge.ErrInvalidAmount, p.MaxFee, p.Amount)
	}
	if p.Source.Domain == p.Dest.Domain {
		return fmt.Errorf("%w: source and destination are both domain %d", bridge.ErrUnsupportedRoute, p.Source.Domain)
	}
	if !p.Source.Family.Valid() {
		return fmt.Errorf("%w: burn from %s", bridge.ErrUnsupportedRoute, p.Source.Family)
	}
	if !p.Dest.Family.Valid() {
		return fmt.Errorf("%w: mint on %s", bridge.ErrUnsupportedRoute, p.Dest.Family)
	}
	return nil
}

package chains

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// starknetPrime is the Stark field modulus 2^251 + 17*2^192 + 1.
var starknetPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 251)
	p.Add(p, new(big.Int).Lsh(big.NewInt(17), 192))
	return p.Add(p, big.NewInt(1))
}()

// StarknetPrime returns a copy of the Stark field modulus.
func StarknetPrime() *big.Int {
	return new(big.Int).Set(starknetPrime)
}

// ParseAddress translates a family-native address into the 32-byte word used by
// burn messages (mintRecipient, destinationCaller).
//
//	evm:      20 bytes, left-padded with zeros
//	starknet: felt, big-endian 32-byte word
//	solana:   32-byte public key, unchanged
func (f Family) ParseAddress(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimSpace(s)
	if s == "" {
		return out, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	switch f {
	case FamilyEVM:
		if !common.IsHexAddress(s) {
			return out, fmt.Errorf("%w: not a 20-byte hex address: %q", ErrInvalidAddress, s)
		}
		a := common.HexToAddress(s)
		copy(out[12:], a.Bytes())
		return out, nil
	case FamilyStarknet:
		v, err := parseFelt(s)
		if err != nil {
			return out, err
		}
		v.FillBytes(out[:])
		return out, nil
	case FamilySolana:
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return [32]byte(pk), nil
	default:
		return out, fmt.Errorf("%w: unsupported family %s", ErrInvalidAddress, f)
	}
}

// FormatAddress is the inverse of ParseAddress. It returns the canonical form:
// checksummed hex for EVM, 0x-prefixed 64 hex digits for Starknet, base58 for
// Solana.
func (f Family) FormatAddress(word [32]byte) (string, error) {
	switch f {
	case FamilyEVM:
		for _, b := range word[:12] {
			if b != 0 {
				return "", fmt.Errorf("%w: evm word has non-zero high bytes", ErrInvalidAddress)
			}
		}
		return common.BytesToAddress(word[12:]).Hex(), nil
	case FamilyStarknet:
		if new(big.Int).SetBytes(word[:]).Cmp(starknetPrime) >= 0 {
			return "", fmt.Errorf("%w: word exceeds felt range", ErrInvalidAddress)
		}
		return "0x" + hex.EncodeToString(word[:]), nil
	case FamilySolana:
		return solana.PublicKeyFromBytes(word[:]).String(), nil
	default:
		return "", fmt.Errorf("%w: unsupported family %s", ErrInvalidAddress, f)
	}
}

// NormalizeAddress parses and re-formats s in its canonical form.
func (f Family) NormalizeAddress(s string) (string, error) {
	w, err := f.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return f.FormatAddress(w)
}

func parseFelt(s string) (*big.Int, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw == "" || len(raw) > 64 {
		return nil, fmt.Errorf("%w: felt must be 1..64 hex digits: %q", ErrInvalidAddress, s)
	}
	v, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("%w: felt is not hex: %q", ErrInvalidAddress, s)
	}
	if v.Cmp(starknetPrime) >= 0 {
		return nil, fmt.Errorf("%w: felt out of range: %q", ErrInvalidAddress, s)
	}
	return v, nil
}

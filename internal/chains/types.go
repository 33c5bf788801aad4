package chains

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig  = errors.New("chains: invalid config")
	ErrInvalidAddress = errors.New("chains: invalid address")
	ErrUnknownChain   = errors.New("chains: unknown chain")
)

// Family is the address/transaction family of a chain. The set is closed: every
// switch over Family must handle all three variants.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyEVM
	FamilyStarknet
	FamilySolana
)

func (f Family) String() string {
	switch f {
	case FamilyEVM:
		return "evm"
	case FamilyStarknet:
		return "starknet"
	case FamilySolana:
		return "solana"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

func (f Family) Valid() bool {
	return f == FamilyEVM || f == FamilyStarknet || f == FamilySolana
}

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evm":
		return FamilyEVM, nil
	case "starknet":
		return FamilyStarknet, nil
	case "solana":
		return FamilySolana, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: unknown chain type %q", ErrInvalidConfig, s)
	}
}

func (f Family) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: invalid family %d", ErrInvalidConfig, uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Chain is one supported_chains row. Contract addresses are kept in the chain's
// native textual form.
type Chain struct {
	ChainID            string `yaml:"chain_id" json:"chainId"`
	Domain             uint32 `yaml:"domain_id" json:"domainId"`
	Name               string `yaml:"name" json:"name"`
	Family             Family `yaml:"chain_type" json:"chainType"`
	TokenMessenger     string `yaml:"token_messenger" json:"tokenMessenger"`
	MessageTransmitter string `yaml:"message_transmitter" json:"messageTransmitter"`
	USDC               string `yaml:"usdc_address" json:"usdcAddress"`
	IsTestnet          bool   `yaml:"is_testnet" json:"isTestnet"`
	IsEnabled          bool   `yaml:"is_enabled" json:"isEnabled"`
	ExplorerURL        string `yaml:"explorer_url" json:"explorerUrl,omitempty"`
}

func (c Chain) Validate() error {
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("%w: domain %d: missing chain id", ErrInvalidConfig, c.Domain)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: domain %d: missing name", ErrInvalidConfig, c.Domain)
	}
	if !c.Family.Valid() {
		return fmt.Errorf("%w: domain %d: invalid chain type", ErrInvalidConfig, c.Domain)
	}
	for field, addr := range map[string]string{
		"token_messenger":     c.TokenMessenger,
		"message_transmitter": c.MessageTransmitter,
		"usdc_address":        c.USDC,
	} {
		if _, err := c.Family.ParseAddress(addr); err != nil {
			return fmt.Errorf("%w: domain %d: %s: %v", ErrInvalidConfig, c.Domain, field, err)
		}
	}
	return nil
}

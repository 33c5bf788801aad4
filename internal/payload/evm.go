package payload

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
)

// EVMCall is one unsigned transaction: send Data to To with Value wei.
type EVMCall struct {
	Kind  string `json:"kind"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// EVMPayload carries the main call and, for burns, the ERC-20 approval the
// owner may need to submit first. Callers check the current allowance of
// Spender and skip Approval when it already covers RequiredAllowance.
type EVMPayload struct {
	Approval          *EVMCall `json:"approval,omitempty"`
	Spender           string   `json:"spender,omitempty"`
	RequiredAllowance string   `json:"requiredAllowance,omitempty"`
	Call              EVMCall  `json:"call"`
}

const cctpABIJSON = `[
  {
    "type": "function",
    "name": "depositForBurn",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint256"},
      {"name": "destinationDomain", "type": "uint32"},
      {"name": "mintRecipient", "type": "bytes32"},
      {"name": "burnToken", "type": "address"},
      {"name": "destinationCaller", "type": "bytes32"},
      {"name": "maxFee", "type": "uint256"},
      {"name": "minFinalityThreshold", "type": "uint32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "receiveMessage",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "message", "type": "bytes"},
      {"name": "attestation", "type": "bytes"}
    ],
    "outputs": [{"name": "success", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "approve",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "value", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`

var (
	abiOnce sync.Once
	abiErr  error
	cctpABI abi.ABI
)

func loadABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		cctpABI, abiErr = abi.JSON(strings.NewReader(cctpABIJSON))
		if abiErr != nil {
			abiErr = fmt.Errorf("payload: parse cctp ABI: %w", abiErr)
		}
	})
	return cctpABI, abiErr
}

func evmBurn(p BurnParams, recipient, caller [32]byte) (*EVMPayload, error) {
	a, err := loadABI()
	if err != nil {
		return nil, err
	}
	messenger, err := evmAddress(p.Source.TokenMessenger)
	if err != nil {
		return nil, err
	}
	usdc, err := evmAddress(p.Source.USDC)
	if err != nil {
		return nil, err
	}

	approve, err := a.Pack("approve", messenger, new(big.Int).Set(p.Amount))
	if err != nil {
		return nil, fmt.Errorf("payload: pack approve: %w", err)
	}
	burn, err := a.Pack("depositForBurn",
		new(big.Int).Set(p.Amount),
		p.Dest.Domain,
		recipient,
		usdc,
		caller,
		new(big.Int).Set(p.MaxFee),
		p.MinFinalityThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("payload: pack depositForBurn: %w", err)
	}

	return &EVMPayload{
		Approval: &EVMCall{
			Kind:  KindApprove,
			To:    usdc.Hex(),
			Data:  hexutil.Encode(approve),
			Value: "0",
		},
		Spender:           messenger.Hex(),
		RequiredAllowance: p.Amount.String(),
		Call: EVMCall{
			Kind:  KindBurn,
			To:    messenger.Hex(),
			Data:  hexutil.Encode(burn),
			Value: "0",
		},
	}, nil
}

func evmMint(p MintParams) (*EVMPayload, error) {
	a, err := loadABI()
	if err != nil {
		return nil, err
	}
	transmitter, err := evmAddress(p.Dest.MessageTransmitter)
	if err != nil {
		return nil, err
	}
	data, err := a.Pack("receiveMessage", p.Message, p.Attestation)
	if err != nil {
		return nil, fmt.Errorf("payload: pack receiveMessage: %w", err)
	}
	return &EVMPayload{
		Call: EVMCall{
			Kind:  KindMint,
			To:    transmitter.Hex(),
			Data:  hexutil.Encode(data),
			Value: "0",
		},
	}, nil
}

func evmAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: not an evm address: %q", bridge.ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

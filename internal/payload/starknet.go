package payload

import (
	"fmt"
	"math/big"

	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	"golang.org/x/crypto/sha3"
)

// byteArrayWordLen is the number of bytes packed into one ByteArray felt.
const byteArrayWordLen = 31

var (
	mask250 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	mask128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// StarknetCall is one entry of an account multicall.
type StarknetCall struct {
	ContractAddress string   `json:"contractAddress"`
	Entrypoint      string   `json:"entrypoint"`
	Selector        string   `json:"selector"`
	Calldata        []string `json:"calldata"`
}

// StarknetPayload is submitted as one atomic multicall, in order.
type StarknetPayload struct {
	Calls []StarknetCall `json:"calls"`
}

// Selector returns sn_keccak(name): keccak256 truncated to 250 bits.
func Selector(name string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return v.And(v, mask250)
}

func starknetBurn(p BurnParams, recipient, caller [32]byte) (*StarknetPayload, error) {
	messenger, err := starknetAddress(p.Source.TokenMessenger)
	if err != nil {
		return nil, err
	}
	usdc, err := starknetAddress(p.Source.USDC)
	if err != nil {
		return nil, err
	}

	amountLow, amountHigh := splitU256(p.Amount)
	recipientLow, recipientHigh := splitU256(new(big.Int).SetBytes(recipient[:]))
	callerLow, callerHigh := splitU256(new(big.Int).SetBytes(caller[:]))
	feeLow, feeHigh := splitU256(p.MaxFee)

	return &StarknetPayload{
		Calls: []StarknetCall{
			newStarknetCall(usdc, "approve", messenger, amountLow, amountHigh),
			newStarknetCall(messenger, "deposit_for_burn",
				amountLow, amountHigh,
				felt(new(big.Int).SetUint64(uint64(p.Dest.Domain))),
				recipientLow, recipientHigh,
				usdc,
				callerLow, callerHigh,
				feeLow, feeHigh,
				felt(new(big.Int).SetUint64(uint64(p.MinFinalityThreshold))),
			),
		},
	}, nil
}

func starknetMint(p MintParams) (*StarknetPayload, error) {
	transmitter, err := starknetAddress(p.Dest.MessageTransmitter)
	if err != nil {
		return nil, err
	}
	calldata := append(ByteArrayCalldata(p.Message), ByteArrayCalldata(p.Attestation)...)
	return &StarknetPayload{
		Calls: []StarknetCall{newStarknetCall(transmitter, "receive_message", calldata...)},
	}, nil
}

// ByteArrayCalldata serializes b as a Cairo ByteArray:
// [full word count, 31-byte words..., pending word, pending length].
func ByteArrayCalldata(b []byte) []string {
	full := len(b) / byteArrayWordLen
	out := make([]string, 0, full+3)
	out = append(out, felt(big.NewInt(int64(full))))
	for i := 0; i < full; i++ {
		out = append(out, felt(new(big.Int).SetBytes(b[i*byteArrayWordLen:(i+1)*byteArrayWordLen])))
	}
	pending := b[full*byteArrayWordLen:]
	out = append(out, felt(new(big.Int).SetBytes(pending)), felt(big.NewInt(int64(len(pending)))))
	return out
}

func newStarknetCall(contract, entrypoint string, calldata ...string) StarknetCall {
	if calldata == nil {
		calldata = []string{}
	}
	return StarknetCall{
		ContractAddress: contract,
		Entrypoint:      entrypoint,
		Selector:        felt(Selector(entrypoint)),
		Calldata:        calldata,
	}
}

// splitU256 returns the (low, high) 128-bit felts of a Cairo u256.
func splitU256(v *big.Int) (string, string) {
	low := new(big.Int).And(v, mask128)
	high := new(big.Int).Rsh(v, 128)
	return felt(low), felt(high)
}

func felt(v *big.Int) string {
	return fmt.Sprintf("0x%x", v)
}

func starknetAddress(s string) (string, error) {
	out, err := chains.FamilyStarknet.NormalizeAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", bridge.ErrInvalidAddress, err)
	}
	return out, nil
}

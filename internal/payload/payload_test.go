package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/chains"
)

var (
	starknetChain = chains.Chain{
		ChainID:            "SN_SEPOLIA",
		Domain:             25,
		Name:               "Starknet Sepolia",
		Family:             chains.FamilyStarknet,
		TokenMessenger:     "0x04bdddc7b7f8f2c6e6a1eb0f0d95d5b52cbf0e4f2c1c1f4a9f3b9e0b5a0e7d01",
		MessageTransmitter: "0x02ea4d2b5ae0d2e6a54a3f2de8e5c3a9c9a5c1b3d3e8f0a4b2c1d0e9f8a7b6c5",
		USDC:               "0x0512feac6339ff7889822cb5aa2a86c848e9d392bb0e3e237c008674feed8343",
		IsEnabled:          true,
	}
	evmChain = chains.Chain{
		ChainID:            "11155111",
		Domain:             0,
		Name:               "Ethereum Sepolia",
		Family:             chains.FamilyEVM,
		TokenMessenger:     "0x8FE6B999Dc680CcFDD5Bf7EB0974218be2542DAA",
		MessageTransmitter: "0xE737e5cEBEEBa77EFE34D4aa090756590b1CE275",
		USDC:               "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		IsEnabled:          true,
	}
	solanaChain = chains.Chain{
		ChainID:            "solana-devnet",
		Domain:             5,
		Name:               "Solana Devnet",
		Family:             chains.FamilySolana,
		TokenMessenger:     "CCTPV2vPZJS2u2BBsUoscuikbYjnpFmbFsvVuJdgUMQe",
		MessageTransmitter: "CCTPV2Sm4AdWt5296sk4P66VBZ7bEhcARwFaaS9YPbeC",
		USDC:               "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		IsEnabled:          true,
	}
)

const (
	starknetWallet = "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"
	evmWallet      = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	solanaWallet   = "CCTPV2vPZJS2u2BBsUoscuikbYjnpFmbFsvVuJdgUMQe"
)

func TestBuildBurn_EVM(t *testing.T) {
	t.Parallel()

	p, err := BuildBurn(BurnParams{
		Amount:               big.NewInt(1_000_000),
		Source:               evmChain,
		Dest:                 starknetChain,
		Sender:               evmWallet,
		Recipient:            starknetWallet,
		MinFinalityThreshold: 2000,
		MaxFee:               big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("BuildBurn: %v", err)
	}
	if p.Family != chains.FamilyEVM || p.EVM == nil || p.Starknet != nil || p.Solana != nil {
		t.Fatalf("payload variant: %+v", p)
	}

	approval := p.EVM.Approval
	if approval == nil {
		t.Fatalf("expected approval call")
	}
	if approval.To != common.HexToAddress(evmChain.USDC).Hex() || !strings.HasPrefix(approval.Data, "0x095ea7b3") {
		t.Fatalf("approval: %+v", approval)
	}
	if p.EVM.Spender != common.HexToAddress(evmChain.TokenMessenger).Hex() || p.EVM.RequiredAllowance != "1000000" {
		t.Fatalf("allowance: spender=%s required=%s", p.EVM.Spender, p.EVM.RequiredAllowance)
	}

	call := p.EVM.Call
	if call.To != common.HexToAddress(evmChain.TokenMessenger).Hex() || call.Value != "0" {
		t.Fatalf("burn call: %+v", call)
	}
	data, err := hexutil.Decode(call.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got := hex.EncodeToString(data[:4]); got != "8e0250ee" {
		t.Fatalf("depositForBurn selector: got %s", got)
	}

	a, err := loadABI()
	if err != nil {
		t.Fatalf("loadABI: %v", err)
	}
	args, err := a.Methods["depositForBurn"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(*big.Int).Int64() != 1_000_000 {
		t.Fatalf("amount: got %v", args[0])
	}
	if args[1].(uint32) != 25 {
		t.Fatalf("destinationDomain: got %v", args[1])
	}
	wantRecipient, _ := chains.FamilyStarknet.ParseAddress(starknetWallet)
	if args[2].([32]byte) != wantRecipient {
		t.Fatalf("mintRecipient: got %x", args[2])
	}
	if args[3].(common.Address) != common.HexToAddress(evmChain.USDC) {
		t.Fatalf("burnToken: got %v", args[3])
	}
	if args[4].([32]byte) != ([32]byte{}) {
		t.Fatalf("destinationCaller: got %x", args[4])
	}
	if args[5].(*big.Int).Sign() != 0 || args[6].(uint32) != 2000 {
		t.Fatalf("fee/threshold: got %v/%v", args[5], args[6])
	}
}

func TestBuildBurn_StarknetMulticall(t *testing.T) {
	t.Parallel()

	p, err := BuildBurn(BurnParams{
		Amount:               big.NewInt(1_000_000),
		Source:               starknetChain,
		Dest:                 evmChain,
		Recipient:            evmWallet,
		MinFinalityThreshold: 1000,
		MaxFee:               big.NewInt(130),
	})
	if err != nil {
		t.Fatalf("BuildBurn: %v", err)
	}
	if p.Starknet == nil || len(p.Starknet.Calls) != 2 {
		t.Fatalf("expected two calls: %+v", p)
	}

	approve, burn := p.Starknet.Calls[0], p.Starknet.Calls[1]
	if approve.Entrypoint != "approve" || approve.Selector != "0x219209e083275171774dab1df80982e9df2096516f06319c5c6d71ae0a8480c" {
		t.Fatalf("approve call: %+v", approve)
	}
	if approve.ContractAddress != starknetChain.USDC {
		t.Fatalf("approve target: got %s want %s", approve.ContractAddress, starknetChain.USDC)
	}
	if want := []string{starknetChain.TokenMessenger, "0xf4240", "0x0"}; !equalStrings(approve.Calldata, want) {
		t.Fatalf("approve calldata: got %v want %v", approve.Calldata, want)
	}

	if burn.Entrypoint != "deposit_for_burn" || burn.Selector != "0x1f22c1880eaa6d7c26540b35e06b2216da0506966427477a9210801972fe7c2" {
		t.Fatalf("burn call: %+v", burn)
	}
	want := []string{
		// amount, destination domain
		"0xf4240", "0x0", "0x0",
		// mint recipient low, high
		"0x6cb0c7b01d743fbc6116a902379c7238", "0x1c7d4b19",
		// burn token, destination caller low, high
		starknetChain.USDC, "0x0", "0x0",
		// max fee low, high, min finality threshold
		"0x82", "0x0", "0x3e8",
	}
	if !equalStrings(burn.Calldata, want) {
		t.Fatalf("burn calldata:\n got %v\nwant %v", burn.Calldata, want)
	}
}

func TestBuildBurn_ToSolanaCreditsAssociatedTokenAccount(t *testing.T) {
	t.Parallel()

	p, err := BuildBurn(BurnParams{
		Amount:               big.NewInt(5),
		Source:               starknetChain,
		Dest:                 solanaChain,
		Recipient:            solanaWallet,
		MinFinalityThreshold: 2000,
		MaxFee:               big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("BuildBurn: %v", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(solana.MustPublicKeyFromBase58(solanaWallet), solana.MustPublicKeyFromBase58(solanaChain.USDC))
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress: %v", err)
	}
	low, high := splitU256(new(big.Int).SetBytes(ata[:]))
	calldata := p.Starknet.Calls[1].Calldata
	if calldata[2] != "0x5" || calldata[3] != low || calldata[4] != high {
		t.Fatalf("mint recipient: got %v want domain 0x5 low %s high %s", calldata[:5], low, high)
	}
}

func TestBuildBurn_Solana(t *testing.T) {
	t.Parallel()

	p, err := BuildBurn(BurnParams{
		Amount:               big.NewInt(2_500_000),
		Source:               solanaChain,
		Dest:                 starknetChain,
		Sender:               solanaWallet,
		Recipient:            starknetWallet,
		MinFinalityThreshold: 1000,
		MaxFee:               big.NewInt(10),
	})
	if err != nil {
		t.Fatalf("BuildBurn: %v", err)
	}
	ix := p.Solana.Instruction
	if ix.ProgramID != solanaChain.TokenMessenger {
		t.Fatalf("program: got %s", ix.ProgramID)
	}
	if len(ix.Accounts) != 18 {
		t.Fatalf("accounts: got %d want 18", len(ix.Accounts))
	}
	for _, acc := range ix.Accounts {
		if acc.Name == "message_sent_event_data" {
			if !acc.Generate || !acc.IsSigner || acc.Pubkey != "" {
				t.Fatalf("event data account: %+v", acc)
			}
			continue
		}
		if acc.Pubkey == "" {
			t.Fatalf("account %s has no pubkey", acc.Name)
		}
	}

	data, err := base64.StdEncoding.DecodeString(ix.DataBase64)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if hex.EncodeToString(data) != ix.DataHex {
		t.Fatalf("hex and base64 disagree")
	}
	if len(data) != 8+8+4+32+32+8+4 {
		t.Fatalf("data length: got %d", len(data))
	}
	if got := hex.EncodeToString(data[:8]); got != "d73c3d2e723780b0" {
		t.Fatalf("discriminator: got %s", got)
	}
	if binary.LittleEndian.Uint64(data[8:16]) != 2_500_000 || binary.LittleEndian.Uint32(data[16:20]) != 25 {
		t.Fatalf("amount/domain: %x", data[8:20])
	}
	wantRecipient, _ := chains.FamilyStarknet.ParseAddress(starknetWallet)
	if !bytes.Equal(data[20:52], wantRecipient[:]) {
		t.Fatalf("mint recipient: got %x", data[20:52])
	}
	if binary.LittleEndian.Uint64(data[84:92]) != 10 || binary.LittleEndian.Uint32(data[92:96]) != 1000 {
		t.Fatalf("fee/threshold: %x", data[84:96])
	}
}

func TestBuildBurn_Rejects(t *testing.T) {
	t.Parallel()

	tooBig := new(big.Int).Lsh(big.NewInt(1), 64)
	unknown := evmChain
	unknown.Family = chains.FamilyUnknown
	unknown.Domain = 99

	tests := []struct {
		name string
		p    BurnParams
		want error
	}{
		{"zero amount", BurnParams{Amount: big.NewInt(0), Source: evmChain, Dest: starknetChain, Recipient: starknetWallet, MaxFee: big.NewInt(0)}, bridge.ErrInvalidAmount},
		{"fee not below amount", BurnParams{Amount: big.NewInt(10), Source: evmChain, Dest: starknetChain, Recipient: starknetWallet, MaxFee: big.NewInt(10)}, bridge.ErrInvalidAmount},
		{"solana u64 overflow", BurnParams{Amount: tooBig, Source: solanaChain, Dest: starknetChain, Sender: solanaWallet, Recipient: starknetWallet, MaxFee: big.NewInt(0)}, bridge.ErrInvalidAmount},
		{"bad recipient", BurnParams{Amount: big.NewInt(1), Source: starknetChain, Dest: evmChain, Recipient: solanaWallet, MaxFee: big.NewInt(0)}, bridge.ErrInvalidAddress},
		{"unknown source family", BurnParams{Amount: big.NewInt(1), Source: unknown, Dest: starknetChain, Recipient: starknetWallet, MaxFee: big.NewInt(0)}, bridge.ErrUnsupportedRoute},
		{"same domain", BurnParams{Amount: big.NewInt(1), Source: starknetChain, Dest: starknetChain, Recipient: starknetWallet, MaxFee: big.NewInt(0)}, bridge.ErrUnsupportedRoute},
	}
	for _, tc := range tests {
		if _, err := BuildBurn(tc.p); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func testMessage(t *testing.T, src, dst uint32, mintRecipient [32]byte) []byte {
	t.Helper()

	var nonce, burnToken [32]byte
	nonce[31] = 0x2a
	burnToken[31] = 0x07
	body := BurnMessage{
		Version:       1,
		BurnToken:     burnToken,
		MintRecipient: mintRecipient,
		Amount:        big.NewInt(1_000_000),
		MaxFee:        big.NewInt(0),
	}.Encode()
	return Message{
		Version:              1,
		SourceDomain:         src,
		DestDomain:           dst,
		Nonce:                nonce,
		MinFinalityThreshold: 2000,
		Body:                 body,
	}.Encode()
}

func TestBuildMint(t *testing.T) {
	t.Parallel()

	att := bytes.Repeat([]byte{0xab}, 65)

	t.Run("evm", func(t *testing.T) {
		t.Parallel()
		msg := testMessage(t, 25, 0, [32]byte{})
		p, err := BuildMint(MintParams{Dest: evmChain, Message: msg, Attestation: att})
		if err != nil {
			t.Fatalf("BuildMint: %v", err)
		}
		if p.Kind != KindMint || p.EVM.Approval != nil {
			t.Fatalf("payload: %+v", p)
		}
		if p.EVM.Call.To != common.HexToAddress(evmChain.MessageTransmitter).Hex() || !strings.HasPrefix(p.EVM.Call.Data, "0x57ecfd28") {
			t.Fatalf("call: %+v", p.EVM.Call)
		}
	})

	t.Run("starknet", func(t *testing.T) {
		t.Parallel()
		msg := testMessage(t, 0, 25, [32]byte{})
		p, err := BuildMint(MintParams{Dest: starknetChain, Message: msg, Attestation: att})
		if err != nil {
			t.Fatalf("BuildMint: %v", err)
		}
		call := p.Starknet.Calls[0]
		if call.Entrypoint != "receive_message" || call.Selector != "0x1393a4f3bb1f09f5dfb8bb3553b247a31fef369ac2eb0c5df64a0c808244965" {
			t.Fatalf("call: %+v", call)
		}
		want := append(ByteArrayCalldata(msg), ByteArrayCalldata(att)...)
		if !equalStrings(call.Calldata, want) {
			t.Fatalf("calldata mismatch")
		}
	})

	t.Run("solana", func(t *testing.T) {
		t.Parallel()
		var recipient [32]byte
		recipient[0] = 0x11
		msg := testMessage(t, 25, 5, recipient)
		p, err := BuildMint(MintParams{Dest: solanaChain, Message: msg, Attestation: att, Payer: solanaWallet})
		if err != nil {
			t.Fatalf("BuildMint: %v", err)
		}
		ix := p.Solana.Instruction
		if ix.ProgramID != solanaChain.MessageTransmitter {
			t.Fatalf("program: got %s", ix.ProgramID)
		}
		data, _ := hex.DecodeString(ix.DataHex)
		if got := hex.EncodeToString(data[:8]); got != "26907fe11fe1ee19" {
			t.Fatalf("discriminator: got %s", got)
		}
		if n := binary.LittleEndian.Uint32(data[8:12]); int(n) != len(msg) {
			t.Fatalf("message length prefix: got %d want %d", n, len(msg))
		}
		if !bytes.Equal(data[12:12+len(msg)], msg) {
			t.Fatalf("message bytes mismatch")
		}
		rest := data[12+len(msg):]
		if n := binary.LittleEndian.Uint32(rest[:4]); int(n) != len(att) || !bytes.Equal(rest[4:], att) {
			t.Fatalf("attestation blob mismatch")
		}

		var sawFee, sawRecipient bool
		for _, acc := range ix.Accounts {
			switch acc.Name {
			case "fee_recipient_token_account":
				sawFee = acc.Pubkey == "" && acc.Resolve != ""
			case "recipient_token_account":
				sawRecipient = acc.Pubkey == solana.PublicKeyFromBytes(recipient[:]).String() && acc.IsWritable
			}
		}
		if !sawFee || !sawRecipient {
			t.Fatalf("accounts: %+v", ix.Accounts)
		}
	})

	t.Run("rejects empty attestation", func(t *testing.T) {
		t.Parallel()
		if _, err := BuildMint(MintParams{Dest: evmChain, Message: []byte{1}}); !errors.Is(err, bridge.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestByteArrayCalldata(t *testing.T) {
	t.Parallel()

	if got, want := ByteArrayCalldata(nil), []string{"0x0", "0x0", "0x0"}; !equalStrings(got, want) {
		t.Fatalf("empty: got %v want %v", got, want)
	}
	if got, want := ByteArrayCalldata([]byte("hello")), []string{"0x0", "0x68656c6c6f", "0x5"}; !equalStrings(got, want) {
		t.Fatalf("hello: got %v want %v", got, want)
	}
	word := bytes.Repeat([]byte{0x01}, 31)
	got := ByteArrayCalldata(append(append([]byte(nil), word...), 0xff))
	want := []string{"0x1", felt(new(big.Int).SetBytes(word)), "0xff", "0x1"}
	if !equalStrings(got, want) {
		t.Fatalf("32 bytes: got %v want %v", got, want)
	}
	// Felts carry no leading zero nibbles.
	if w := "0x1" + strings.Repeat("01", 30); got[1] != w {
		t.Fatalf("full word: got %s want %s", got[1], w)
	}
}

func TestSelector(t *testing.T) {
	t.Parallel()

	if got := felt(Selector("transfer")); got != "0x83afd3f4caedc6eebf44246fe54e38c95e3179a5ec9ea81740eca5b482d12e" {
		t.Fatalf("transfer selector: got %s", got)
	}
}

func TestParseMessage(t *testing.T) {
	t.Parallel()

	var recipient [32]byte
	recipient[31] = 0x09
	raw := testMessage(t, 25, 0, recipient)

	m, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.SourceDomain != 25 || m.DestDomain != 0 || m.MinFinalityThreshold != 2000 {
		t.Fatalf("header: %+v", m)
	}
	if m.NonceHex() != "0x000000000000000000000000000000000000000000000000000000000000002a" {
		t.Fatalf("nonce: got %s", m.NonceHex())
	}
	burn, err := ParseBurnMessage(m.Body)
	if err != nil {
		t.Fatalf("ParseBurnMessage: %v", err)
	}
	if burn.MintRecipient != recipient || burn.Amount.Int64() != 1_000_000 {
		t.Fatalf("burn body: %+v", burn)
	}
	if !bytes.Equal(m.Encode(), raw) {
		t.Fatalf("Encode does not reproduce the input")
	}

	if _, err := ParseMessage(raw[:100]); !errors.Is(err, bridge.ErrInvalidInput) {
		t.Fatalf("short message: expected ErrInvalidInput, got %v", err)
	}
	if _, err := ParseBurnMessage(m.Body[:10]); !errors.Is(err, bridge.ErrInvalidInput) {
		t.Fatalf("short body: expected ErrInvalidInput, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

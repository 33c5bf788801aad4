package payload

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
)

// SolanaAccount is one entry of an instruction's account list.
type SolanaAccount struct {
	Name       string `json:"name"`
	Pubkey     string `json:"pubkey,omitempty"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
	// Generate marks a fresh keypair the caller creates and co-signs with.
	Generate bool `json:"generate,omitempty"`
	// Resolve names on-chain state the caller must read to fill Pubkey.
	Resolve string `json:"resolve,omitempty"`
}

type SolanaInstruction struct {
	ProgramID  string          `json:"programId"`
	Accounts   []SolanaAccount `json:"accounts"`
	DataBase64 string          `json:"dataBase64"`
	DataHex    string          `json:"dataHex"`
}

type SolanaPayload struct {
	Instruction SolanaInstruction `json:"instruction"`
}

// AnchorDiscriminator is the 8-byte method tag Anchor programs dispatch on.
func AnchorDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func solanaBurn(p BurnParams, recipient, caller [32]byte) (*SolanaPayload, error) {
	if !p.Amount.IsUint64() {
		return nil, fmt.Errorf("%w: amount %s exceeds u64", bridge.ErrInvalidAmount, p.Amount)
	}
	if !p.MaxFee.IsUint64() {
		return nil, fmt.Errorf("%w: max fee %s exceeds u64", bridge.ErrInvalidAmount, p.MaxFee)
	}
	owner, err := solanaKey("sender", p.Sender)
	if err != nil {
		return nil, err
	}
	tmm, err := solanaKey("token messenger", p.Source.TokenMessenger)
	if err != nil {
		return nil, err
	}
	mt, err := solanaKey("message transmitter", p.Source.MessageTransmitter)
	if err != nil {
		return nil, err
	}
	mint, err := solanaKey("usdc mint", p.Source.USDC)
	if err != nil {
		return nil, err
	}

	pdas := pdaSet{}
	burnAccount, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("payload: derive burn token account: %w", err)
	}
	destDomain := []byte(strconv.FormatUint(uint64(p.Dest.Domain), 10))

	accounts := []SolanaAccount{
		{Name: "owner", Pubkey: owner.String(), IsSigner: true},
		{Name: "event_rent_payer", Pubkey: owner.String(), IsSigner: true, IsWritable: true},
		pdas.account("sender_authority_pda", tmm, false, []byte("sender_authority")),
		{Name: "burn_token_account", Pubkey: burnAccount.String(), IsWritable: true},
		pdas.account("denylist_account", tmm, false, []byte("denylist_account"), owner.Bytes()),
		pdas.account("message_transmitter", mt, true, []byte("message_transmitter")),
		pdas.account("token_messenger", tmm, false, []byte("token_messenger")),
		pdas.account("remote_token_messenger", tmm, false, []byte("remote_token_messenger"), destDomain),
		pdas.account("token_minter", tmm, false, []byte("token_minter")),
		pdas.account("local_token", tmm, true, []byte("local_token"), mint.Bytes()),
		{Name: "burn_token_mint", Pubkey: mint.String(), IsWritable: true},
		{Name: "message_sent_event_data", IsSigner: true, IsWritable: true, Generate: true},
		{Name: "message_transmitter_program", Pubkey: mt.String()},
		{Name: "token_messenger_minter_program", Pubkey: tmm.String()},
		{Name: "token_program", Pubkey: solana.TokenProgramID.String()},
		{Name: "system_program", Pubkey: solana.SystemProgramID.String()},
		pdas.account("event_authority", tmm, false, []byte("__event_authority")),
		{Name: "program", Pubkey: tmm.String()},
	}
	if pdas.err != nil {
		return nil, pdas.err
	}

	// DepositForBurnParams, Borsh: u64 amount, u32 destination_domain,
	// pubkey mint_recipient, pubkey destination_caller, u64 max_fee,
	// u32 min_finality_threshold.
	disc := AnchorDiscriminator("deposit_for_burn")
	data := make([]byte, 0, 8+8+4+32+32+8+4)
	data = append(data, disc[:]...)
	data = binary.LittleEndian.AppendUint64(data, p.Amount.Uint64())
	data = binary.LittleEndian.AppendUint32(data, p.Dest.Domain)
	data = append(data, recipient[:]...)
	data = append(data, caller[:]...)
	data = binary.LittleEndian.AppendUint64(data, p.MaxFee.Uint64())
	data = binary.LittleEndian.AppendUint32(data, p.MinFinalityThreshold)

	return &SolanaPayload{Instruction: newSolanaInstruction(tmm, accounts, data)}, nil
}

func solanaMint(p MintParams) (*SolanaPayload, error) {
	msg, err := ParseMessage(p.Message)
	if err != nil {
		return nil, err
	}
	burn, err := ParseBurnMessage(msg.Body)
	if err != nil {
		return nil, err
	}
	payer, err := solanaKey("payer", p.Payer)
	if err != nil {
		return nil, err
	}
	tmm, err := solanaKey("token messenger", p.Dest.TokenMessenger)
	if err != nil {
		return nil, err
	}
	mt, err := solanaKey("message transmitter", p.Dest.MessageTransmitter)
	if err != nil {
		return nil, err
	}
	mint, err := solanaKey("usdc mint", p.Dest.USDC)
	if err != nil {
		return nil, err
	}

	pdas := pdaSet{}
	srcDomain := []byte(strconv.FormatUint(uint64(msg.SourceDomain), 10))
	feeRecipient := SolanaAccount{Name: "fee_recipient_token_account", IsWritable: true}
	if p.FeeRecipientTokenAccount != "" {
		k, err := solanaKey("fee recipient token account", p.FeeRecipientTokenAccount)
		if err != nil {
			return nil, err
		}
		feeRecipient.Pubkey = k.String()
	} else {
		feeRecipient.Resolve = "token_messenger.fee_recipient"
	}

	accounts := []SolanaAccount{
		{Name: "payer", Pubkey: payer.String(), IsSigner: true, IsWritable: true},
		{Name: "caller", Pubkey: payer.String(), IsSigner: true},
		pdas.account("authority_pda", mt, false, []byte("message_transmitter_authority"), tmm.Bytes()),
		pdas.account("message_transmitter", mt, false, []byte("message_transmitter")),
		pdas.account("used_nonce", mt, true, []byte("used_nonce"), msg.Nonce[:]),
		{Name: "receiver", Pubkey: tmm.String()},
		{Name: "system_program", Pubkey: solana.SystemProgramID.String()},
		pdas.account("event_authority", mt, false, []byte("__event_authority")),
		{Name: "program", Pubkey: mt.String()},

		// Remaining accounts consumed by the token messenger's receive handler.
		pdas.account("token_messenger", tmm, false, []byte("token_messenger")),
		pdas.account("remote_token_messenger", tmm, false, []byte("remote_token_messenger"), srcDomain),
		pdas.account("token_minter", tmm, true, []byte("token_minter")),
		pdas.account("local_token", tmm, true, []byte("local_token"), mint.Bytes()),
		pdas.account("token_pair", tmm, false, []byte("token_pair"), srcDomain, burn.BurnToken[:]),
		feeRecipient,
		{Name: "recipient_token_account", Pubkey: solana.PublicKeyFromBytes(burn.MintRecipient[:]).String(), IsWritable: true},
		pdas.account("custody_token_account", tmm, true, []byte("custody"), mint.Bytes()),
		{Name: "token_program", Pubkey: solana.TokenProgramID.String()},
		pdas.account("token_messenger_event_authority", tmm, false, []byte("__event_authority")),
		{Name: "token_messenger_program", Pubkey: tmm.String()},
	}
	if pdas.err != nil {
		return nil, pdas.err
	}

	// ReceiveMessageParams, Borsh: vec<u8> message, vec<u8> attestation.
	disc := AnchorDiscriminator("receive_message")
	data := make([]byte, 0, 8+4+len(p.Message)+4+len(p.Attestation))
	data = append(data, disc[:]...)
	data = appendBorshBytes(data, p.Message)
	data = appendBorshBytes(data, p.Attestation)

	return &SolanaPayload{Instruction: newSolanaInstruction(mt, accounts, data)}, nil
}

// solanaRecipientTokenAccount maps a wallet to its associated token account
// for the USDC mint.
func solanaRecipientTokenAccount(wallet [32]byte, usdcMint string) ([32]byte, error) {
	mint, err := solana.PublicKeyFromBase58(usdcMint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: usdc mint: %v", bridge.ErrInvalidAddress, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(solana.PublicKeyFromBytes(wallet[:]), mint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("payload: derive recipient token account: %w", err)
	}
	return [32]byte(ata), nil
}

// pdaSet derives program addresses and keeps the first error.
type pdaSet struct {
	err error
}

func (s *pdaSet) account(name string, program solana.PublicKey, writable bool, seeds ...[]byte) SolanaAccount {
	acc := SolanaAccount{Name: name, IsWritable: writable}
	if s.err != nil {
		return acc
	}
	addr, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		s.err = fmt.Errorf("payload: derive %s: %w", name, err)
		return acc
	}
	acc.Pubkey = addr.String()
	return acc
}

func newSolanaInstruction(program solana.PublicKey, accounts []SolanaAccount, data []byte) SolanaInstruction {
	return SolanaInstruction{
		ProgramID:  program.String(),
		Accounts:   accounts,
		DataBase64: base64.StdEncoding.EncodeToString(data),
		DataHex:    hex.EncodeToString(data),
	}
}

func appendBorshBytes(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func solanaKey(field, s string) (solana.PublicKey, error) {
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", bridge.ErrInvalidAddress, field, err)
	}
	return k, nil
}

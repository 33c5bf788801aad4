// Package orchestrator owns every state transition of a bridge transfer. It
// keeps no mutable state of its own: all of it lives in the store, so any
// number of instances may run side by side.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/cctp-bridge/internal/attestation"
	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	"github.com/juno-intents/cctp-bridge/internal/metrics"
	"github.com/juno-intents/cctp-bridge/internal/payload"
)

const (
	// DefaultMandatoryDomain is Starknet's domain id.
	DefaultMandatoryDomain uint32 = 25

	DefaultPendingLimit = 100
)

var ErrInvalidConfig = errors.New("orchestrator: invalid config")

// AttestationClient is the subset of attestation.Client the orchestrator uses.
type AttestationClient interface {
	GetMessages(ctx context.Context, sourceDomain uint32, txHash string) ([]attestation.Message, error)
	CheckDelivery(ctx context.Context, sourceDomain uint32, txHash string, destIsMandatory bool) (bool, error)
}

type Config struct {
	MandatoryDomain uint32
	// FastFee is the max fee offered on fast transfers. Must be > 0.
	FastFee *big.Int
	// BurnFetchTimeout bounds the best-effort message lookup in RecordBurn.
	BurnFetchTimeout time.Duration
	// PendingStaleness skips transfers polled more recently than this.
	PendingStaleness time.Duration

	Now   func() time.Time
	NewID func() string
}

func DefaultConfig() Config {
	return Config{
		MandatoryDomain:  DefaultMandatoryDomain,
		FastFee:          big.NewInt(1000),
		BurnFetchTimeout: 3 * time.Second,
		PendingStaleness: 5 * time.Second,
	}
}

type Orchestrator struct {
	cfg    Config
	store  bridge.Store
	reg    *chains.Registry
	client AttestationClient
	log    *slog.Logger
}

func New(cfg Config, store bridge.Store, reg *chains.Registry, client AttestationClient, log *slog.Logger) (*Orchestrator, error) {
	if store == nil || reg == nil || client == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.FastFee == nil || cfg.FastFee.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fast fee must be > 0", ErrInvalidConfig)
	}
	if cfg.BurnFetchTimeout <= 0 {
		cfg.BurnFetchTimeout = 3 * time.Second
	}
	if cfg.PendingStaleness <= 0 {
		cfg.PendingStaleness = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{cfg: cfg, store: store, reg: reg, client: client, log: log}, nil
}

func (o *Orchestrator) MandatoryDomain() uint32 { return o.cfg.MandatoryDomain }

func (o *Orchestrator) IsMandatory(domain uint32) bool { return domain == o.cfg.MandatoryDomain }

// Chains lists the registry's current table.
func (o *Orchestrator) Chains() []chains.Chain { return o.reg.List() }

type InitiateRequest struct {
	SourceDomain uint32
	DestDomain   uint32
	Amount       *big.Int
	Sender       string
	Recipient    string
	Fast         bool
}

type InitiateResult struct {
	ID          string
	Burn        payload.Payload
	Mode        TransferMode
	Transaction bridge.Transaction
}

// Initiate validates the route, builds the burn payload and persists a new
// transfer. Nothing is written unless the payload builds.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return InitiateResult{}, fmt.Errorf("%w: amount must be > 0", bridge.ErrInvalidAmount)
	}
	if err := o.checkPair(req.SourceDomain, req.DestDomain); err != nil {
		return InitiateResult{}, err
	}
	src, err := o.requireChain(req.SourceDomain)
	if err != nil {
		return InitiateResult{}, err
	}
	dst, err := o.requireChain(req.DestDomain)
	if err != nil {
		return InitiateResult{}, err
	}
	sender := strings.TrimSpace(req.Sender)
	if _, err := src.Family.ParseAddress(sender); err != nil {
		return InitiateResult{}, fmt.Errorf("%w: sender: %v", bridge.ErrInvalidAddress, err)
	}
	recipient := strings.TrimSpace(req.Recipient)

	mode := SelectMode(req.Fast, o.cfg.FastFee)
	burn, err := payload.BuildBurn(payload.BurnParams{
		Amount:               req.Amount,
		Source:               src,
		Dest:                 dst,
		Sender:               sender,
		Recipient:            recipient,
		MinFinalityThreshold: mode.MinFinalityThreshold,
		MaxFee:               mode.MaxFee,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	tx, err := o.store.Create(ctx, bridge.Transaction{
		ID:               o.cfg.NewID(),
		SourceDomain:     src.Domain,
		DestDomain:       dst.Domain,
		Amount:           new(big.Int).Set(req.Amount),
		UserAddress:      sender,
		RecipientAddress: recipient,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	metrics.TransfersInitiated.WithLabelValues(domainLabel(src.Domain), domainLabel(dst.Domain)).Inc()
	o.log.Info("transfer initiated", "id", tx.ID, "source", src.Domain, "dest", dst.Domain, "amount", tx.Amount.String(), "fast", mode.Fast)

	return InitiateResult{ID: tx.ID, Burn: burn, Mode: mode, Transaction: tx}, nil
}

// checkPair requires exactly one side to be the mandatory endpoint.
func (o *Orchestrator) checkPair(src, dst uint32) error {
	if o.IsMandatory(src) == o.IsMandatory(dst) {
		return fmt.Errorf("%w: exactly one of %d and %d must be domain %d", bridge.ErrInvalidPair, src, dst, o.cfg.MandatoryDomain)
	}
	return nil
}

func (o *Orchestrator) requireChain(domain uint32) (chains.Chain, error) {
	c, err := o.reg.Require(domain)
	if err != nil {
		return chains.Chain{}, fmt.Errorf("%w: %v", bridge.ErrUnknownChain, err)
	}
	return c, nil
}

// RecordBurn stores the burn hash reported by the caller and returns at once.
// Without message bytes a single lookup runs in the background under
// BurnFetchTimeout; a failed lookup is logged and left to the poller.
func (o *Orchestrator) RecordBurn(ctx context.Context, id, txHash string, message []byte, nonce string) (bridge.Transaction, error) {
	tx, err := o.store.RecordBurn(ctx, id, bridge.BurnUpdate{TxHash: txHash, Message: message, Nonce: strings.TrimSpace(nonce)})
	if err != nil {
		return bridge.Transaction{}, err
	}
	o.log.Info("burn recorded", "id", id, "burnTxHash", tx.BurnTxHash, "hasMessage", tx.HasMessage())
	if !tx.HasMessage() {
		go o.fetchBurnMessage(context.WithoutCancel(ctx), tx)
	}
	return tx, nil
}

func (o *Orchestrator) fetchBurnMessage(ctx context.Context, tx bridge.Transaction) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BurnFetchTimeout)
	defer cancel()
	msgs, err := o.client.GetMessages(ctx, tx.SourceDomain, tx.BurnTxHash)
	if err != nil {
		o.log.Warn("burn message lookup failed", "id", tx.ID, "err", err)
		return
	}
	m, ok := firstWithMessage(msgs)
	if !ok {
		return
	}
	if _, err := o.store.RecordMessage(ctx, tx.ID, m.Message, messageNonce(m)); err != nil {
		o.log.Warn("record burn message", "id", tx.ID, "err", err)
	}
}

// Check is the outcome of one attestation check.
type Check struct {
	Attestation []byte
	Ready       bool
	Transaction bridge.Transaction
}

// CheckAttestation polls the attestation service once for id. Transfers that
// already hold an attestation are answered from the store without writes.
// Every poll that reaches the service counts as an attempt, whatever it
// returns.
func (o *Orchestrator) CheckAttestation(ctx context.Context, id string) (Check, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return Check{}, err
	}
	if tx.HasAttestation() {
		return Check{Attestation: tx.Attestation, Ready: true, Transaction: tx}, nil
	}
	if tx.Status != bridge.StatusBurned || tx.BurnTxHash == "" {
		return Check{Transaction: tx}, nil
	}

	msgs, lookupErr := o.client.GetMessages(ctx, tx.SourceDomain, tx.BurnTxHash)
	now := o.cfg.Now()

	if lookupErr == nil {
		if m, ok := firstReady(msgs); ok {
			cur, applied, err := o.store.ApplyAttestation(ctx, id, bridge.AttestationUpdate{
				Message:     m.Message,
				Nonce:       messageNonce(m),
				Attestation: m.Attestation,
			}, now)
			if err != nil {
				return Check{Transaction: tx}, err
			}
			if applied {
				o.log.Info("attestation applied", "id", id, "attempts", cur.AttestationAttempts)
			}
			if cur.HasAttestation() {
				return Check{Attestation: cur.Attestation, Ready: true, Transaction: cur}, nil
			}
			return Check{Transaction: cur}, nil
		}
	}

	cur, err := o.store.RecordAttempt(ctx, id, now)
	if err != nil {
		return Check{Transaction: tx}, err
	}
	if lookupErr != nil {
		return Check{Transaction: cur}, lookupErr
	}
	if !cur.HasMessage() {
		if m, ok := firstWithMessage(msgs); ok {
			if withMsg, err := o.store.RecordMessage(ctx, id, m.Message, messageNonce(m)); err == nil {
				cur = withMsg
			} else {
				o.log.Warn("record pending message", "id", id, "err", err)
			}
		}
	}
	return Check{Transaction: cur}, nil
}

// CheckDelivery asks whether the mint already happened without the caller,
// and completes the transfer if so.
func (o *Orchestrator) CheckDelivery(ctx context.Context, id string) (bool, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch tx.Status {
	case bridge.StatusCompleted:
		return true, nil
	case bridge.StatusAttested, bridge.StatusMinting:
	default:
		return false, nil
	}

	delivered, err := o.client.CheckDelivery(ctx, tx.SourceDomain, tx.BurnTxHash, o.IsMandatory(tx.DestDomain))
	if err != nil || !delivered {
		return false, err
	}

	// Keep a mint hash the caller already reported.
	hash, auto := tx.MintTxHash, false
	if hash == "" {
		hash, auto = bridge.AutoMintTxHash, true
	}
	done, err := o.store.CompleteMint(ctx, id, hash, auto)
	if err != nil {
		return false, err
	}
	path := "caller"
	if auto {
		path = "auto"
	}
	metrics.TransfersCompleted.WithLabelValues(path).Inc()
	o.log.Info("transfer delivered", "id", id, "mintTxHash", done.MintTxHash, "autoMinted", done.AutoMinted)
	return true, nil
}

// Status is a transfer plus the mint payload derived from its current
// message and attestation.
type Status struct {
	Transaction bridge.Transaction
	Mint        *payload.Payload
}

func (o *Orchestrator) GetTransactionStatus(ctx context.Context, id string) (Status, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Transaction: tx}
	if !tx.HasMessage() || !tx.HasAttestation() {
		return st, nil
	}
	// A chain disabled after initiation can still be minted on.
	dst, ok := o.reg.Get(tx.DestDomain)
	if !ok {
		o.log.Warn("mint payload: destination not registered", "id", id, "dest", tx.DestDomain)
		return st, nil
	}
	p := payload.MintParams{
		Dest:        dst,
		Message:     tx.MessageBytes,
		Attestation: tx.Attestation,
	}
	if dst.Family == chains.FamilySolana {
		p.Payer = tx.RecipientAddress
	}
	mint, err := payload.BuildMint(p)
	if err != nil {
		o.log.Warn("mint payload", "id", id, "err", err)
		return st, nil
	}
	st.Mint = &mint
	return st, nil
}

// BeginMint records that the caller broadcast a mint that has not landed yet.
func (o *Orchestrator) BeginMint(ctx context.Context, id, txHash string) (bridge.Transaction, error) {
	tx, err := o.store.MarkMinting(ctx, id, txHash)
	if err != nil {
		return bridge.Transaction{}, err
	}
	o.log.Info("mint submitted", "id", id, "mintTxHash", tx.MintTxHash)
	return tx, nil
}

func (o *Orchestrator) RecordMint(ctx context.Context, id, txHash string) (bridge.Transaction, error) {
	before, err := o.store.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	tx, err := o.store.CompleteMint(ctx, id, txHash, false)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if before.Status != bridge.StatusCompleted {
		metrics.TransfersCompleted.WithLabelValues("caller").Inc()
		o.log.Info("mint recorded", "id", id, "mintTxHash", tx.MintTxHash)
	}
	return tx, nil
}

func (o *Orchestrator) MarkFailed(ctx context.Context, id, reason string) (bridge.Transaction, error) {
	return o.fail(ctx, id, reason, "manual")
}

// ExpireAttestation fails a transfer whose attestation never arrived. A
// transfer that was attested or failed in the meantime is returned unchanged.
func (o *Orchestrator) ExpireAttestation(ctx context.Context, id string, attempts int) (bridge.Transaction, error) {
	reason := fmt.Sprintf("%v after %d attempts", bridge.ErrAttestationTimeout, attempts)
	tx, applied, err := o.store.ExpireAttestation(ctx, id, reason)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if !applied {
		o.log.Info("attestation expiry skipped", "id", id, "status", tx.Status, "attestationStatus", tx.AttestationStatus)
		return tx, nil
	}
	metrics.TransfersFailed.WithLabelValues("attestation_timeout").Inc()
	o.log.Error("transfer failed", "id", id, "reason", tx.ErrorMessage)
	return tx, nil
}

func (o *Orchestrator) fail(ctx context.Context, id, reason, class string) (bridge.Transaction, error) {
	before, err := o.store.Get(ctx, id)
	if err != nil {
		return bridge.Transaction{}, err
	}
	tx, err := o.store.MarkFailed(ctx, id, reason)
	if err != nil {
		return bridge.Transaction{}, err
	}
	if before.Status != bridge.StatusFailed {
		metrics.TransfersFailed.WithLabelValues(class).Inc()
		o.log.Error("transfer failed", "id", id, "reason", tx.ErrorMessage)
	}
	return tx, nil
}

// GetPendingAttestations returns burned transfers waiting on an attestation
// that were not polled in the last PendingStaleness, oldest first. It has no
// side effects.
func (o *Orchestrator) GetPendingAttestations(ctx context.Context, limit int) ([]bridge.Transaction, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return o.store.ListPendingAttestations(ctx, o.cfg.Now().Add(-o.cfg.PendingStaleness), limit)
}

// GetAwaitingDelivery returns attested transfers to the mandatory endpoint,
// which may be minted without the caller.
func (o *Orchestrator) GetAwaitingDelivery(ctx context.Context, limit int) ([]bridge.Transaction, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return o.store.ListAwaitingDelivery(ctx, o.cfg.MandatoryDomain, limit)
}

func firstReady(msgs []attestation.Message) (attestation.Message, bool) {
	for _, m := range msgs {
		if m.Ready() {
			return m, true
		}
	}
	return attestation.Message{}, false
}

func firstWithMessage(msgs []attestation.Message) (attestation.Message, bool) {
	for _, m := range msgs {
		if len(m.Message) > 0 {
			return m, true
		}
	}
	return attestation.Message{}, false
}

// messageNonce prefers the service's eventNonce and falls back to the nonce
// field of the message header.
func messageNonce(m attestation.Message) string {
	if n := strings.TrimSpace(m.EventNonce); n != "" {
		return n
	}
	if len(m.Message) == 0 {
		return ""
	}
	h, err := payload.ParseMessage(m.Message)
	if err != nil {
		return ""
	}
	return h.NonceHex()
}

func domainLabel(d uint32) string { return strconv.FormatUint(uint64(d), 10) }

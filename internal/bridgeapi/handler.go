// Package bridgeapi exposes the transfer lifecycle over HTTP: chain listing,
// burn payload construction, burn/mint reporting and status reads.
package bridgeapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juno-intents/cctp-bridge/internal/bridge"
	"github.com/juno-intents/cctp-bridge/internal/chains"
	"github.com/juno-intents/cctp-bridge/internal/orchestrator"
	"github.com/juno-intents/cctp-bridge/internal/payload"
	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("bridgeapi: invalid config")

const maxBodyBytes = 1 << 20

// Service is the subset of orchestrator.Orchestrator the API drives.
type Service interface {
	MandatoryDomain() uint32
	Chains() []chains.Chain
	Initiate(ctx context.Context, req orchestrator.InitiateRequest) (orchestrator.InitiateResult, error)
	RecordBurn(ctx context.Context, id, txHash string, message []byte, nonce string) (bridge.Transaction, error)
	CheckAttestation(ctx context.Context, id string) (orchestrator.Check, error)
	GetTransactionStatus(ctx context.Context, id string) (orchestrator.Status, error)
	BeginMint(ctx context.Context, id, txHash string) (bridge.Transaction, error)
	RecordMint(ctx context.Context, id, txHash string) (bridge.Transaction, error)
	MarkFailed(ctx context.Context, id, reason string) (bridge.Transaction, error)
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
	Log *slog.Logger
}

func NewHandler(cfg Config, svc Service) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg: cfg,
		svc: svc,
		log: cfg.Log,
		limiter: newIPRateLimiter(
			rate.Limit(cfg.RateLimitPerIPPerSecond),
			cfg.RateLimitBurst,
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/chains", h.handleChains)
	mux.HandleFunc("POST /v1/transfers", h.handleInitiate)
	mux.HandleFunc("GET /v1/transfers/{id}", h.handleStatus)
	mux.HandleFunc("POST /v1/transfers/{id}/burn", h.handleBurn)
	mux.HandleFunc("POST /v1/transfers/{id}/attestation", h.handleAttestation)
	mux.HandleFunc("POST /v1/transfers/{id}/minting", h.handleMinting)
	mux.HandleFunc("POST /v1/transfers/{id}/mint", h.handleMint)
	mux.HandleFunc("POST /v1/transfers/{id}/fail", h.handleFail)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		allowed := h.limiter.Allow(clientIP(r), h.cfg.Now().UTC())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	svc     Service
	log     *slog.Logger
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleChains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         "v1",
		"mandatoryDomain": h.svc.MandatoryDomain(),
		"chains":          h.svc.Chains(),
	})
}

type initiateRequestBody struct {
	SourceDomain *uint32 `json:"sourceDomain"`
	DestDomain   *uint32 `json:"destDomain"`
	Amount       string  `json:"amount"`
	Sender       string  `json:"sender"`
	Recipient    string  `json:"recipient"`
	Fast         bool    `json:"fast"`
}

func (h *handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[initiateRequestBody](w, r)
	if !ok {
		return
	}
	if body.SourceDomain == nil || body.DestDomain == nil {
		writeError(w, http.StatusBadRequest, "invalid_domain", "sourceDomain and destDomain are required")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}

	res, err := h.svc.Initiate(r.Context(), orchestrator.InitiateRequest{
		SourceDomain: *body.SourceDomain,
		DestDomain:   *body.DestDomain,
		Amount:       amount,
		Sender:       body.Sender,
		Recipient:    body.Recipient,
		Fast:         body.Fast,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":     "v1",
		"id":          res.ID,
		"mode":        res.Mode,
		"burn":        res.Burn,
		"transaction": newTransferView(res.Transaction),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetTransactionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, st.Transaction, st.Mint)
}

type burnRequestBody struct {
	TxHash     string `json:"txHash"`
	MessageHex string `json:"messageHex"`
	Nonce      string `json:"nonce"`
}

func (h *handler) handleBurn(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[burnRequestBody](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.TxHash) == "" {
		writeError(w, http.StatusBadRequest, "invalid_tx_hash", "txHash is required")
		return
	}
	var msg []byte
	if strings.TrimSpace(body.MessageHex) != "" {
		b, err := decodeHexBytes(body.MessageHex)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
			return
		}
		msg = b
	}

	tx, err := h.svc.RecordBurn(r.Context(), r.PathValue("id"), body.TxHash, msg, body.Nonce)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, tx, nil)
}

func (h *handler) handleAttestation(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CheckAttestation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{
		"version":     "v1",
		"ready":       c.Ready,
		"transaction": newTransferView(c.Transaction),
	}
	if c.Ready {
		resp["attestationHex"] = hexOrEmpty(c.Attestation)
	}
	writeJSON(w, http.StatusOK, resp)
}

type mintRequestBody struct {
	TxHash string `json:"txHash"`
}

func (h *handler) handleMinting(w http.ResponseWriter, r *http.Request) {
	h.handleMintReport(w, r, h.svc.BeginMint)
}

func (h *handler) handleMint(w http.ResponseWriter, r *http.Request) {
	h.handleMintReport(w, r, h.svc.RecordMint)
}

func (h *handler) handleMintReport(w http.ResponseWriter, r *http.Request, record func(context.Context, string, string) (bridge.Transaction, error)) {
	body, ok := decodeJSONBody[mintRequestBody](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.TxHash) == "" {
		writeError(w, http.StatusBadRequest, "invalid_tx_hash", "txHash is required")
		return
	}
	tx, err := record(r.Context(), r.PathValue("id"), body.TxHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, tx, nil)
}

type failRequestBody struct {
	Reason string `json:"reason"`
}

func (h *handler) handleFail(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[failRequestBody](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "invalid_reason", "reason is required")
		return
	}
	tx, err := h.svc.MarkFailed(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, tx, nil)
}

// writeServiceError maps an orchestrator error to a status code. Internal
// errors are logged and reported without detail.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := bridge.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case bridge.KindValidation:
		code = http.StatusBadRequest
	case bridge.KindNotFound:
		code = http.StatusNotFound
	case bridge.KindConflict, bridge.KindExhausted:
		code = http.StatusConflict
	case bridge.KindTransient:
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, code, "internal", "")
		return
	}
	writeError(w, code, kind.String(), err.Error())
}

// transferView is the wire form of a transfer. Byte fields are 0x-hex and
// amounts are decimal strings.
type transferView struct {
	ID                   string     `json:"id"`
	SourceDomain         uint32     `json:"sourceDomain"`
	DestDomain           uint32     `json:"destDomain"`
	Amount               string     `json:"amount"`
	UserAddress          string     `json:"userAddress"`
	RecipientAddress     string     `json:"recipientAddress"`
	BurnTxHash           string     `json:"burnTxHash,omitempty"`
	MessageHex           string     `json:"messageHex,omitempty"`
	MessageHash          string     `json:"messageHash,omitempty"`
	Nonce                string     `json:"nonce,omitempty"`
	AttestationHex       string     `json:"attestationHex,omitempty"`
	AttestationStatus    string     `json:"attestationStatus"`
	AttestationAttempts  int        `json:"attestationAttempts"`
	LastAttestationCheck *time.Time `json:"lastAttestationCheck,omitempty"`
	MintTxHash           string     `json:"mintTxHash,omitempty"`
	AutoMinted           bool       `json:"autoMinted"`
	Status               string     `json:"status"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func newTransferView(tx bridge.Transaction) transferView {
	amount := ""
	if tx.Amount != nil {
		amount = tx.Amount.String()
	}
	return transferView{
		ID:                   tx.ID,
		SourceDomain:         tx.SourceDomain,
		DestDomain:           tx.DestDomain,
		Amount:               amount,
		UserAddress:          tx.UserAddress,
		RecipientAddress:     tx.RecipientAddress,
		BurnTxHash:           tx.BurnTxHash,
		MessageHex:           hexOrEmpty(tx.MessageBytes),
		MessageHash:          hexOrEmpty(tx.MessageHash),
		Nonce:                tx.Nonce,
		AttestationHex:       hexOrEmpty(tx.Attestation),
		AttestationStatus:    string(tx.AttestationStatus),
		AttestationAttempts:  tx.AttestationAttempts,
		LastAttestationCheck: tx.LastAttestationCheck,
		MintTxHash:           tx.MintTxHash,
		AutoMinted:           tx.AutoMinted,
		Status:               string(tx.Status),
		ErrorMessage:         tx.ErrorMessage,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}
}

func writeTransfer(w http.ResponseWriter, code int, tx bridge.Transaction, mint *payload.Payload) {
	resp := map[string]any{
		"version":     "v1",
		"transaction": newTransferView(tx),
	}
	if mint != nil {
		resp["mint"] = mint
	}
	writeJSON(w, code, resp)
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, errors.New("amount must be a positive integer in base units")
	}
	return v, nil
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	body := map[string]any{
		"version": "v1",
		"error":   kind,
	}
	if msg != "" {
		body["message"] = msg
	}
	writeJSON(w, code, body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return out, false
	}
	return out, true
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address, evicting the
// least recently seen address once maxTracked is reached.
type ipRateLimiter struct {
	mu sync.Mutex

	limit      rate.Limit
	burst      int
	maxTracked int
	states     map[string]*ipLimiter
}

func newIPRateLimiter(limit rate.Limit, burst, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		limit:      limit,
		burst:      burst,
		maxTracked: maxTracked,
		states:     make(map[string]*ipLimiter),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTracked {
			l.evictOne()
		}
		st = &ipLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.states[ip] = st
	}
	st.lastSeen = now
	return st.lim.AllowN(now, 1)
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	for ip, st := range l.states {
		if oldestIP == "" || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
		}
	}
	delete(l.states, oldestIP)
}

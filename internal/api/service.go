// Package api exposes the vault engine over HTTP and WebSocket.
//
// Amounts are integers in base units. The acting account is taken from the
// X-Caller-Address header; authentication of that header is left to the
// gateway in front of the service.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/codec"
	"github.com/zkvault/vault-engine/internal/engine"
	"github.com/zkvault/vault-engine/internal/epoch"
	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/instrument"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

// CallerHeader carries the address of the account making the request.
const CallerHeader = "X-Caller-Address"

const (
	defaultTradePage = 100
	maxTradePage     = 1000
)

// Service serves the engine's commands and reads.
type Service struct {
	engine      *engine.Engine
	instruments *instrument.Registry
}

// NewService creates a new API service. A nil registry accepts raw
// instrument addresses and unregistered pairs only.
func NewService(e *engine.Engine, instruments *instrument.Registry) *Service {
	return &Service{engine: e, instruments: instruments}
}

// Routes registers the /api/v1 endpoints on r. The WebSocket endpoint is
// registered by the caller since the hub outlives the router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/vault", s.GetVault)
	r.Get("/vault/positions", s.ListPositions)
	r.Get("/vault/positions/{address}", s.GetPosition)
	r.Post("/vault/deposit", s.Deposit)
	r.Post("/vault/withdraw", s.Withdraw)
	r.Post("/vault/profit", s.UpdateProfit)
	r.Post("/vault/pause", s.EmergencyPause)

	r.Get("/trader", s.GetTrader)
	r.Post("/trader/trades", s.ExecuteTrade)
	r.Post("/trader/vault", s.SetVault)
	r.Post("/trader/withdraw", s.WithdrawProfit)

	r.Get("/ledger/stats", s.GetLedgerStats)
	r.Get("/ledger/trades", s.ListTrades)
	r.Get("/ledger/trades/{index}", s.GetTrade)

	r.Get("/epochs", s.ListEpochs)
	r.Get("/epochs/current", s.GetCurrentEpoch)
	r.Post("/epochs/close", s.CloseEpoch)
	r.Get("/epochs/{epochID}", s.GetEpoch)
	r.Get("/epochs/{epochID}/inputs", s.GetExpectedInputs)
	r.Post("/epochs/{epochID}/proof", s.SubmitProof)

	r.Post("/messages", s.PostMessage)
}

// --- Request/Response types ---

// AmountRequest is the JSON body of the single-amount commands. QueryID is
// optional; a repeated non-zero id from the same caller is rejected.
type AmountRequest struct {
	QueryID uint64 `json:"query_id"`
	Amount  uint64 `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /vault/withdraw.
type WithdrawRequest struct {
	QueryID uint64 `json:"query_id"`
	Shares  uint64 `json:"shares"`
}

// ProfitRequest is the JSON body for POST /vault/profit.
type ProfitRequest struct {
	QueryID        uint64 `json:"query_id"`
	NewTotalProfit uint64 `json:"new_total_profit"`
}

// TradeRequest is the JSON body for POST /trader/trades.
type TradeRequest struct {
	QueryID    uint64 `json:"query_id"`
	Side       string `json:"side"`       // "BUY" or "SELL"
	Amount     uint64 `json:"amount"`     // base units, > 0
	Instrument string `json:"instrument"` // "BASE/QUOTE" or an address
	PnL        int64  `json:"pnl"`
}

// SetVaultRequest is the JSON body for POST /trader/vault.
type SetVaultRequest struct {
	QueryID uint64 `json:"query_id"`
	Vault   string `json:"vault"`
}

// CloseEpochRequest is the JSON body for POST /epochs/close. The
// commitments are produced off-engine by the prover's pipeline.
type CloseEpochRequest struct {
	PriceCommitment    ledger.Hash `json:"price_commitment"`
	PositionCommitment ledger.Hash `json:"position_commitment"`
}

// ProofRequest is the JSON body for POST /epochs/{epochID}/proof.
type ProofRequest struct {
	PublicInputs epoch.PublicInputs `json:"public_inputs"`
	Proof        string             `json:"proof"` // hex, optional 0x prefix
	ProofRef     string             `json:"proof_ref,omitempty"`
}

// MessageRequest is the JSON body for POST /messages: one binary-encoded
// message, hex encoded.
type MessageRequest struct {
	Body string `json:"body"`
}

// VaultResponse is returned by GET /vault.
type VaultResponse struct {
	Address       ledger.Address   `json:"address"`
	TraderGate    ledger.Address   `json:"trader_gate"`
	Ledger        ledger.Address   `json:"ledger"`
	State         model.VaultState `json:"state"`
	PricePerShare decimal.Decimal  `json:"price_per_share"`
	HighWaterMark decimal.Decimal  `json:"high_water_mark"`
	FeeBps        uint64           `json:"fee_bps"`
	Limits        risk.Limits      `json:"risk_limits"`
}

// EpochResult is returned by the epoch commands.
type EpochResult struct {
	Epoch   model.Epoch   `json:"epoch"`
	QueryID uint64        `json:"query_id"`
	Events  []model.Event `json:"events"`
}

// --- Vault ---

// GetVault handles GET /api/v1/vault
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	state := s.engine.Vault()
	state.Balances = nil // served per account by /vault/positions

	writeJSON(w, VaultResponse{
		Address:       cfg.Vault,
		TraderGate:    cfg.TraderGate,
		Ledger:        cfg.Ledger,
		State:         state,
		PricePerShare: s.engine.PricePerShare(),
		HighWaterMark: s.engine.HighWaterMark(),
		FeeBps:        cfg.FeeBps,
		Limits:        s.engine.Limits(),
	})
}

// ListPositions handles GET /api/v1/vault/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions()
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positions)
}

// GetPosition handles GET /api/v1/vault/positions/{address}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.engine.Position(addr))
}

// Deposit handles POST /api/v1/vault/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Deposit(r.Context(), caller, req.QueryID, req.Amount)
	writeResult(w, res, err)
}

// Withdraw handles POST /api/v1/vault/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Withdraw(r.Context(), caller, req.QueryID, req.Shares)
	writeResult(w, res, err)
}

// UpdateProfit handles POST /api/v1/vault/profit
func (s *Service) UpdateProfit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req ProfitRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.UpdateProfit(r.Context(), caller, req.QueryID, req.NewTotalProfit)
	writeResult(w, res, err)
}

// EmergencyPause handles POST /api/v1/vault/pause. Each call toggles the
// pause flag; the body is optional.
func (s *Service) EmergencyPause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		QueryID uint64 `json:"query_id"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := s.engine.EmergencyPause(r.Context(), caller, req.QueryID)
	writeResult(w, res, err)
}

// --- Trader ---

// GetTrader handles GET /api/v1/trader
func (s *Service) GetTrader(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Trader())
}

// ExecuteTrade handles POST /api/v1/trader/trades
// The trade is logged, then mirrored to the linked vault.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}

	side, err := ledger.ParseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Instrument == "" {
		writeErrorMsg(w, "instrument is required", http.StatusBadRequest)
		return
	}
	inst, err := s.instruments.Resolve(req.Instrument)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.engine.ExecuteTrade(r.Context(), caller, req.QueryID, tradergate.ExecuteTrade{
		Side:       side,
		Amount:     req.Amount,
		Instrument: inst.Address,
		PnL:        req.PnL,
	})
	writeResult(w, res, err)
}

// SetVault handles POST /api/v1/trader/vault
func (s *Service) SetVault(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req SetVaultRequest
	if !decode(w, r, &req) {
		return
	}
	addr, err := ledger.ParseAddress(req.Vault)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.SetVault(r.Context(), caller, req.QueryID, addr)
	writeResult(w, res, err)
}

// WithdrawProfit handles POST /api/v1/trader/withdraw
func (s *Service) WithdrawProfit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.WithdrawProfit(r.Context(), caller, req.QueryID, req.Amount)
	writeResult(w, res, err)
}

// --- Ledger ---

// GetLedgerStats handles GET /api/v1/ledger/stats
func (s *Service) GetLedgerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.LedgerStats())
}

// ListTrades handles GET /api/v1/ledger/trades?from=0&limit=100
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from uint64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeErrorMsg(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = n
	}
	limit := defaultTradePage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErrorMsg(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradePage)
	}

	trades := s.engine.Trades(from, limit)
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, trades)
}

// GetTrade handles GET /api/v1/ledger/trades/{index}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeErrorMsg(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.Trade(index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

// --- Epochs ---

// ListEpochs handles GET /api/v1/epochs, newest first.
func (s *Service) ListEpochs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Epochs())
}

// GetCurrentEpoch handles GET /api/v1/epochs/current
func (s *Service) GetCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.CurrentEpoch())
}

// GetEpoch handles GET /api/v1/epochs/{epochID}
func (s *Service) GetEpoch(w http.ResponseWriter, r *http.Request) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	ep, err := s.engine.Epoch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ep)
}

// GetExpectedInputs handles GET /api/v1/epochs/{epochID}/inputs. It
// returns the public inputs a proof must carry, with Risk left for the
// prover to fill in.
func (s *Service) GetExpectedInputs(w http.ResponseWriter, r *http.Request) {
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	in, err := s.engine.ExpectedInputs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, in)
}

// CloseEpoch handles POST /api/v1/epochs/close
func (s *Service) CloseEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req CloseEpochRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ep, res, err := s.engine.CloseEpoch(r.Context(), caller, req.PriceCommitment, req.PositionCommitment)
	writeEpochResult(w, ep, res, err)
}

// SubmitProof handles POST /api/v1/epochs/{epochID}/proof
// The response carries the settled epoch; a REJECTED epoch is a
// successful request.
func (s *Service) SubmitProof(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := epochID(w, r)
	if !ok {
		return
	}
	var req ProofRequest
	if !decode(w, r, &req) {
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		writeErrorMsg(w, "proof must be hex encoded", http.StatusBadRequest)
		return
	}

	ep, res, err := s.engine.SubmitProof(r.Context(), caller, epoch.Submission{
		EpochID:  id,
		Inputs:   req.PublicInputs,
		Proof:    proof,
		ProofRef: req.ProofRef,
	})
	writeEpochResult(w, ep, res, err)
}

// --- Raw messages ---

// PostMessage handles POST /api/v1/messages
// The body is decoded with the binary codec and routed by opcode to the
// vault, the trader gate or the ledger. Messages only components send to
// each other (mirrorTrade, creditProfit, logTrade) are refused.
func (s *Service) PostMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.Body, "0x"))
	if err != nil {
		writeErrorMsg(w, "body must be hex encoded", http.StatusBadRequest)
		return
	}
	queryID, body, err := codec.Decode(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg := s.engine.Config()
	var to ledger.Address
	switch body.(type) {
	case vault.MirrorTrade, tradergate.CreditProfit, epochlog.LogTrade:
		writeErrorMsg(w, "opcode "+body.Opcode().String()+" is not accepted from outside", http.StatusForbidden)
		return
	case vault.Op:
		to = cfg.Vault
	case tradergate.Op:
		to = cfg.TraderGate
	case epochlog.Op:
		to = cfg.Ledger
	default:
		writeErrorMsg(w, "opcode "+body.Opcode().String()+" is not accepted from outside", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Dispatch(r.Context(), ledger.NewEnvelope(queryID, caller, to, body))
	writeResult(w, res, err)
}

// --- Helpers ---

// callerFrom reads the caller address. Component accounts only send
// messages to each other and are refused as external callers.
func (s *Service) callerFrom(w http.ResponseWriter, r *http.Request) (ledger.Address, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		writeErrorMsg(w, CallerHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	addr, err := ledger.ParseAddress(raw)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	cfg := s.engine.Config()
	switch addr {
	case cfg.Vault, cfg.TraderGate, cfg.Ledger:
		writeErrorMsg(w, "component accounts cannot call from outside", http.StatusForbidden)
		return "", false
	}
	return addr, true
}

func epochID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "epochID"), 10, 64)
	if err != nil {
		writeErrorMsg(w, "epoch id must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var textErr *json.UnmarshalTypeError
		if errors.As(err, &textErr) {
			writeErrorMsg(w, "invalid value for "+textErr.Field, http.StatusBadRequest)
			return false
		}
		writeErrorMsg(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res engine.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Events == nil {
		res.Events = []model.Event{}
	}
	writeJSON(w, res)
}

func writeEpochResult(w http.ResponseWriter, ep model.Epoch, res engine.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Events == nil {
		res.Events = []model.Event{}
	}
	writeJSON(w, EpochResult{Epoch: ep, QueryID: res.QueryID, Events: res.Events})
}

// Package engine wires the vault components together and is the single
// writer over their state.
//
// Every operation runs under one lock: the inbound envelope is handled by
// its destination, the envelopes it produces are delivered in send order,
// and the resulting state is committed to the store together. If the
// commit fails every component is rolled back to the state before the
// operation. A downstream handler that rejects its envelope does not undo
// the operation that sent it; the rejection is recorded as a bounced event,
// the same way an asynchronous message bounces between on-chain accounts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zkvault/vault-engine/internal/epoch"
	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/metrics"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
	"github.com/zkvault/vault-engine/internal/store"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

var (
	ErrDuplicate          = errors.New("engine: duplicate query id")
	ErrUnknownDestination = errors.New("engine: unknown destination")
	ErrPersist            = errors.New("engine: persist failed")
	ErrDeliveryLimit      = errors.New("engine: delivery limit exceeded")
	ErrInvalidConfig      = errors.New("engine: invalid config")
)

// maxDeliveries bounds the envelopes one operation may fan out to.
const maxDeliveries = 64

// DefaultDedupeWindow is the number of (sender, query id) pairs remembered.
const DefaultDedupeWindow = 4096

// Component is an addressable state machine.
type Component interface {
	Address() ledger.Address
	Handle(env ledger.Envelope) (model.Outcome, error)
}

// Broadcaster receives the events of committed operations. Publish must
// not block.
type Broadcaster interface {
	Publish(ev model.Event)
}

// TransferSink settles outbound asset transfers of committed operations.
type TransferSink interface {
	Transfer(ctx context.Context, env ledger.Envelope) error
}

// Config names the accounts and policy of one vault deployment.
type Config struct {
	Owner        ledger.Address // vault owner and ledger owner
	Trader       ledger.Address // trader behind the gate
	Vault        ledger.Address
	TraderGate   ledger.Address
	Ledger       ledger.Address
	Limits       risk.Limits
	FeeBps       uint64
	DedupeWindow int
}

func (c Config) validate() error {
	addrs := map[string]ledger.Address{
		"owner": c.Owner, "trader": c.Trader,
		"vault": c.Vault, "trader_gate": c.TraderGate, "ledger": c.Ledger,
	}
	for name, a := range addrs {
		if a.IsZero() {
			return fmt.Errorf("%w: %s address is empty", ErrInvalidConfig, name)
		}
	}
	if c.Vault == c.TraderGate || c.Vault == c.Ledger || c.TraderGate == c.Ledger {
		return fmt.Errorf("%w: component addresses must be distinct", ErrInvalidConfig)
	}
	if c.FeeBps > risk.BpsDenominator {
		return fmt.Errorf("%w: fee %d bps exceeds %d", ErrInvalidConfig, c.FeeBps, risk.BpsDenominator)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Result is what a committed operation produced.
type Result struct {
	QueryID   uint64            `json:"query_id"`
	Events    []model.Event     `json:"events"`
	Transfers []ledger.Envelope `json:"-"`
}

// Engine is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	vault      *vault.Vault
	gate       *tradergate.Gate
	ledger     *epochlog.Ledger
	epochs     *epoch.Machine
	components map[ledger.Address]Component
	store      store.Store
	seq        ledger.Sequence
	seen       *dedupe
	sink       TransferSink
	bus        Broadcaster
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for trade and epoch timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBroadcaster publishes committed events, e.g. to the WebSocket hub.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.bus = b }
}

// WithTransferSink hands outbound transfers to a settlement collaborator.
// Without one, transfers are only logged.
func WithTransferSink(s TransferSink) Option {
	return func(e *Engine) { e.sink = s }
}

// New builds the components for cfg. Call Open before serving to restore
// persisted state.
func New(cfg Config, st store.Store, oracle epoch.Oracle, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}

	e := &Engine{
		cfg:   cfg,
		store: st,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = logSink{}
	}
	e.seen = newDedupe(cfg.DedupeWindow)

	e.vault = vault.New(cfg.Vault, cfg.Owner, cfg.TraderGate)
	e.gate = tradergate.New(cfg.TraderGate, cfg.Trader, cfg.Ledger, cfg.Vault, tradergate.WithClock(e.now))
	e.ledger = epochlog.New(cfg.Ledger, cfg.Owner, cfg.TraderGate)
	e.epochs = epoch.New(epoch.Config{
		Owner:      cfg.Owner,
		Vault:      cfg.Vault,
		TraderGate: cfg.TraderGate,
		Ledger:     cfg.Ledger,
		Limits:     cfg.Limits,
		FeeBps:     cfg.FeeBps,
	}, e.vault, e.ledger, e.gate, oracle, epoch.WithClock(e.now))

	e.components = map[ledger.Address]Component{
		cfg.Vault:      e.vault,
		cfg.TraderGate: e.gate,
		cfg.Ledger:     e.ledger,
	}
	return e, nil
}

// Open restores the last committed snapshot and trade records. A store
// without a snapshot leaves the engine in its initial state.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.LoadSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no persisted state, starting fresh", "vault", e.cfg.Vault)
		e.observe()
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: load snapshot: %w", err)
	}
	trades, err := e.store.ListTrades(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("engine: load trades: %w", err)
	}

	if err := e.ledger.Restore(snap.Ledger, trades); err != nil {
		return fmt.Errorf("engine: restore ledger: %w", err)
	}
	if err := e.epochs.Restore(snap.Epochs); err != nil {
		return fmt.Errorf("engine: restore epochs: %w", err)
	}
	e.vault.Restore(snap.Vault)
	e.gate.Restore(snap.Trader)
	e.seq.Observe(snap.LastQueryID)
	e.observe()

	cur := e.epochs.Current()
	slog.Info("engine state restored",
		"trades", len(trades),
		"total_assets", snap.Vault.TotalAssets,
		"total_shares", snap.Vault.TotalShares,
		"epoch_id", cur.ID,
		"updated_at", snap.UpdatedAt,
	)
	return nil
}

// Dispatch runs one inbound envelope to completion. A non-zero QueryID
// already seen from the same sender fails with ErrDuplicate; a zero
// QueryID is assigned from the engine's sequence.
func (e *Engine) Dispatch(ctx context.Context, env ledger.Envelope) (Result, error) {
	op := env.Opcode().String()

	e.mu.Lock()
	defer e.mu.Unlock()

	key := dedupeKey{from: env.From, queryID: env.QueryID}
	if env.QueryID != 0 {
		if e.seen.has(key) {
			metrics.OperationsTotal.WithLabelValues(op, "duplicate").Inc()
			return Result{}, fmt.Errorf("%w: %d from %s", ErrDuplicate, env.QueryID, env.From)
		}
		e.seq.Observe(env.QueryID)
	} else {
		env.QueryID = e.seq.Next()
	}

	c, ok := e.components[env.To]
	if !ok {
		metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDestination, env.To)
	}

	cp := e.checkpoint()
	out, err := c.Handle(env)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
		return Result{}, err
	}

	res := Result{QueryID: env.QueryID, Events: out.Events}
	if err := e.settle(ctx, cp, &res, out.Out); err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "persist_error").Inc()
		return Result{}, err
	}
	if key.queryID != 0 {
		e.seen.add(key)
	}
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// CloseEpoch freezes the current epoch. See epoch.Machine.Close.
func (e *Engine) CloseEpoch(ctx context.Context, caller ledger.Address, priceCommitment, positionCommitment ledger.Hash) (model.Epoch, Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := e.checkpoint()
	ep, out, err := e.epochs.Close(caller, priceCommitment, positionCommitment)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("closeEpoch", "rejected").Inc()
		return model.Epoch{}, Result{}, err
	}
	res := Result{Events: out.Events}
	if err := e.settle(ctx, cp, &res, out.Out); err != nil {
		metrics.OperationsTotal.WithLabelValues("closeEpoch", "persist_error").Inc()
		return model.Epoch{}, Result{}, err
	}
	metrics.OperationsTotal.WithLabelValues("closeEpoch", "ok").Inc()
	return ep, res, nil
}

// SubmitProof settles the current closed epoch. Binding and risk checks
// run under the engine lock; the oracle is consulted with the lock
// released and the epoch marked in flight, so deposits, withdrawals and
// trades proceed meanwhile. An oracle error leaves the epoch closed and
// PENDING for a retry.
func (e *Engine) SubmitProof(ctx context.Context, caller ledger.Address, sub epoch.Submission) (model.Epoch, Result, error) {
	e.mu.Lock()
	cp := e.checkpoint()
	dec, err := e.epochs.Begin(caller, sub)
	if err != nil {
		e.mu.Unlock()
		metrics.OperationsTotal.WithLabelValues("submitProof", "rejected").Inc()
		return model.Epoch{}, Result{}, err
	}
	if dec.Settled {
		defer e.mu.Unlock()
		return e.finishProof(ctx, cp, dec.Epoch, dec.Outcome)
	}
	e.mu.Unlock()

	start := time.Now()
	valid, err := e.epochs.Verify(ctx, dec)
	result := "valid"
	switch {
	case err != nil:
		result = "error"
	case !valid:
		result = "invalid"
	}
	metrics.ProofVerifyLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		e.epochs.Abort(dec)
		slog.Warn("proof verification unavailable", "epoch_id", sub.EpochID, "err", err)
		metrics.OperationsTotal.WithLabelValues("submitProof", "oracle_error").Inc()
		return model.Epoch{}, Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp = e.checkpoint()
	ep, out, err := e.epochs.Complete(dec, valid)
	if err != nil {
		e.epochs.Abort(dec)
		metrics.OperationsTotal.WithLabelValues("submitProof", "rejected").Inc()
		return model.Epoch{}, Result{}, err
	}
	return e.finishProof(ctx, cp, ep, out)
}

// finishProof delivers and commits a terminal epoch transition. Callers
// hold e.mu.
func (e *Engine) finishProof(ctx context.Context, cp checkpoint, ep model.Epoch, out model.Outcome) (model.Epoch, Result, error) {
	res := Result{QueryID: ep.ID, Events: out.Events}
	if err := e.settle(ctx, cp, &res, out.Out); err != nil {
		metrics.OperationsTotal.WithLabelValues("submitProof", "persist_error").Inc()
		return model.Epoch{}, Result{}, err
	}
	metrics.OperationsTotal.WithLabelValues("submitProof", "ok").Inc()
	metrics.EpochsSettled.WithLabelValues(string(ep.Status)).Inc()
	return ep, res, nil
}

// settle delivers queued envelopes, commits and publishes. On a failed
// commit every component is rolled back to cp. Callers hold e.mu.
func (e *Engine) settle(ctx context.Context, cp checkpoint, res *Result, queue []ledger.Envelope) error {
	if err := e.drain(res, queue); err != nil {
		e.rollback(cp)
		return err
	}

	trades := e.ledger.Trades(cp.ledger.TradeCount, 0)
	if err := e.store.Commit(ctx, e.snapshot(), trades); err != nil {
		e.rollback(cp)
		slog.Error("commit failed, state rolled back", "err", err)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	e.publish(ctx, res, trades)
	return nil
}

// drain delivers internal envelopes breadth-first in send order. Transfers
// to addresses outside the engine are collected for the sink.
func (e *Engine) drain(res *Result, queue []ledger.Envelope) error {
	for delivered := 0; len(queue) > 0; delivered++ {
		if delivered >= maxDeliveries {
			return fmt.Errorf("%w: %d envelopes", ErrDeliveryLimit, delivered)
		}
		env := queue[0]
		queue = queue[1:]

		c, ok := e.components[env.To]
		if !ok {
			if _, isTransfer := env.Body.(ledger.Transfer); isTransfer {
				res.Transfers = append(res.Transfers, env)
				continue
			}
			e.bounce(res, env, ErrUnknownDestination)
			continue
		}

		out, err := c.Handle(env)
		if err != nil {
			e.bounce(res, env, err)
			continue
		}
		res.Events = append(res.Events, out.Events...)
		queue = append(queue, out.Out...)
	}
	return nil
}

func (e *Engine) bounce(res *Result, env ledger.Envelope, err error) {
	op := env.Opcode().String()
	slog.Warn("message bounced",
		"op", op,
		"from", env.From,
		"to", env.To,
		"query_id", env.QueryID,
		"err", err,
	)
	metrics.BouncedMessages.WithLabelValues(op).Inc()
	res.Events = append(res.Events, model.Event{
		Kind:    model.EventBounced,
		Account: env.To,
		Detail:  fmt.Sprintf("%s: %v", op, err),
	})
}

// publish runs after a successful commit. Callers hold e.mu so events
// reach subscribers in commit order.
func (e *Engine) publish(ctx context.Context, res *Result, trades []model.TradeRecord) {
	for _, t := range res.Transfers {
		if err := e.sink.Transfer(ctx, t); err != nil {
			slog.Error("outbound transfer failed",
				"to", t.To,
				"query_id", t.QueryID,
				"err", err,
			)
		}
	}
	for _, t := range trades {
		side := t.Side.String()
		metrics.TradesTotal.WithLabelValues(side).Inc()
		metrics.TradeVolume.WithLabelValues(side).Add(float64(t.Amount))
	}
	e.observe()
	if e.bus != nil {
		for _, ev := range res.Events {
			e.bus.Publish(ev)
		}
	}
}

// observe refreshes the vault gauges.
func (e *Engine) observe() {
	s := e.vault.State()
	metrics.TotalAssets.Set(float64(s.TotalAssets))
	metrics.TotalShares.Set(float64(s.TotalShares))
	paused := 0.0
	if s.IsPaused {
		paused = 1
	}
	metrics.VaultPaused.Set(paused)
}

// checkpoint is the pre-operation state used for rollback.
type checkpoint struct {
	vault  model.VaultState
	trader model.TraderState
	ledger model.LedgerStats
	epochs model.EpochState
}

func (e *Engine) checkpoint() checkpoint {
	return checkpoint{
		vault:  e.vault.Snapshot(),
		trader: e.gate.Snapshot(),
		ledger: e.ledger.Snapshot(),
		epochs: e.epochs.Snapshot(),
	}
}

func (e *Engine) rollback(cp checkpoint) {
	e.vault.Restore(cp.vault)
	e.gate.Restore(cp.trader)
	e.ledger.Rollback(cp.ledger)
	if err := e.epochs.Restore(cp.epochs); err != nil {
		slog.Error("epoch rollback failed", "err", err)
	}
}

func (e *Engine) snapshot() model.Snapshot {
	return model.Snapshot{
		Vault:       e.vault.Snapshot(),
		Trader:      e.gate.Snapshot(),
		Ledger:      e.ledger.Snapshot(),
		Epochs:      e.epochs.Snapshot(),
		LastQueryID: e.seq.Last(),
		UpdatedAt:   e.now().UTC(),
	}
}

// logSink is the default TransferSink.
type logSink struct{}

func (logSink) Transfer(_ context.Context, env ledger.Envelope) error {
	t, _ := env.Body.(ledger.Transfer)
	slog.Info("outbound transfer",
		"from", env.From,
		"to", env.To,
		"amount", t.Amount,
		"query_id", env.QueryID,
	)
	return nil
}

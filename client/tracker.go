package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"omnilend/crypto"
	"omnilend/gateway"
	"omnilend/native/omni"
)

// ErrAssetNotSupported rejects intents for assets the connected chain has not
// been configured to bridge. The hub keeps its own market listing; this check
// only saves a round trip for assets that can never succeed.
var ErrAssetNotSupported = errors.New("client: asset not supported")

// Config carries the chain topology the client operates in.
type Config struct {
	// OriginChainID identifies the connected chain this client runs on.
	OriginChainID uint64
	// HubChainID identifies the hub ledger intents are delivered to.
	HubChainID uint64
	// DispatchTimeout bounds how long a dispatched intent may wait for its
	// result before Redispatch resends it.
	DispatchTimeout time.Duration
}

// Tracker is the connected-chain side of the protocol: it assigns nonces,
// derives operation hashes, hands intents to the gateway and settles them
// when the hub's result arrives.
type Tracker struct {
	cfg     Config
	ops     *omni.Tracker
	adapter gateway.Adapter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	assets map[string]struct{}
}

// NewTracker constructs a client tracker. The operation tracker provides
// nonce accounting and lifecycle storage; the adapter provides transport to
// the hub.
func NewTracker(cfg Config, ops *omni.Tracker, adapter gateway.Adapter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		ops:     ops,
		adapter: adapter,
		logger:  logger.With("component", "client", "chain", cfg.OriginChainID),
		now:     time.Now,
		assets:  make(map[string]struct{}),
	}
}

// SetClock overrides the wall clock used for re-dispatch cutoffs.
func (t *Tracker) SetClock(now func() time.Time) {
	if t == nil || now == nil {
		return
	}
	t.now = now
}

// AddSupportedAsset allows intents referencing the asset symbol.
func (t *Tracker) AddSupportedAsset(asset string) {
	t.mu.Lock()
	t.assets[asset] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) assetSupported(asset string) bool {
	t.mu.RLock()
	_, ok := t.assets[asset]
	t.mu.RUnlock()
	return ok
}

// Deposit submits a collateral deposit intent for the owner.
func (t *Tracker) Deposit(ctx context.Context, owner crypto.Address, asset string, amount *big.Int) (*omni.Operation, error) {
	return t.submit(ctx, owner, omni.KindDeposit, asset, amount)
}

// Borrow submits a borrow intent for the owner.
func (t *Tracker) Borrow(ctx context.Context, owner crypto.Address, asset string, amount *big.Int) (*omni.Operation, error) {
	return t.submit(ctx, owner, omni.KindBorrow, asset, amount)
}

// Repay submits a repayment intent for the owner.
func (t *Tracker) Repay(ctx context.Context, owner crypto.Address, asset string, amount *big.Int) (*omni.Operation, error) {
	return t.submit(ctx, owner, omni.KindRepay, asset, amount)
}

// Withdraw submits a collateral withdrawal intent for the owner.
func (t *Tracker) Withdraw(ctx context.Context, owner crypto.Address, asset string, amount *big.Int) (*omni.Operation, error) {
	return t.submit(ctx, owner, omni.KindWithdraw, asset, amount)
}

func (t *Tracker) submit(ctx context.Context, owner crypto.Address, kind omni.Kind, asset string, amount *big.Int) (*omni.Operation, error) {
	if !t.assetSupported(asset) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	nonce, err := t.ops.NextNonce(owner)
	if err != nil {
		return nil, err
	}
	intent := &omni.IntentMessage{
		Kind:               kind,
		Asset:              asset,
		Amount:             amount,
		OwnerPrefix:        string(owner.Prefix()),
		Owner:              owner.Bytes(),
		OriginChainID:      t.cfg.OriginChainID,
		OriginAddress:      owner.Bytes(),
		DestinationChainID: t.cfg.HubChainID,
		Nonce:              nonce,
	}
	op, err := t.ops.Initiate(intent)
	if err != nil {
		return nil, err
	}
	if err := t.dispatch(ctx, intent, op.Hash); err != nil {
		// The nonce is consumed either way. A delivery fault leaves the
		// record Dispatched, so Redispatch resends it after the timeout.
		return op, err
	}
	return t.refresh(op)
}

func (t *Tracker) dispatch(ctx context.Context, intent *omni.IntentMessage, hash [32]byte) error {
	payload, err := omni.EncodeIntent(intent)
	if err != nil {
		return err
	}
	if err := t.ops.MarkDispatched(hash); err != nil {
		return err
	}
	if err := t.adapter.Deliver(ctx, t.cfg.HubChainID, payload); err != nil {
		return fmt.Errorf("%w: intent %x", gateway.ErrDeliveryFailure, hash)
	}
	t.logger.Info("intent dispatched",
		"hash", fmt.Sprintf("%x", hash),
		"kind", intent.Kind.String(),
		"asset", intent.Asset,
		"nonce", intent.Nonce)
	return nil
}

func (t *Tracker) refresh(op *omni.Operation) (*omni.Operation, error) {
	fresh, found, err := t.ops.Get(op.Hash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %x", omni.ErrOperationNotFound, op.Hash)
	}
	return fresh, nil
}

// HandleResult settles a hub outcome delivered by the gateway. Duplicate
// results for an already completed hash are ignored.
func (t *Tracker) HandleResult(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := omni.DecodeResult(payload)
	if err != nil {
		return err
	}
	op, duplicate, err := t.ops.Complete(result.OperationHash, result.Success, result.ResultMessage)
	if err != nil {
		return err
	}
	if duplicate {
		t.logger.Debug("duplicate result ignored", "hash", op.HashHex())
		return nil
	}
	t.logger.Info("operation settled",
		"hash", op.HashHex(),
		"success", op.Success,
		"reason", op.ResultMessage)
	return nil
}

// Status reports the lifecycle state of a tracked operation.
func (t *Tracker) Status(hash [32]byte) (omni.Status, error) {
	op, found, err := t.ops.Get(hash)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %x", omni.ErrOperationNotFound, hash)
	}
	return op.Status, nil
}

// Get returns the full tracked operation record.
func (t *Tracker) Get(hash [32]byte) (*omni.Operation, error) {
	op, found, err := t.ops.Get(hash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %x", omni.ErrOperationNotFound, hash)
	}
	return op, nil
}

// Redispatch resends every intent that has waited past the dispatch timeout
// without a result. The hub keys processing by operation hash, so a resend
// that races its original delivery settles to the same outcome.
func (t *Tracker) Redispatch(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-t.cfg.DispatchTimeout)
	pending, err := t.ops.DispatchedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, op := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		intent := &omni.IntentMessage{
			Kind:               op.Kind,
			Asset:              op.Asset,
			Amount:             op.Amount,
			OwnerPrefix:        string(op.Owner.Prefix()),
			Owner:              op.Owner.Bytes(),
			OriginChainID:      op.OriginChainID,
			OriginAddress:      op.OriginAddress,
			DestinationChainID: op.DestinationChainID,
			DestinationAddress: op.DestinationAddress,
			Nonce:              op.Nonce,
		}
		if err := t.dispatch(ctx, intent, op.Hash); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

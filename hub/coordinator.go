package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnilend/gateway"
	nativecommon "omnilend/native/common"
	"omnilend/native/lending"
	"omnilend/native/omni"
	"omnilend/observability"
)

// Coordinator turns inbound intent deliveries into risk-engine calls and
// outbound result messages. It holds no persistent state of its own: the
// engine owns account positions and the tracker owns operation records.
//
// Each delivery is processed as one serializable unit of work. No two units
// for the same account run concurrently; distinct accounts proceed in
// parallel.
type Coordinator struct {
	engine  *lending.Engine
	tracker *omni.Tracker
	adapter gateway.Adapter
	logger  *slog.Logger
	metrics *observability.HubMetrics
	locks   accountLocks
	now     func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators. The adapter may
// be nil when result delivery is handled by the caller.
func NewCoordinator(engine *lending.Engine, tracker *omni.Tracker, adapter gateway.Adapter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine:  engine,
		tracker: tracker,
		adapter: adapter,
		logger:  logger.With("component", "hub"),
		metrics: observability.Hub(),
		now:     time.Now,
	}
}

// HandleDelivery is the gateway-facing entry point: decode the payload,
// process it, and send the result back to the originating chain. Errors
// returned here are infrastructure faults the gateway should retry; domain
// rejections never surface as transport errors.
func (c *Coordinator) HandleDelivery(ctx context.Context, payload []byte) error {
	msg, err := omni.DecodeIntent(payload)
	if err != nil {
		return err
	}
	result, err := c.Process(ctx, msg)
	if err != nil {
		return err
	}
	encoded, err := omni.EncodeResult(result)
	if err != nil {
		return err
	}
	if c.adapter == nil {
		return nil
	}
	if err := c.adapter.Deliver(ctx, msg.OriginChainID, encoded); err != nil {
		return fmt.Errorf("%w: result for %x", gateway.ErrDeliveryFailure, result.OperationHash)
	}
	return nil
}

// Process executes one delivery attempt for the intent. The operation hash
// guards against duplicate deliveries: a hash that is already Completed
// skips all ledger mutation and re-emits the stored result, so repeated
// invocation is safe under at-least-once delivery.
func (c *Coordinator) Process(ctx context.Context, msg *omni.IntentMessage) (*omni.ResultMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := msg.Hash()
	if err != nil {
		return nil, err
	}
	owner := msg.OwnerAddress()
	started := c.now()

	unlock := c.locks.lock(owner)
	defer unlock()

	if op, found, err := c.tracker.Get(hash); err != nil {
		return nil, err
	} else if found && op.Status == omni.StatusCompleted {
		c.metrics.ObserveDuplicate()
		c.logger.Info("duplicate delivery answered from stored result",
			"hash", op.HashHex(), "kind", op.Kind.String())
		return resultFrom(op), nil
	}

	op := &omni.Operation{
		Hash:               hash,
		Owner:              owner,
		Kind:               msg.Kind,
		Asset:              msg.Asset,
		Amount:             msg.Amount,
		OriginChainID:      msg.OriginChainID,
		OriginAddress:      msg.OriginAddress,
		DestinationChainID: msg.DestinationChainID,
		DestinationAddress: msg.DestinationAddress,
		Nonce:              msg.Nonce,
	}
	if err := c.tracker.Adopt(op); err != nil {
		return nil, err
	}

	execErr := c.dispatch(msg)
	success := execErr == nil
	reason := "ok"
	outcome := "success"
	if execErr != nil {
		if infrastructureFault(execErr) {
			// No terminal outcome was computed; leave the record Dispatched
			// so a retried delivery can settle it.
			return nil, execErr
		}
		reason = execErr.Error()
		outcome = "rejected"
	}

	completed, duplicate, err := c.tracker.Complete(hash, success, reason)
	if err != nil {
		return nil, err
	}
	if duplicate {
		c.metrics.ObserveDuplicate()
	}
	c.metrics.ObserveIntent(msg.Kind.String(), outcome, c.now().Sub(started))
	c.logger.Info("intent processed",
		"hash", completed.HashHex(),
		"kind", completed.Kind.String(),
		"success", completed.Success,
		"reason", completed.ResultMessage)
	return resultFrom(completed), nil
}

// dispatch routes the intent to the matching risk-engine operation. The
// switch is exhaustive over the closed kind set.
func (c *Coordinator) dispatch(msg *omni.IntentMessage) error {
	owner := msg.OwnerAddress()
	switch msg.Kind {
	case omni.KindDeposit:
		return c.engine.Deposit(owner, msg.Asset, msg.Amount)
	case omni.KindBorrow:
		return c.engine.Borrow(owner, msg.Asset, msg.Amount)
	case omni.KindRepay:
		return c.engine.Repay(owner, msg.Asset, msg.Amount)
	case omni.KindWithdraw:
		return c.engine.Withdraw(owner, msg.Asset, msg.Amount)
	default:
		return fmt.Errorf("%w: unsupported kind %d", omni.ErrInvalidIntent, uint8(msg.Kind))
	}
}

func resultFrom(op *omni.Operation) *omni.ResultMessage {
	return &omni.ResultMessage{
		OperationHash: op.Hash,
		Success:       op.Success,
		ResultMessage: op.ResultMessage,
	}
}

// infrastructureFault separates retryable faults from domain rejections that
// must become terminal Completed(success=false) outcomes. A missing or stale
// price is a feed outage, not a verdict on the account, so those deliveries
// stay Dispatched and the gateway retries them once the feed recovers. Store
// I/O errors fall through the same way.
func infrastructureFault(err error) bool {
	switch {
	case errors.Is(err, lending.ErrInvalidParameters),
		errors.Is(err, lending.ErrMarketNotListed),
		errors.Is(err, lending.ErrStaleUpdate),
		errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrRepayExceedsDebt),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, omni.ErrInvalidIntent):
		return false
	default:
		return true
	}
}

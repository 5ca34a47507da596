package omni

import (
	"fmt"
	"sync"
	"time"

	"omnilend/core/events"
	"omnilend/crypto"
)

// kvState abstracts the subset of state manager functionality required by the
// operation tracker.
type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	operationKeyPrefix = []byte("omni/operation/")
	operationIndexKey  = []byte("omni/operation/index")
	nonceKeyPrefix     = []byte("omni/nonce/")
)

// Tracker assigns identity to cross-chain intents, enforces the per-owner
// nonce policy and records lifecycle state. Records are keyed by operation
// hash, which is what makes hub-side duplicate detection possible.
type Tracker struct {
	mu      sync.Mutex
	state   kvState
	emitter events.Emitter
	now     func() time.Time
}

// NewTracker constructs a tracker bound to the provided state backend.
func NewTracker(state kvState, emitter events.Emitter) *Tracker {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Tracker{state: state, emitter: emitter, now: time.Now}
}

// SetClock overrides the wall clock used for dispatch timestamps.
func (t *Tracker) SetClock(now func() time.Time) {
	if t == nil || now == nil {
		return
	}
	t.now = now
}

func operationKey(hash [32]byte) []byte {
	return append(append([]byte(nil), operationKeyPrefix...), hash[:]...)
}

func nonceKey(owner crypto.Address) []byte {
	key := append([]byte(nil), nonceKeyPrefix...)
	key = append(key, []byte(string(owner.Prefix()))...)
	key = append(key, '/')
	return append(key, owner.Bytes()...)
}

// Initiate validates the intent, consumes the owner's next nonce and stores
// the operation as Initiated. A nonce that is not exactly lastNonce+1 is
// rejected without side effects.
func (t *Tracker) Initiate(intent *IntentMessage) (*Operation, error) {
	if intent == nil {
		return nil, fmt.Errorf("%w: nil intent", ErrInvalidIntent)
	}
	if !intent.Kind.Valid() {
		return nil, fmt.Errorf("%w: unsupported kind %d", ErrInvalidIntent, uint8(intent.Kind))
	}
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	owner := intent.OwnerAddress()
	last, err := t.lastNonceLocked(owner)
	if err != nil {
		return nil, err
	}
	if intent.Nonce != last+1 {
		return nil, fmt.Errorf("%w: owner %s expected %d, got %d", ErrNonceOutOfOrder, owner, last+1, intent.Nonce)
	}

	hash, err := intent.Hash()
	if err != nil {
		return nil, err
	}
	op := &Operation{
		Hash:               hash,
		Owner:              owner,
		Kind:               intent.Kind,
		Asset:              intent.Asset,
		Amount:             intent.Amount,
		OriginChainID:      intent.OriginChainID,
		OriginAddress:      intent.OriginAddress,
		DestinationChainID: intent.DestinationChainID,
		DestinationAddress: intent.DestinationAddress,
		Nonce:              intent.Nonce,
		Status:             StatusInitiated,
	}
	// The nonce is consumed before the record lands; a failed record write
	// hands the nonce back so a rejected intent never leaves partial state.
	if err := t.state.KVPut(nonceKey(owner), intent.Nonce); err != nil {
		return nil, err
	}
	if err := t.putLocked(op); err != nil {
		if restoreErr := t.state.KVPut(nonceKey(owner), last); restoreErr != nil {
			return nil, fmt.Errorf("store operation: %w (nonce restore failed: %v)", err, restoreErr)
		}
		return nil, err
	}
	t.emitter.Emit(NewOperationInitiatedEvent(op))
	return op.Clone(), nil
}

// MarkDispatched records that the intent was handed to the gateway. A
// Dispatched operation may be marked again on re-dispatch; a Completed one
// may not move backwards.
func (t *Tracker) MarkDispatched(hash [32]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, found, err := t.getLocked(hash)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %x", ErrOperationNotFound, hash)
	}
	if op.Status == StatusCompleted {
		return fmt.Errorf("%w: operation %x already completed", ErrInvalidTransition, hash)
	}
	op.Status = StatusDispatched
	op.DispatchedAt = t.now().Unix()
	return t.putLocked(op)
}

// Adopt upserts an operation record the tracker has not seen before, storing
// it as Dispatched. The hub uses it when an intent arrives whose lifecycle
// started on a connected chain. Adopting a known hash is a no-op.
func (t *Tracker) Adopt(op *Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidIntent)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, found, err := t.getLocked(op.Hash); err != nil {
		return err
	} else if found {
		return nil
	}
	adopted := op.Clone()
	adopted.Status = StatusDispatched
	adopted.DispatchedAt = t.now().Unix()
	return t.putLocked(adopted)
}

// Complete records the terminal outcome for the hash. When the operation is
// already Completed the stored record is returned unchanged with the
// duplicate flag set; re-delivery is benign, never an error.
func (t *Tracker) Complete(hash [32]byte, success bool, resultMessage string) (*Operation, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, found, err := t.getLocked(hash)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w: %x", ErrOperationNotFound, hash)
	}
	if op.Status == StatusCompleted {
		return op.Clone(), true, nil
	}
	op.Status = StatusCompleted
	op.Success = success
	op.ResultMessage = resultMessage
	if err := t.putLocked(op); err != nil {
		return nil, false, err
	}
	t.emitter.Emit(NewOperationCompletedEvent(op))
	return op.Clone(), false, nil
}

// Get returns the tracked operation for the hash.
func (t *Tracker) Get(hash [32]byte) (*Operation, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, found, err := t.getLocked(hash)
	if err != nil || !found {
		return nil, found, err
	}
	return op.Clone(), true, nil
}

// LastNonce returns the most recently consumed nonce for the owner, zero
// when no intent has ever been accepted.
func (t *Tracker) LastNonce(owner crypto.Address) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastNonceLocked(owner)
}

// NextNonce returns the nonce the owner's next intent must carry.
func (t *Tracker) NextNonce(owner crypto.Address) (uint64, error) {
	last, err := t.LastNonce(owner)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// DispatchedBefore returns operations still Dispatched whose hand-off is at
// or before the cutoff. Callers use it to find intents eligible for
// re-dispatch; the hash guard on the hub makes re-sending safe.
func (t *Tracker) DispatchedBefore(cutoff time.Time) ([]*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index [][]byte
	if _, err := t.state.KVGet(operationIndexKey, &index); err != nil {
		return nil, err
	}
	var pending []*Operation
	for _, raw := range index {
		var hash [32]byte
		copy(hash[:], raw)
		op, found, err := t.getLocked(hash)
		if err != nil {
			return nil, err
		}
		if !found || op.Status != StatusDispatched {
			continue
		}
		if op.DispatchedAt <= cutoff.Unix() {
			pending = append(pending, op.Clone())
		}
	}
	return pending, nil
}

func (t *Tracker) lastNonceLocked(owner crypto.Address) (uint64, error) {
	var last uint64
	if _, err := t.state.KVGet(nonceKey(owner), &last); err != nil {
		return 0, err
	}
	return last, nil
}

func (t *Tracker) getLocked(hash [32]byte) (*Operation, bool, error) {
	stored := &storedOperation{}
	found, err := t.state.KVGet(operationKey(hash), stored)
	if err != nil || !found {
		return nil, found, err
	}
	return stored.toOperation(), true, nil
}

func (t *Tracker) putLocked(op *Operation) error {
	exists, err := t.state.KVGet(operationKey(op.Hash), &storedOperation{})
	if err != nil {
		return err
	}
	if err := t.state.KVPut(operationKey(op.Hash), op.toStored()); err != nil {
		return err
	}
	if !exists {
		var index [][]byte
		if _, err := t.state.KVGet(operationIndexKey, &index); err != nil {
			return err
		}
		index = append(index, append([]byte(nil), op.Hash[:]...))
		return t.state.KVPut(operationIndexKey, index)
	}
	return nil
}

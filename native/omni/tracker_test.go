package omni

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"omnilend/core/events"
	"omnilend/crypto"
	"omnilend/storage"
	"omnilend/storage/state"
)

func testAddress(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.ConnectedPrefix, bytes.Repeat([]byte{fill}, 20))
}

func testIntent(owner crypto.Address, kind Kind, nonce uint64) *IntentMessage {
	return &IntentMessage{
		Kind:               kind,
		Asset:              "USDC",
		Amount:             big.NewInt(1_000000),
		OwnerPrefix:        string(owner.Prefix()),
		Owner:              owner.Bytes(),
		OriginChainID:      2,
		OriginAddress:      owner.Bytes(),
		DestinationChainID: 1,
		Nonce:              nonce,
	}
}

func newTestTracker(t *testing.T) (*Tracker, *events.Recorder) {
	t.Helper()
	recorder := events.NewRecorder()
	return NewTracker(state.NewManager(storage.NewMemDB()), recorder), recorder
}

func TestTrackerNoncePolicy(t *testing.T) {
	tracker, _ := newTestTracker(t)
	owner := testAddress(0x01)

	if _, err := tracker.Initiate(testIntent(owner, KindDeposit, 2)); !errors.Is(err, ErrNonceOutOfOrder) {
		t.Fatalf("expected ErrNonceOutOfOrder for gap, got %v", err)
	}
	if _, err := tracker.Initiate(testIntent(owner, KindDeposit, 1)); err != nil {
		t.Fatalf("initiate nonce 1: %v", err)
	}
	if _, err := tracker.Initiate(testIntent(owner, KindDeposit, 1)); !errors.Is(err, ErrNonceOutOfOrder) {
		t.Fatalf("expected ErrNonceOutOfOrder for replay, got %v", err)
	}
	if _, err := tracker.Initiate(testIntent(owner, KindBorrow, 2)); err != nil {
		t.Fatalf("initiate nonce 2: %v", err)
	}

	next, err := tracker.NextNonce(owner)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected next nonce 3, got %d", next)
	}

	// Nonces are tracked per owner, so a second account starts at 1.
	other := testAddress(0x02)
	if _, err := tracker.Initiate(testIntent(other, KindDeposit, 1)); err != nil {
		t.Fatalf("initiate for second owner: %v", err)
	}
}

func TestTrackerHashDeterminism(t *testing.T) {
	owner := testAddress(0x03)
	intent := testIntent(owner, KindBorrow, 7)

	first, err := intent.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := ComputeHash(owner, 7, KindBorrow, "USDC", big.NewInt(1_000000))
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash mismatch: %x vs %x", first, second)
	}

	// Any identity field change must produce a different hash.
	changed, err := ComputeHash(owner, 8, KindBorrow, "USDC", big.NewInt(1_000000))
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if first == changed {
		t.Fatalf("nonce change did not alter the hash")
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tracker, recorder := newTestTracker(t)
	owner := testAddress(0x04)

	op, err := tracker.Initiate(testIntent(owner, KindDeposit, 1))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if op.Status != StatusInitiated {
		t.Fatalf("expected Initiated, got %s", op.Status)
	}
	if err := tracker.MarkDispatched(op.Hash); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	completed, duplicate, err := tracker.Complete(op.Hash, true, "ok")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if duplicate {
		t.Fatalf("first completion flagged as duplicate")
	}
	if completed.Status != StatusCompleted || !completed.Success {
		t.Fatalf("unexpected terminal record: %+v", completed)
	}

	// Completed is terminal: re-completion hands back the stored outcome and
	// dispatch may not rewind it.
	again, duplicate, err := tracker.Complete(op.Hash, false, "different outcome")
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if !duplicate {
		t.Fatalf("expected duplicate flag on re-completion")
	}
	if !again.Success || again.ResultMessage != "ok" {
		t.Fatalf("re-completion altered the stored outcome: %+v", again)
	}
	if err := tracker.MarkDispatched(op.Hash); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if got := recorder.ByType(EventTypeOperationCompleted); len(got) != 1 {
		t.Fatalf("expected exactly one completed event, got %d", len(got))
	}
}

func TestTrackerInitiateValidation(t *testing.T) {
	tracker, _ := newTestTracker(t)
	owner := testAddress(0x05)

	bad := testIntent(owner, Kind(99), 1)
	if _, err := tracker.Initiate(bad); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected ErrInvalidIntent for unknown kind, got %v", err)
	}
	bad = testIntent(owner, KindDeposit, 1)
	bad.Amount = big.NewInt(0)
	if _, err := tracker.Initiate(bad); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected ErrInvalidIntent for zero amount, got %v", err)
	}
	// Rejections must not consume the nonce.
	next, err := tracker.NextNonce(owner)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 1 {
		t.Fatalf("rejected intent consumed a nonce, next is %d", next)
	}
}

// faultState injects write failures for keys matching a predicate.
type faultState struct {
	inner   kvState
	failPut func(key []byte) bool
}

func (s *faultState) KVGet(key []byte, out interface{}) (bool, error) {
	return s.inner.KVGet(key, out)
}

func (s *faultState) KVPut(key []byte, value interface{}) error {
	if s.failPut != nil && s.failPut(key) {
		return errors.New("write rejected")
	}
	return s.inner.KVPut(key, value)
}

func TestTrackerInitiateWriteFailureLeavesNoPartialState(t *testing.T) {
	owner := testAddress(0x09)
	intent := testIntent(owner, KindDeposit, 1)
	hash, err := intent.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// Nonce write fails: nothing may be stored at all.
	fault := &faultState{
		inner:   state.NewManager(storage.NewMemDB()),
		failPut: func(key []byte) bool { return bytes.HasPrefix(key, nonceKeyPrefix) },
	}
	tracker := NewTracker(fault, nil)
	if _, err := tracker.Initiate(intent); err == nil {
		t.Fatalf("expected nonce write failure to surface")
	}
	if _, found, err := tracker.Get(hash); err != nil || found {
		t.Fatalf("orphaned record after nonce write failure: found=%v err=%v", found, err)
	}

	// Record write fails: the consumed nonce must be handed back.
	fault = &faultState{
		inner: state.NewManager(storage.NewMemDB()),
		failPut: func(key []byte) bool {
			return bytes.HasPrefix(key, operationKeyPrefix) && !bytes.Equal(key, operationIndexKey)
		},
	}
	tracker = NewTracker(fault, nil)
	if _, err := tracker.Initiate(intent); err == nil {
		t.Fatalf("expected record write failure to surface")
	}
	if _, found, err := tracker.Get(hash); err != nil || found {
		t.Fatalf("orphaned record after record write failure: found=%v err=%v", found, err)
	}
	next, err := tracker.NextNonce(owner)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 1 {
		t.Fatalf("failed initiate burned a nonce, next is %d", next)
	}

	// The same intent goes through once the store recovers.
	fault.failPut = nil
	if _, err := tracker.Initiate(intent); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestTrackerAdopt(t *testing.T) {
	tracker, _ := newTestTracker(t)
	owner := testAddress(0x06)

	hash, err := ComputeHash(owner, 1, KindDeposit, "USDC", big.NewInt(5))
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	op := &Operation{Hash: hash, Owner: owner, Kind: KindDeposit, Asset: "USDC", Amount: big.NewInt(5), Nonce: 1}
	if err := tracker.Adopt(op); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	stored, found, err := tracker.Get(hash)
	if err != nil || !found {
		t.Fatalf("get adopted: found=%v err=%v", found, err)
	}
	if stored.Status != StatusDispatched {
		t.Fatalf("expected adopted record Dispatched, got %s", stored.Status)
	}

	// Adopting a known hash never resets lifecycle state.
	if _, _, err := tracker.Complete(hash, true, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := tracker.Adopt(op); err != nil {
		t.Fatalf("re-adopt: %v", err)
	}
	stored, _, err = tracker.Get(hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("re-adoption rewound status to %s", stored.Status)
	}
}

func TestTrackerDispatchedBefore(t *testing.T) {
	tracker, _ := newTestTracker(t)
	owner := testAddress(0x07)
	now := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return now })

	first, err := tracker.Initiate(testIntent(owner, KindDeposit, 1))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := tracker.MarkDispatched(first.Hash); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	now = now.Add(10 * time.Minute)
	second, err := tracker.Initiate(testIntent(owner, KindBorrow, 2))
	if err != nil {
		t.Fatalf("initiate second: %v", err)
	}
	if err := tracker.MarkDispatched(second.Hash); err != nil {
		t.Fatalf("mark dispatched second: %v", err)
	}

	cutoff := time.Unix(1_700_000_000, 0).Add(5 * time.Minute)
	pending, err := tracker.DispatchedBefore(cutoff)
	if err != nil {
		t.Fatalf("dispatched before: %v", err)
	}
	if len(pending) != 1 || pending[0].Hash != first.Hash {
		t.Fatalf("expected only the first operation pending, got %d", len(pending))
	}

	// Completed operations drop out of the pending set.
	if _, _, err := tracker.Complete(first.Hash, true, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pending, err = tracker.DispatchedBefore(cutoff)
	if err != nil {
		t.Fatalf("dispatched before: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending operations, got %d", len(pending))
	}
}

func TestIntentWireRoundTrip(t *testing.T) {
	owner := testAddress(0x08)
	intent := testIntent(owner, KindWithdraw, 3)

	payload, err := EncodeIntent(intent)
	if err != nil {
		t.Fatalf("encode intent: %v", err)
	}
	decoded, err := DecodeIntent(payload)
	if err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	wantHash, err := intent.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	gotHash, err := decoded.Hash()
	if err != nil {
		t.Fatalf("decoded hash: %v", err)
	}
	if wantHash != gotHash {
		t.Fatalf("wire round trip changed the operation hash")
	}
}

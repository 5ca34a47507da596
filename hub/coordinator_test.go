package hub

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"omnilend/crypto"
	"omnilend/native/lending"
	"omnilend/native/omni"
	"omnilend/storage"
	"omnilend/storage/state"
)

type hubFixture struct {
	engine      *lending.Engine
	prices      *lending.PriceStore
	tracker     *omni.Tracker
	coordinator *Coordinator
	now         time.Time
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	f := &hubFixture{now: time.Unix(1_700_000_000, 0)}

	registry := lending.NewRegistry(manager, nil)
	f.prices = lending.NewPriceStore(manager, nil)
	f.prices.SetClock(func() time.Time { return f.now })
	positions := lending.NewPositionStore(manager)
	f.engine = lending.NewEngine(registry, f.prices, positions, 5*time.Minute)
	f.tracker = omni.NewTracker(manager, nil)
	f.coordinator = NewCoordinator(f.engine, f.tracker, nil, nil)

	market := &lending.Market{
		Asset:                   "USDC",
		Decimals:                6,
		LTVBps:                  7_500,
		LiquidationThresholdBps: 8_000,
		ReserveFactorBps:        1_000,
		PriceFeedID:             "feed-usdc",
	}
	if err := registry.ListMarket(market); err != nil {
		t.Fatalf("list market: %v", err)
	}
	if err := f.prices.SetPrice("feed-usdc", big.NewInt(1_000000), f.now); err != nil {
		t.Fatalf("set price: %v", err)
	}
	return f
}

func hubIntent(owner crypto.Address, kind omni.Kind, amount *big.Int, nonce uint64) *omni.IntentMessage {
	return &omni.IntentMessage{
		Kind:               kind,
		Asset:              "USDC",
		Amount:             amount,
		OwnerPrefix:        string(owner.Prefix()),
		Owner:              owner.Bytes(),
		OriginChainID:      2,
		OriginAddress:      owner.Bytes(),
		DestinationChainID: 1,
		Nonce:              nonce,
	}
}

func hubOwner(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.ConnectedPrefix, bytes.Repeat([]byte{fill}, 20))
}

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000000))
}

func TestCoordinatorProcessesDepositAndBorrow(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x01)
	ctx := context.Background()

	result, err := f.coordinator.Process(ctx, hubIntent(owner, omni.KindDeposit, usdc(1_000), 1))
	if err != nil {
		t.Fatalf("process deposit: %v", err)
	}
	if !result.Success {
		t.Fatalf("deposit rejected: %s", result.ResultMessage)
	}

	result, err = f.coordinator.Process(ctx, hubIntent(owner, omni.KindBorrow, usdc(700), 2))
	if err != nil {
		t.Fatalf("process borrow: %v", err)
	}
	if !result.Success {
		t.Fatalf("borrow rejected: %s", result.ResultMessage)
	}

	pos, err := f.engine.GetPosition(owner)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.CollateralOf("USDC").Cmp(usdc(1_000)) != 0 {
		t.Fatalf("expected 1000 collateral, got %s", pos.CollateralOf("USDC"))
	}
	if pos.DebtOf("USDC").Cmp(usdc(700)) != 0 {
		t.Fatalf("expected 700 debt, got %s", pos.DebtOf("USDC"))
	}
}

func TestCoordinatorDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x02)
	ctx := context.Background()
	msg := hubIntent(owner, omni.KindDeposit, usdc(500), 1)

	first, err := f.coordinator.Process(ctx, msg)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := f.coordinator.Process(ctx, msg)
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if first.OperationHash != second.OperationHash || first.Success != second.Success || first.ResultMessage != second.ResultMessage {
		t.Fatalf("duplicate delivery produced a different result: %+v vs %+v", first, second)
	}

	// The ledger must reflect exactly one deposit.
	pos, err := f.engine.GetPosition(owner)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.CollateralOf("USDC").Cmp(usdc(500)) != 0 {
		t.Fatalf("duplicate delivery double-credited: %s", pos.CollateralOf("USDC"))
	}
}

func TestCoordinatorRejectionIsTerminal(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x03)
	ctx := context.Background()

	// Borrowing with no collateral is a domain rejection, not a transport
	// error: the operation completes unsuccessfully and the outcome sticks.
	msg := hubIntent(owner, omni.KindBorrow, usdc(100), 1)
	result, err := f.coordinator.Process(ctx, msg)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rejection for uncollateralized borrow")
	}
	if result.ResultMessage == "" {
		t.Fatalf("rejection carried no reason")
	}

	op, found, err := f.tracker.Get(result.OperationHash)
	if err != nil || !found {
		t.Fatalf("get operation: found=%v err=%v", found, err)
	}
	if op.Status != omni.StatusCompleted || op.Success {
		t.Fatalf("unexpected terminal record: %+v", op)
	}

	// A redelivered rejection re-emits the stored outcome.
	again, err := f.coordinator.Process(ctx, msg)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if again.Success || again.ResultMessage != result.ResultMessage {
		t.Fatalf("redelivery changed the stored outcome: %+v", again)
	}
}

func TestCoordinatorUnsupportedKind(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x04)

	msg := hubIntent(owner, omni.Kind(42), usdc(1), 1)
	result, err := f.coordinator.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Success {
		t.Fatalf("expected unsupported kind to be rejected")
	}
}

func TestCoordinatorStalePriceIsRetryable(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x06)
	ctx := context.Background()

	if _, err := f.coordinator.Process(ctx, hubIntent(owner, omni.KindDeposit, usdc(1_000), 1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Push the feed past its staleness window: the borrow must surface as a
	// retryable fault and leave the operation short of a terminal outcome.
	f.now = f.now.Add(time.Hour)
	msg := hubIntent(owner, omni.KindBorrow, usdc(100), 2)
	if _, err := f.coordinator.Process(ctx, msg); err == nil {
		t.Fatalf("expected retryable fault for stale feed")
	}
	hash, err := msg.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	op, found, err := f.tracker.Get(hash)
	if err != nil || !found {
		t.Fatalf("get operation: found=%v err=%v", found, err)
	}
	if op.Status != omni.StatusDispatched {
		t.Fatalf("expected operation to stay Dispatched, got %s", op.Status)
	}

	// Once the feed recovers, a redelivery settles the same hash.
	if err := f.prices.SetPrice("feed-usdc", big.NewInt(1_000000), f.now); err != nil {
		t.Fatalf("refresh price: %v", err)
	}
	result, err := f.coordinator.Process(ctx, msg)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected recovered borrow to succeed: %s", result.ResultMessage)
	}
}

func TestCoordinatorHandleDeliveryDecodes(t *testing.T) {
	f := newHubFixture(t)
	owner := hubOwner(0x05)

	payload, err := omni.EncodeIntent(hubIntent(owner, omni.KindDeposit, usdc(25), 1))
	if err != nil {
		t.Fatalf("encode intent: %v", err)
	}
	if err := f.coordinator.HandleDelivery(context.Background(), payload); err != nil {
		t.Fatalf("handle delivery: %v", err)
	}
	pos, err := f.engine.GetPosition(owner)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.CollateralOf("USDC").Cmp(usdc(25)) != 0 {
		t.Fatalf("expected 25 collateral, got %s", pos.CollateralOf("USDC"))
	}
}

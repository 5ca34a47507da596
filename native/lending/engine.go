package lending

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"omnilend/crypto"
	nativecommon "omnilend/native/common"
)

const moduleName = "lending"

var errNilState = errors.New("lending engine: state not configured")

// engineState is the persistence surface the engine mutates. The engine
// exclusively owns account positions; markets and prices are read through
// their dedicated stores.
type engineState interface {
	GetPosition(owner crypto.Address) (*Position, error)
	PutPosition(pos *Position) error
}

// Engine enforces the solvency invariants for every balance-changing action.
// All dependencies are passed in explicitly; the engine holds no globals.
//
// Calls for a single account must be serialized by the caller (the hub keys
// an exclusive section by owner). Each operation stages its changes on a
// cloned position and persists only after every check passes, so a rejected
// action leaves state untouched.
type Engine struct {
	registry    *Registry
	prices      *PriceStore
	state       engineState
	maxPriceAge time.Duration
	pauses      nativecommon.PauseView
}

// NewEngine constructs a risk engine over the provided registry, price store
// and position state. maxPriceAge bounds how old a quote may be when pricing
// collateral and debt.
func NewEngine(registry *Registry, prices *PriceStore, state engineState, maxPriceAge time.Duration) *Engine {
	return &Engine{
		registry:    registry,
		prices:      prices,
		state:       state,
		maxPriceAge: maxPriceAge,
	}
}

// SetPauses wires the operator pause switches into the engine.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Deposit increases the collateral balance for the asset. Deposits can only
// improve the health factor, so no pricing is required.
func (e *Engine) Deposit(owner crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	market, err := e.registry.GetMarket(asset)
	if err != nil {
		return err
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	staged := pos.Clone()
	staged.Collateral[market.Asset] = new(big.Int).Add(staged.CollateralOf(market.Asset), amount)
	return e.state.PutPosition(staged)
}

// Withdraw releases collateral back to the owner while keeping the position
// healthy. When the account carries no debt the pricing path is skipped
// entirely so withdrawals work even without fresh feeds.
func (e *Engine) Withdraw(owner crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	market, err := e.registry.GetMarket(asset)
	if err != nil {
		return err
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	balance := pos.CollateralOf(market.Asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: collateral balance %s below withdrawal %s", ErrInsufficientCollateral, balance, amount)
	}

	staged := pos.Clone()
	remaining := new(big.Int).Sub(balance, amount)
	if remaining.Sign() == 0 {
		delete(staged.Collateral, market.Asset)
	} else {
		staged.Collateral[market.Asset] = remaining
	}

	if e.hasDebt(staged) {
		healthy, err := e.positionHealthy(staged)
		if err != nil {
			return err
		}
		if !healthy {
			return fmt.Errorf("%w: withdrawal drops health factor below 1", ErrInsufficientCollateral)
		}
	}
	return e.state.PutPosition(staged)
}

// Borrow increases the debt balance for the asset. The projected debt value
// must stay within the LTV-weighted borrow capacity of the collateral, and
// every asset touched by the valuation needs a fresh price.
func (e *Engine) Borrow(owner crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	market, err := e.registry.GetMarket(asset)
	if err != nil {
		return err
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	staged := pos.Clone()
	staged.Debt[market.Asset] = new(big.Int).Add(staged.DebtOf(market.Asset), amount)

	capacity, err := e.borrowCapacity(staged)
	if err != nil {
		return err
	}
	debtValue, err := e.debtValue(staged)
	if err != nil {
		return err
	}
	if debtValue.Cmp(capacity) > 0 {
		return fmt.Errorf("%w: projected debt value %s exceeds borrow capacity %s", ErrInsufficientCollateral, debtValue, capacity)
	}
	return e.state.PutPosition(staged)
}

// Repay decreases the debt balance for the asset. Amounts above the
// outstanding debt are rejected rather than clipped, so excess funds are
// never silently absorbed.
func (e *Engine) Repay(owner crypto.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	market, err := e.registry.GetMarket(asset)
	if err != nil {
		return err
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	debt := pos.DebtOf(market.Asset)
	if amount.Cmp(debt) > 0 {
		return fmt.Errorf("%w: outstanding %s, repay %s", ErrRepayExceedsDebt, debt, amount)
	}

	staged := pos.Clone()
	remaining := new(big.Int).Sub(debt, amount)
	if remaining.Sign() == 0 {
		delete(staged.Debt, market.Asset)
	} else {
		staged.Debt[market.Asset] = remaining
	}
	return e.state.PutPosition(staged)
}

// GetPosition exposes the stored position for the query surface. Accounts
// without history read as an empty position.
func (e *Engine) GetPosition(owner crypto.Address) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.ensurePosition(owner)
}

// HealthFactor returns the liquidation-threshold-weighted collateral value
// over the debt value. A nil result denotes an infinite health factor (no
// debt).
func (e *Engine) HealthFactor(owner crypto.Address) (*big.Rat, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, err
	}
	if !e.hasDebt(pos) {
		return nil, nil
	}
	weighted, err := e.weightedCollateralValue(pos, func(m *Market) uint64 { return m.LiquidationThresholdBps })
	if err != nil {
		return nil, err
	}
	debtValue, err := e.debtValue(pos)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).SetFrac(weighted, debtValue), nil
}

func (e *Engine) ensurePosition(owner crypto.Address) (*Position, error) {
	pos, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = NewPosition(owner)
	}
	return pos, nil
}

func (e *Engine) hasDebt(pos *Position) bool {
	for _, amount := range pos.Debt {
		if amount != nil && amount.Sign() > 0 {
			return true
		}
	}
	return false
}

// assetValue prices an amount of asset into quote-currency units scaled by
// 10^PriceDecimals: amount * price / 10^decimals.
func (e *Engine) assetValue(market *Market, amount *big.Int) (*big.Int, error) {
	price, err := e.prices.GetPrice(market.PriceFeedID, e.maxPriceAge)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(amount, price.Value)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(market.Decimals)), nil)
	return value.Quo(value, scale), nil
}

func (e *Engine) weightedCollateralValue(pos *Position, weightBps func(*Market) uint64) (*big.Int, error) {
	total := big.NewInt(0)
	for asset, amount := range pos.Collateral {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		market, err := e.registry.GetMarket(asset)
		if err != nil {
			return nil, err
		}
		value, err := e.assetValue(market, amount)
		if err != nil {
			return nil, err
		}
		weighted := new(big.Int).Mul(value, new(big.Int).SetUint64(weightBps(market)))
		total.Add(total, weighted.Quo(weighted, basisPoints))
	}
	return total, nil
}

// borrowCapacity is the LTV-weighted collateral value: the maximum debt
// value an account may open a borrow against.
func (e *Engine) borrowCapacity(pos *Position) (*big.Int, error) {
	return e.weightedCollateralValue(pos, func(m *Market) uint64 { return m.LTVBps })
}

func (e *Engine) debtValue(pos *Position) (*big.Int, error) {
	total := big.NewInt(0)
	for asset, amount := range pos.Debt {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		market, err := e.registry.GetMarket(asset)
		if err != nil {
			return nil, err
		}
		value, err := e.assetValue(market, amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// positionHealthy reports whether the liquidation-threshold-weighted
// collateral value covers the debt value.
func (e *Engine) positionHealthy(pos *Position) (bool, error) {
	weighted, err := e.weightedCollateralValue(pos, func(m *Market) uint64 { return m.LiquidationThresholdBps })
	if err != nil {
		return false, err
	}
	debtValue, err := e.debtValue(pos)
	if err != nil {
		return false, err
	}
	if debtValue.Sign() == 0 {
		return true, nil
	}
	return weighted.Cmp(debtValue) >= 0, nil
}

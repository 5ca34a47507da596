package lending

import "errors"

var (
	// ErrInvalidParameters rejects a market listing or update whose risk
	// parameters violate 0 < LTV <= liquidation threshold <= 10000, or that
	// targets an asset already listed.
	ErrInvalidParameters = errors.New("lending: invalid market parameters")
	// ErrMarketNotListed is returned when an operation references an asset
	// without a listed market.
	ErrMarketNotListed = errors.New("lending: market not listed")
	// ErrUnknownFeed is returned when a price has never been published for
	// the requested feed identifier.
	ErrUnknownFeed = errors.New("lending: unknown price feed")
	// ErrStalePrice is returned when the stored price is older than the
	// caller's freshness window.
	ErrStalePrice = errors.New("lending: price outside freshness window")
	// ErrStaleUpdate rejects a price update whose timestamp does not advance
	// past the stored quote.
	ErrStaleUpdate = errors.New("lending: price update not newer than stored quote")
	// ErrInvalidAmount rejects non-positive amounts on balance-changing calls.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrInsufficientCollateral rejects withdrawals and borrows that would
	// leave the account undercollateralized or underflow a balance.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	// ErrRepayExceedsDebt rejects repayments larger than the outstanding debt
	// for the asset, so excess funds are never silently absorbed.
	ErrRepayExceedsDebt = errors.New("lending: repay exceeds outstanding debt")
)

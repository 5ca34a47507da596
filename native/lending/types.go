package lending

import (
	"math/big"
	"sort"

	"omnilend/crypto"
)

// PriceDecimals is the declared exponent for stored price values. A price of
// 1_000000 therefore denotes exactly one quote-currency unit (USD) per whole
// asset unit.
const PriceDecimals = 6

var basisPoints = big.NewInt(10_000)

// Market captures the per-asset risk parameters and the feed the risk engine
// prices the asset with. Amounts in the asset's native unit use Decimals.
type Market struct {
	Asset                   string
	Decimals                uint8
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	ReserveFactorBps        uint64
	PriceFeedID             string
}

// Clone returns a copy so callers can mutate parameters without touching the
// stored instance.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Price is the latest accepted quote for a feed. Value is fixed-point scaled
// by 10^PriceDecimals; Timestamp is unix seconds as reported by the updater.
type Price struct {
	FeedID    string
	Value     *big.Int
	Timestamp int64
}

// Clone returns a deep copy of the price.
func (p *Price) Clone() *Price {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Value != nil {
		clone.Value = new(big.Int).Set(p.Value)
	}
	return &clone
}

type storedPrice struct {
	FeedID    string
	Value     *big.Int
	Timestamp uint64
}

// Position maintains the collateral and debt balances for a single account.
// Balances are keyed by asset symbol and held in the asset's native unit.
type Position struct {
	Owner      crypto.Address
	Collateral map[string]*big.Int
	Debt       map[string]*big.Int
}

// NewPosition returns an empty position for the owner.
func NewPosition(owner crypto.Address) *Position {
	return &Position{
		Owner:      owner,
		Collateral: make(map[string]*big.Int),
		Debt:       make(map[string]*big.Int),
	}
}

// Clone returns a deep copy of the position so the engine can stage changes
// before persisting them.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := NewPosition(p.Owner)
	for asset, amount := range p.Collateral {
		clone.Collateral[asset] = new(big.Int).Set(amount)
	}
	for asset, amount := range p.Debt {
		clone.Debt[asset] = new(big.Int).Set(amount)
	}
	return clone
}

// CollateralOf returns the collateral balance for the asset, never nil.
func (p *Position) CollateralOf(asset string) *big.Int {
	if p == nil || p.Collateral == nil {
		return big.NewInt(0)
	}
	if amount, ok := p.Collateral[asset]; ok && amount != nil {
		return amount
	}
	return big.NewInt(0)
}

// DebtOf returns the debt balance for the asset, never nil.
func (p *Position) DebtOf(asset string) *big.Int {
	if p == nil || p.Debt == nil {
		return big.NewInt(0)
	}
	if amount, ok := p.Debt[asset]; ok && amount != nil {
		return amount
	}
	return big.NewInt(0)
}

// Empty reports whether the position carries no balances at all.
func (p *Position) Empty() bool {
	if p == nil {
		return true
	}
	return len(p.Collateral) == 0 && len(p.Debt) == 0
}

// RLP cannot encode maps, so positions are flattened into sorted asset/amount
// pairs before hitting the store.
type assetAmount struct {
	Asset  string
	Amount *big.Int
}

type storedPosition struct {
	Owner      []byte
	Prefix     string
	Collateral []assetAmount
	Debt       []assetAmount
}

func flattenBalances(balances map[string]*big.Int) []assetAmount {
	out := make([]assetAmount, 0, len(balances))
	for asset, amount := range balances {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		out = append(out, assetAmount{Asset: asset, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func expandBalances(entries []assetAmount) map[string]*big.Int {
	out := make(map[string]*big.Int, len(entries))
	for _, entry := range entries {
		if entry.Amount == nil {
			continue
		}
		out[entry.Asset] = new(big.Int).Set(entry.Amount)
	}
	return out
}

func (p *Position) toStored() *storedPosition {
	return &storedPosition{
		Owner:      append([]byte(nil), p.Owner.Bytes()...),
		Prefix:     string(p.Owner.Prefix()),
		Collateral: flattenBalances(p.Collateral),
		Debt:       flattenBalances(p.Debt),
	}
}

func (s *storedPosition) toPosition() *Position {
	owner := crypto.NewAddress(crypto.AddressPrefix(s.Prefix), append([]byte(nil), s.Owner...))
	pos := NewPosition(owner)
	pos.Collateral = expandBalances(s.Collateral)
	pos.Debt = expandBalances(s.Debt)
	return pos
}

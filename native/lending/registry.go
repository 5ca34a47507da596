package lending

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"omnilend/core/events"
)

// kvState abstracts the subset of state manager functionality required by the
// lending stores.
type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	marketKeyPrefix = []byte("lending/market/")
	marketIndexKey  = []byte("lending/market/index")
)

// Registry holds the listed markets. Mutating calls are reserved for the
// administrative capability enforced by the daemon layer; the registry itself
// only validates parameters.
type Registry struct {
	mu      sync.RWMutex
	state   kvState
	emitter events.Emitter
}

// NewRegistry constructs a registry bound to the provided state backend.
func NewRegistry(state kvState, emitter events.Emitter) *Registry {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Registry{state: state, emitter: emitter}
}

func marketKey(asset string) []byte {
	return append(append([]byte(nil), marketKeyPrefix...), []byte(asset)...)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func validateMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("%w: nil market", ErrInvalidParameters)
	}
	if normalizeAsset(m.Asset) == "" {
		return fmt.Errorf("%w: asset identifier required", ErrInvalidParameters)
	}
	if strings.TrimSpace(m.PriceFeedID) == "" {
		return fmt.Errorf("%w: price feed identifier required", ErrInvalidParameters)
	}
	if m.LTVBps == 0 {
		return fmt.Errorf("%w: LTV must be positive", ErrInvalidParameters)
	}
	if m.LTVBps > m.LiquidationThresholdBps {
		return fmt.Errorf("%w: LTV %d exceeds liquidation threshold %d", ErrInvalidParameters, m.LTVBps, m.LiquidationThresholdBps)
	}
	if m.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("%w: liquidation threshold %d exceeds 10000", ErrInvalidParameters, m.LiquidationThresholdBps)
	}
	if m.ReserveFactorBps > 10_000 {
		return fmt.Errorf("%w: reserve factor %d exceeds 10000", ErrInvalidParameters, m.ReserveFactorBps)
	}
	return nil
}

// ListMarket registers a new market. The asset identity is immutable once
// listed; re-listing an asset is rejected.
func (r *Registry) ListMarket(market *Market) error {
	if err := validateMarket(market); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	asset := normalizeAsset(market.Asset)
	existing := &Market{}
	found, err := r.state.KVGet(marketKey(asset), existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: asset %s already listed", ErrInvalidParameters, asset)
	}

	stored := market.Clone()
	stored.Asset = asset
	stored.PriceFeedID = strings.TrimSpace(market.PriceFeedID)
	if err := r.state.KVPut(marketKey(asset), stored); err != nil {
		return err
	}
	if err := r.appendIndex(asset); err != nil {
		return err
	}
	r.emitter.Emit(NewMarketListedEvent(stored))
	return nil
}

// UpdateMarket replaces the parameters of a listed market in place. The
// validation is identical to listing so the invariant can never break via an
// update.
func (r *Registry) UpdateMarket(market *Market) error {
	if err := validateMarket(market); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	asset := normalizeAsset(market.Asset)
	existing := &Market{}
	found, err := r.state.KVGet(marketKey(asset), existing)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, asset)
	}

	stored := market.Clone()
	stored.Asset = asset
	stored.PriceFeedID = strings.TrimSpace(market.PriceFeedID)
	if err := r.state.KVPut(marketKey(asset), stored); err != nil {
		return err
	}
	r.emitter.Emit(NewMarketUpdatedEvent(stored))
	return nil
}

// GetMarket returns the parameter set for a listed asset.
func (r *Registry) GetMarket(asset string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	normalized := normalizeAsset(asset)
	market := &Market{}
	found, err := r.state.KVGet(marketKey(normalized), market)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, normalized)
	}
	return market, nil
}

// Markets returns the listed asset identifiers in lexical order.
func (r *Registry) Markets() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var index []string
	if _, err := r.state.KVGet(marketIndexKey, &index); err != nil {
		return nil, err
	}
	sort.Strings(index)
	return index, nil
}

func (r *Registry) appendIndex(asset string) error {
	var index []string
	if _, err := r.state.KVGet(marketIndexKey, &index); err != nil {
		return err
	}
	for _, entry := range index {
		if entry == asset {
			return nil
		}
	}
	index = append(index, asset)
	return r.state.KVPut(marketIndexKey, index)
}

package lending

import (
	"strconv"

	"omnilend/core/types"
)

const (
	EventTypeMarketListed  = "lending.market.listed"
	EventTypeMarketUpdated = "lending.market.updated"
	EventTypePriceUpdated  = "lending.price.updated"
)

// NewMarketListedEvent returns the canonical payload for a market listing.
func NewMarketListedEvent(m *Market) *types.Event {
	return newMarketEvent(EventTypeMarketListed, m)
}

// NewMarketUpdatedEvent returns the canonical payload for a market parameter
// update.
func NewMarketUpdatedEvent(m *Market) *types.Event {
	return newMarketEvent(EventTypeMarketUpdated, m)
}

// NewPriceUpdatedEvent returns the canonical payload for an accepted price
// update.
func NewPriceUpdatedEvent(p *Price) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["feedId"] = p.FeedID
		if p.Value != nil {
			attrs["value"] = p.Value.String()
		}
		attrs["timestamp"] = strconv.FormatInt(p.Timestamp, 10)
	}
	return &types.Event{Type: EventTypePriceUpdated, Attributes: attrs}
}

func newMarketEvent(eventType string, m *Market) *types.Event {
	attrs := make(map[string]string)
	if m != nil {
		attrs["asset"] = m.Asset
		attrs["decimals"] = strconv.FormatUint(uint64(m.Decimals), 10)
		attrs["ltvBps"] = strconv.FormatUint(m.LTVBps, 10)
		attrs["liquidationThresholdBps"] = strconv.FormatUint(m.LiquidationThresholdBps, 10)
		attrs["reserveFactorBps"] = strconv.FormatUint(m.ReserveFactorBps, 10)
		attrs["priceFeedId"] = m.PriceFeedID
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

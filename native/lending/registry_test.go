package lending

import (
	"errors"
	"testing"

	"omnilend/core/events"
	"omnilend/storage"
	"omnilend/storage/state"
)

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	return state.NewManager(storage.NewMemDB())
}

func usdcMarket() *Market {
	return &Market{
		Asset:                   "USDC",
		Decimals:                6,
		LTVBps:                  7_500,
		LiquidationThresholdBps: 8_000,
		ReserveFactorBps:        1_000,
		PriceFeedID:             "feed-usdc",
	}
}

func TestRegistryListAndGet(t *testing.T) {
	recorder := &events.Recorder{}
	registry := NewRegistry(newTestState(t), recorder)

	if err := registry.ListMarket(usdcMarket()); err != nil {
		t.Fatalf("list market: %v", err)
	}
	market, err := registry.GetMarket("usdc")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.Asset != "USDC" {
		t.Fatalf("expected normalized asset USDC, got %s", market.Asset)
	}
	if market.LTVBps != 7_500 || market.LiquidationThresholdBps != 8_000 {
		t.Fatalf("unexpected risk parameters: %+v", market)
	}
	if got := recorder.ByType(EventTypeMarketListed); len(got) != 1 {
		t.Fatalf("expected one listed event, got %d", len(got))
	}
}

func TestRegistryRejectsDuplicateListing(t *testing.T) {
	registry := NewRegistry(newTestState(t), nil)
	if err := registry.ListMarket(usdcMarket()); err != nil {
		t.Fatalf("list market: %v", err)
	}
	if err := registry.ListMarket(usdcMarket()); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters on re-listing, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	registry := NewRegistry(newTestState(t), nil)

	cases := []struct {
		name   string
		mutate func(*Market)
	}{
		{"missing asset", func(m *Market) { m.Asset = "  " }},
		{"missing feed", func(m *Market) { m.PriceFeedID = "" }},
		{"zero ltv", func(m *Market) { m.LTVBps = 0 }},
		{"ltv above threshold", func(m *Market) { m.LTVBps = 8_500 }},
		{"threshold above max", func(m *Market) { m.LiquidationThresholdBps = 10_001; m.LTVBps = 10_001 }},
		{"reserve above max", func(m *Market) { m.ReserveFactorBps = 10_001 }},
	}
	for _, tc := range cases {
		market := usdcMarket()
		tc.mutate(market)
		if err := registry.ListMarket(market); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("%s: expected ErrInvalidParameters, got %v", tc.name, err)
		}
	}
}

func TestRegistryUpdate(t *testing.T) {
	registry := NewRegistry(newTestState(t), nil)

	update := usdcMarket()
	update.LTVBps = 7_000
	if err := registry.UpdateMarket(update); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed before listing, got %v", err)
	}

	if err := registry.ListMarket(usdcMarket()); err != nil {
		t.Fatalf("list market: %v", err)
	}
	if err := registry.UpdateMarket(update); err != nil {
		t.Fatalf("update market: %v", err)
	}
	market, err := registry.GetMarket("USDC")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.LTVBps != 7_000 {
		t.Fatalf("expected updated LTV 7000, got %d", market.LTVBps)
	}
}

func TestRegistryMarketsSorted(t *testing.T) {
	registry := NewRegistry(newTestState(t), nil)
	for _, asset := range []string{"WETH", "USDC", "DAI"} {
		market := usdcMarket()
		market.Asset = asset
		market.PriceFeedID = "feed-" + asset
		if err := registry.ListMarket(market); err != nil {
			t.Fatalf("list %s: %v", asset, err)
		}
	}
	assets, err := registry.Markets()
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	want := []string{"DAI", "USDC", "WETH"}
	if len(assets) != len(want) {
		t.Fatalf("expected %d markets, got %d", len(want), len(assets))
	}
	for i := range want {
		if assets[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, assets)
		}
	}
}

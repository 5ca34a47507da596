package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnilend/core/events"
	"omnilend/core/types"
	"omnilend/crypto"
	"omnilend/hub"
	nativecommon "omnilend/native/common"
	"omnilend/native/lending"
	"omnilend/native/omni"
)

type api struct {
	registry    *lending.Registry
	prices      *lending.PriceStore
	engine      *lending.Engine
	tracker     *omni.Tracker
	coordinator *hub.Coordinator
	events      *events.Recorder
	logger      *slog.Logger
}

func (a *api) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/markets", func(r chi.Router) {
		r.Post("/", a.handleListMarket)
		r.Post("/update", a.handleUpdateMarket)
		r.Get("/", a.handleMarkets)
		r.Get("/{asset}", a.handleGetMarket)
	})
	r.Route("/prices", func(r chi.Router) {
		r.Post("/", a.handleSetPrice)
		r.Get("/{feed}", a.handleGetPrice)
	})
	r.Post("/intents", a.handleIntent)
	r.Get("/accounts/{owner}", a.handleAccount)
	r.Get("/operations/{hash}", a.handleOperation)
	r.Get("/events", a.handleEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type marketRequest struct {
	Asset                   string `json:"asset"`
	Decimals                uint8  `json:"decimals"`
	LTVBps                  uint64 `json:"ltvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps"`
	PriceFeedID             string `json:"priceFeedId"`
}

func (req *marketRequest) market() *lending.Market {
	return &lending.Market{
		Asset:                   req.Asset,
		Decimals:                req.Decimals,
		LTVBps:                  req.LTVBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		ReserveFactorBps:        req.ReserveFactorBps,
		PriceFeedID:             req.PriceFeedID,
	}
}

func (a *api) handleListMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := a.registry.ListMarket(req.market()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "listed"})
}

func (a *api) handleUpdateMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := a.registry.UpdateMarket(req.market()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *api) handleMarkets(w http.ResponseWriter, r *http.Request) {
	assets, err := a.registry.Markets()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "market index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"markets": assets})
}

func (a *api) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := a.registry.GetMarket(chi.URLParam(r, "asset"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketRequest{
		Asset:                   market.Asset,
		Decimals:                market.Decimals,
		LTVBps:                  market.LTVBps,
		LiquidationThresholdBps: market.LiquidationThresholdBps,
		ReserveFactorBps:        market.ReserveFactorBps,
		PriceFeedID:             market.PriceFeedID,
	})
}

type priceRequest struct {
	FeedID    string `json:"feedId"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

func (a *api) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "value must be a base-10 integer")
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	if err := a.prices.SetPrice(req.FeedID, value, time.Unix(ts, 0)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *api) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := a.prices.GetPrice(chi.URLParam(r, "feed"), 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceRequest{
		FeedID:    price.FeedID,
		Value:     price.Value.String(),
		Timestamp: price.Timestamp,
	})
}

type intentRequest struct {
	Kind               string `json:"kind"`
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
	Owner              string `json:"owner"`
	OriginChainID      uint64 `json:"originChainId"`
	DestinationChainID uint64 `json:"destinationChainId"`
	Nonce              uint64 `json:"nonce"`
}

type intentResponse struct {
	OperationHash string `json:"operationHash"`
	Success       bool   `json:"success"`
	ResultMessage string `json:"resultMessage"`
}

func parseKind(name string) (omni.Kind, bool) {
	switch name {
	case "deposit":
		return omni.KindDeposit, true
	case "borrow":
		return omni.KindBorrow, true
	case "repay":
		return omni.KindRepay, true
	case "withdraw":
		return omni.KindWithdraw, true
	default:
		return 0, false
	}
}

// handleIntent accepts an intent directly over HTTP instead of the gateway.
// Processing is identical: the hub adopts the origin-assigned nonce and keys
// everything by the operation hash, so resubmitting an intent re-emits the
// stored result. Nonce ordering is enforced where intents are created, on
// the connected chain.
func (a *api) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "kind must be deposit, borrow, repay or withdraw")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "amount must be a base-10 integer")
		return
	}
	owner, err := crypto.DecodeAddress(req.Owner)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "owner must be a bech32 account address")
		return
	}
	msg := &omni.IntentMessage{
		Kind:               kind,
		Asset:              req.Asset,
		Amount:             amount,
		OwnerPrefix:        string(owner.Prefix()),
		Owner:              owner.Bytes(),
		OriginChainID:      req.OriginChainID,
		OriginAddress:      owner.Bytes(),
		DestinationChainID: req.DestinationChainID,
		Nonce:              req.Nonce,
	}
	result, err := a.coordinator.Process(r.Context(), msg)
	if err != nil {
		a.logger.Error("intent processing failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "intent processing failed")
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{
		OperationHash: hex.EncodeToString(result.OperationHash[:]),
		Success:       result.Success,
		ResultMessage: result.ResultMessage,
	})
}

type accountResponse struct {
	Owner        string            `json:"owner"`
	Collateral   map[string]string `json:"collateral"`
	Debt         map[string]string `json:"debt"`
	HealthFactor string            `json:"healthFactor,omitempty"`
}

func (a *api) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "owner must be a bech32 account address")
		return
	}
	pos, err := a.engine.GetPosition(owner)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "position unavailable")
		return
	}
	resp := accountResponse{
		Owner:      owner.String(),
		Collateral: balancesToStrings(pos.Collateral),
		Debt:       balancesToStrings(pos.Debt),
	}
	health, err := a.engine.HealthFactor(owner)
	if err != nil {
		// Health is advisory on the query surface; stale feeds should not
		// hide the raw balances.
		a.logger.Warn("health factor unavailable", "owner", owner.String(), "error", err)
	} else if health != nil {
		resp.HealthFactor = health.FloatString(6)
	}
	writeJSON(w, http.StatusOK, resp)
}

func balancesToStrings(balances map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(balances))
	for asset, amount := range balances {
		if amount == nil {
			continue
		}
		out[asset] = amount.String()
	}
	return out
}

type operationResponse struct {
	Hash          string `json:"hash"`
	Owner         string `json:"owner"`
	Kind          string `json:"kind"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	Nonce         uint64 `json:"nonce"`
	Status        string `json:"status"`
	Success       bool   `json:"success"`
	ResultMessage string `json:"resultMessage"`
}

func (a *api) handleOperation(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(chi.URLParam(r, "hash"))
	if err != nil || len(raw) != 32 {
		writeJSONError(w, http.StatusBadRequest, "hash must be 32 hex-encoded bytes")
		return
	}
	var hash [32]byte
	copy(hash[:], raw)
	op, found, err := a.tracker.Get(hash)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "operation store unavailable")
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "operation not found")
		return
	}
	amount := "0"
	if op.Amount != nil {
		amount = op.Amount.String()
	}
	writeJSON(w, http.StatusOK, operationResponse{
		Hash:          op.HashHex(),
		Owner:         op.Owner.String(),
		Kind:          op.Kind.String(),
		Asset:         op.Asset,
		Amount:        amount,
		Nonce:         op.Nonce,
		Status:        op.Status.String(),
		Success:       op.Success,
		ResultMessage: op.ResultMessage,
	})
}

// handleEvents serves the recorded event stream for pollers. A type query
// parameter narrows the response to a single event type.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeJSON(w, http.StatusOK, map[string][]*types.Event{"events": {}})
		return
	}
	var recorded []*types.Event
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		recorded = a.events.ByType(eventType)
	} else {
		recorded = a.events.Events()
	}
	if recorded == nil {
		recorded = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string][]*types.Event{"events": recorded})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps lending store errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lending.ErrMarketNotListed), errors.Is(err, lending.ErrUnknownFeed):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lending.ErrInvalidParameters), errors.Is(err, lending.ErrInvalidAmount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lending.ErrStaleUpdate), errors.Is(err, lending.ErrStalePrice):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDeliveryFailure marks a transport-level fault. Senders may retry: the
// hub keys processing by operation hash, so duplicate deliveries are safe.
var ErrDeliveryFailure = errors.New("gateway: delivery failure")

// Adapter moves opaque payloads between chains. The delivery contract is
// at-least-once: a payload may arrive more than once and out of order
// relative to other payloads, but an accepted payload is eventually
// delivered. The real transport substrate lives outside this module.
type Adapter interface {
	Deliver(ctx context.Context, destChainID uint64, payload []byte) error
}

// Handler consumes a payload delivered to a chain.
type Handler func(ctx context.Context, payload []byte) error

// Loopback is an in-process adapter that routes payloads directly to
// registered chain handlers. Tests use it to exercise the delivery contract,
// including deliberate duplication.
type Loopback struct {
	mu             sync.RWMutex
	handlers       map[uint64]Handler
	duplicateEvery int
	delivered      int
}

// NewLoopback constructs an empty loopback adapter.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[uint64]Handler)}
}

// Register installs the handler receiving payloads for chainID.
func (l *Loopback) Register(chainID uint64, handler Handler) {
	l.mu.Lock()
	l.handlers[chainID] = handler
	l.mu.Unlock()
}

// DuplicateEvery makes every n-th delivery arrive twice, simulating the
// at-least-once contract. Zero disables duplication.
func (l *Loopback) DuplicateEvery(n int) {
	l.mu.Lock()
	l.duplicateEvery = n
	l.mu.Unlock()
}

// Deliver routes the payload to the destination chain's handler.
func (l *Loopback) Deliver(ctx context.Context, destChainID uint64, payload []byte) error {
	l.mu.Lock()
	handler := l.handlers[destChainID]
	l.delivered++
	duplicate := l.duplicateEvery > 0 && l.delivered%l.duplicateEvery == 0
	l.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("%w: no route to chain %d", ErrDeliveryFailure, destChainID)
	}
	if err := handler(ctx, payload); err != nil {
		return err
	}
	if duplicate {
		return handler(ctx, payload)
	}
	return nil
}

package lending

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"omnilend/core/events"
)

var priceKeyPrefix = []byte("lending/price/")

// PriceStore keeps the latest accepted quote per feed identifier. Updates are
// last-writer-wins keyed by the reported timestamp: a quote that does not
// advance the stored timestamp is rejected and never overwrites state.
type PriceStore struct {
	mu      sync.Mutex
	state   kvState
	emitter events.Emitter
	now     func() time.Time
}

// NewPriceStore constructs a price store bound to the provided state backend.
func NewPriceStore(state kvState, emitter events.Emitter) *PriceStore {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &PriceStore{state: state, emitter: emitter, now: time.Now}
}

// SetClock overrides the wall clock used for staleness checks. Tests use it
// to pin "now".
func (s *PriceStore) SetClock(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.now = now
}

func priceKey(feedID string) []byte {
	return append(append([]byte(nil), priceKeyPrefix...), []byte(feedID)...)
}

func normalizeFeed(feedID string) string {
	return strings.TrimSpace(feedID)
}

// SetPrice stores the quote for feedID if its timestamp is strictly newer
// than the current one. Concurrent updates for the same feed race only on
// the timestamp comparison; the stored value is replaced atomically.
func (s *PriceStore) SetPrice(feedID string, value *big.Int, timestamp time.Time) error {
	feed := normalizeFeed(feedID)
	if feed == "" {
		return fmt.Errorf("%w: feed identifier required", ErrUnknownFeed)
	}
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("%w: price value must be positive", ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &storedPrice{}
	found, err := s.state.KVGet(priceKey(feed), stored)
	if err != nil {
		return err
	}
	ts := timestamp.Unix()
	if found && ts <= int64(stored.Timestamp) {
		return fmt.Errorf("%w: feed %s at %d, stored %d", ErrStaleUpdate, feed, ts, stored.Timestamp)
	}

	record := &storedPrice{FeedID: feed, Value: new(big.Int).Set(value), Timestamp: uint64(ts)}
	if err := s.state.KVPut(priceKey(feed), record); err != nil {
		return err
	}
	s.emitter.Emit(NewPriceUpdatedEvent(&Price{FeedID: feed, Value: record.Value, Timestamp: ts}))
	return nil
}

// GetPrice returns the stored quote for feedID. A non-positive maxAge skips
// the staleness check.
func (s *PriceStore) GetPrice(feedID string, maxAge time.Duration) (*Price, error) {
	feed := normalizeFeed(feedID)
	stored := &storedPrice{}
	found, err := s.state.KVGet(priceKey(feed), stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feed)
	}
	price := &Price{FeedID: stored.FeedID, Value: new(big.Int).Set(stored.Value), Timestamp: int64(stored.Timestamp)}
	if maxAge > 0 {
		age := s.now().Sub(time.Unix(price.Timestamp, 0))
		if age > maxAge {
			return nil, fmt.Errorf("%w: feed %s is %s old", ErrStalePrice, feed, age.Truncate(time.Second))
		}
	}
	return price, nil
}

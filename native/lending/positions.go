package lending

import (
	"omnilend/crypto"
)

var positionKeyPrefix = []byte("lending/position/")

// PositionStore persists account positions through the RLP state manager.
// The risk engine is the only writer; queries go through the same store.
type PositionStore struct {
	state kvState
}

// NewPositionStore constructs a position store bound to the state backend.
func NewPositionStore(state kvState) *PositionStore {
	return &PositionStore{state: state}
}

func positionKey(owner crypto.Address) []byte {
	key := append([]byte(nil), positionKeyPrefix...)
	key = append(key, []byte(string(owner.Prefix()))...)
	key = append(key, '/')
	return append(key, owner.Bytes()...)
}

// GetPosition loads the position for owner, returning nil when the account
// has never had a balance-changing action.
func (s *PositionStore) GetPosition(owner crypto.Address) (*Position, error) {
	stored := &storedPosition{}
	found, err := s.state.KVGet(positionKey(owner), stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return stored.toPosition(), nil
}

// PutPosition persists the position under the owner's key.
func (s *PositionStore) PutPosition(pos *Position) error {
	return s.state.KVPut(positionKey(pos.Owner), pos.toStored())
}

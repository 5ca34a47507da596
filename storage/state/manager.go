package state

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"omnilend/storage"
)

// Manager persists RLP-encoded records in the underlying key-value store. It
// is the single codec boundary between in-memory module types and the
// database so that every module shares one serialization discipline.
type Manager struct {
	db storage.Database
}

// NewManager wraps the provided database in an RLP-coded state manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVPut encodes value with RLP and stores it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not configured")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, encoded)
}

// KVGet decodes the record stored under key into out. The boolean reports
// whether the key was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errors.New("state: manager not configured")
	}
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVHas reports whether a record exists under key.
func (m *Manager) KVHas(key []byte) (bool, error) {
	if m == nil || m.db == nil {
		return false, errors.New("state: manager not configured")
	}
	return m.db.Has(key)
}

package omni

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"omnilend/crypto"
)

// IntentMessage is the wire form of a lending intent travelling from a
// connected chain to the hub. The gateway delivers it at least once, possibly
// duplicated and out of order relative to other intents.
type IntentMessage struct {
	Kind               Kind
	Asset              string
	Amount             *big.Int
	OwnerPrefix        string
	Owner              []byte
	OriginChainID      uint64
	OriginAddress      []byte
	DestinationChainID uint64
	DestinationAddress []byte
	Nonce              uint64
}

// OwnerAddress reassembles the owner identity carried in the message.
func (m *IntentMessage) OwnerAddress() crypto.Address {
	return crypto.NewAddress(crypto.AddressPrefix(m.OwnerPrefix), append([]byte(nil), m.Owner...))
}

// Hash derives the operation identifier for the intent.
func (m *IntentMessage) Hash() ([32]byte, error) {
	return ComputeHash(m.OwnerAddress(), m.Nonce, m.Kind, m.Asset, m.Amount)
}

// ResultMessage is the wire form of a hub outcome returned to the
// originating chain. Re-delivery of an intent whose hash is already
// completed yields a byte-identical result.
type ResultMessage struct {
	OperationHash [32]byte
	Success       bool
	ResultMessage string
}

// EncodeIntent serializes the intent with RLP.
func EncodeIntent(m *IntentMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("omni: nil intent message")
	}
	encoded, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, fmt.Errorf("omni: encode intent: %w", err)
	}
	return encoded, nil
}

// DecodeIntent parses an RLP intent payload.
func DecodeIntent(payload []byte) (*IntentMessage, error) {
	msg := &IntentMessage{}
	if err := rlp.Decode(bytes.NewReader(payload), msg); err != nil {
		return nil, fmt.Errorf("omni: decode intent: %w", err)
	}
	return msg, nil
}

// EncodeResult serializes the result with RLP.
func EncodeResult(m *ResultMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("omni: nil result message")
	}
	encoded, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, fmt.Errorf("omni: encode result: %w", err)
	}
	return encoded, nil
}

// DecodeResult parses an RLP result payload.
func DecodeResult(payload []byte) (*ResultMessage, error) {
	msg := &ResultMessage{}
	if err := rlp.Decode(bytes.NewReader(payload), msg); err != nil {
		return nil, fmt.Errorf("omni: decode result: %w", err)
	}
	return msg, nil
}

package omni

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"omnilend/crypto"
)

var (
	// ErrNonceOutOfOrder rejects an intent whose nonce is not exactly one
	// past the owner's last accepted nonce.
	ErrNonceOutOfOrder = errors.New("omni: nonce out of order")
	// ErrOperationNotFound is returned when a hash has no tracked operation.
	ErrOperationNotFound = errors.New("omni: operation not found")
	// ErrInvalidTransition rejects status changes that would move an
	// operation backwards through its lifecycle.
	ErrInvalidTransition = errors.New("omni: invalid status transition")
	// ErrInvalidIntent rejects malformed intents before a nonce is consumed.
	ErrInvalidIntent = errors.New("omni: invalid intent")
)

// Kind is the closed set of lending intents a connected chain may dispatch.
type Kind uint8

const (
	KindDeposit Kind = iota + 1
	KindBorrow
	KindRepay
	KindWithdraw
)

// Valid reports whether the kind is within the supported range.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindBorrow, KindRepay, KindWithdraw:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindBorrow:
		return "borrow"
	case KindRepay:
		return "repay"
	case KindWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Status tracks the one-directional lifecycle of a cross-chain operation.
type Status uint8

const (
	StatusInitiated Status = iota + 1
	StatusDispatched
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusDispatched:
		return "dispatched"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Operation records the identity and lifecycle of a single cross-chain
// lending intent. The hash is immutable once assigned; Completed is terminal
// and carries the result reported back to the originating chain.
type Operation struct {
	Hash               [32]byte
	Owner              crypto.Address
	Kind               Kind
	Asset              string
	Amount             *big.Int
	OriginChainID      uint64
	OriginAddress      []byte
	DestinationChainID uint64
	DestinationAddress []byte
	Nonce              uint64
	Status             Status
	DispatchedAt       int64
	Success            bool
	ResultMessage      string
}

// Clone returns a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	if op == nil {
		return nil
	}
	clone := *op
	if op.Amount != nil {
		clone.Amount = new(big.Int).Set(op.Amount)
	}
	clone.OriginAddress = append([]byte(nil), op.OriginAddress...)
	clone.DestinationAddress = append([]byte(nil), op.DestinationAddress...)
	return &clone
}

// HashHex renders the operation hash for logs and event payloads.
func (op *Operation) HashHex() string {
	return hex.EncodeToString(op.Hash[:])
}

// ComputeHash derives the deterministic operation identifier from the fields
// that define the intent's identity. Duplicate deliveries of the same intent
// always hash to the same value regardless of transport ordering.
func ComputeHash(owner crypto.Address, nonce uint64, kind Kind, asset string, amount *big.Int) ([32]byte, error) {
	if amount == nil {
		amount = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes([]interface{}{
		string(owner.Prefix()),
		owner.Bytes(),
		nonce,
		uint8(kind),
		asset,
		amount,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("omni: encode hash preimage: %w", err)
	}
	var hash [32]byte
	copy(hash[:], gethcrypto.Keccak256(encoded))
	return hash, nil
}

type storedOperation struct {
	Hash               [32]byte
	OwnerPrefix        string
	Owner              []byte
	Kind               uint8
	Asset              string
	Amount             *big.Int
	OriginChainID      uint64
	OriginAddress      []byte
	DestinationChainID uint64
	DestinationAddress []byte
	Nonce              uint64
	Status             uint8
	DispatchedAt       uint64
	Success            bool
	ResultMessage      string
}

func (op *Operation) toStored() *storedOperation {
	amount := op.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &storedOperation{
		Hash:               op.Hash,
		OwnerPrefix:        string(op.Owner.Prefix()),
		Owner:              append([]byte(nil), op.Owner.Bytes()...),
		Kind:               uint8(op.Kind),
		Asset:              op.Asset,
		Amount:             new(big.Int).Set(amount),
		OriginChainID:      op.OriginChainID,
		OriginAddress:      append([]byte(nil), op.OriginAddress...),
		DestinationChainID: op.DestinationChainID,
		DestinationAddress: append([]byte(nil), op.DestinationAddress...),
		Nonce:              op.Nonce,
		Status:             uint8(op.Status),
		DispatchedAt:       uint64(op.DispatchedAt),
		Success:            op.Success,
		ResultMessage:      op.ResultMessage,
	}
}

func (s *storedOperation) toOperation() *Operation {
	owner := crypto.NewAddress(crypto.AddressPrefix(s.OwnerPrefix), append([]byte(nil), s.Owner...))
	return &Operation{
		Hash:               s.Hash,
		Owner:              owner,
		Kind:               Kind(s.Kind),
		Asset:              s.Asset,
		Amount:             new(big.Int).Set(s.Amount),
		OriginChainID:      s.OriginChainID,
		OriginAddress:      append([]byte(nil), s.OriginAddress...),
		DestinationChainID: s.DestinationChainID,
		DestinationAddress: append([]byte(nil), s.DestinationAddress...),
		Nonce:              s.Nonce,
		Status:             Status(s.Status),
		DispatchedAt:       int64(s.DispatchedAt),
		Success:            s.Success,
		ResultMessage:      s.ResultMessage,
	}
}

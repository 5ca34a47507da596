package omni

import (
	"strconv"

	"omnilend/core/types"
)

const (
	EventTypeOperationInitiated = "omni.operation.initiated"
	EventTypeOperationCompleted = "omni.operation.completed"
)

// NewOperationInitiatedEvent returns the canonical payload emitted when an
// intent consumes a nonce and receives its hash.
func NewOperationInitiatedEvent(op *Operation) *types.Event {
	attrs := make(map[string]string)
	if op != nil {
		attrs["hash"] = op.HashHex()
		attrs["owner"] = op.Owner.String()
		attrs["kind"] = op.Kind.String()
		attrs["asset"] = op.Asset
		if op.Amount != nil {
			attrs["amount"] = op.Amount.String()
		}
		attrs["nonce"] = strconv.FormatUint(op.Nonce, 10)
	}
	return &types.Event{Type: EventTypeOperationInitiated, Attributes: attrs}
}

// NewOperationCompletedEvent returns the canonical payload emitted exactly
// once per operation when its terminal outcome is recorded.
func NewOperationCompletedEvent(op *Operation) *types.Event {
	attrs := make(map[string]string)
	if op != nil {
		attrs["hash"] = op.HashHex()
		attrs["success"] = strconv.FormatBool(op.Success)
		attrs["resultMessage"] = op.ResultMessage
	}
	return &types.Event{Type: EventTypeOperationCompleted, Attributes: attrs}
}

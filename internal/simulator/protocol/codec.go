package protocol

import (
	"encoding/json"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// Encode serializes the payload of an operation. The returned tag selects the decoder on the receiving side.
func Encode(op SimulatorOperation) (OperationType, []byte, error) {
	if op == nil {
		return 0, nil, &simerrors.ErrDecode{OperationType: -1, Message: "operation is nil"}
	}
	t := op.OperationType()
	if !t.IsRegistered() {
		return t, nil, &simerrors.ErrDecode{OperationType: int(t), Message: "operation type is not registered"}
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return t, nil, &simerrors.ErrDecode{OperationType: int(t), Message: "unable to encode payload", Cause: err}
	}
	return t, payload, nil
}

// Decode reconstructs an operation from its tag and serialized payload.
func Decode(t OperationType, payload []byte) (SimulatorOperation, error) {
	op, ok := newOperation(t)
	if !ok {
		return nil, &simerrors.ErrDecode{OperationType: int(t), Message: "operation type is not registered"}
	}
	if len(payload) == 0 {
		return op, nil
	}
	if err := json.Unmarshal(payload, op); err != nil {
		return nil, &simerrors.ErrDecode{OperationType: int(t), Message: "unable to decode payload", Cause: err}
	}
	return op, nil
}

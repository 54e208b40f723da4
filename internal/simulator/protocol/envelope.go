package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
)

const (
	ErrorKindDecode     = "DecodeError"
	ErrorKindProcessing = "ProcessingError"
)

// Envelope is the wire representation of an operation sent between two simulator components.
type Envelope struct {
	Source        address.SimulatorAddress `json:"source"`
	Target        address.SimulatorAddress `json:"target"`
	OperationType OperationType            `json:"operationType"`
	Payload       json.RawMessage          `json:"payload"`
	// Only set for requests that expect a reply.
	CorrelationID string `json:"correlationId,omitempty"`
}

func NewEnvelope(source, target address.SimulatorAddress, op SimulatorOperation) (*Envelope, error) {
	t, payload, err := Encode(op)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Source:        source,
		Target:        target,
		OperationType: t,
		Payload:       payload,
	}, nil
}

// Operation decodes the payload of the envelope.
func (e *Envelope) Operation() (SimulatorOperation, error) {
	return Decode(e.OperationType, e.Payload)
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, &simerrors.ErrDecode{OperationType: -1, Message: "malformed envelope", Cause: err}
	}
	return e, nil
}

// Reply answers an envelope that carried a correlation id.
// A successful reply carries an optional payload, a failed one carries an error kind and a message.
type Reply struct {
	CorrelationID string                   `json:"correlationId"`
	Source        address.SimulatorAddress `json:"source"`
	ResponseType  ResponseType             `json:"responseType"`
	Payload       json.RawMessage          `json:"payload,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

// NewReply creates the reply for a processed operation. A non-nil err always results in
// EXCEPTION_DURING_OPERATION_EXECUTION, regardless of the given response type.
func NewReply(correlationID string, source address.SimulatorAddress, responseType ResponseType, err error) *Reply {
	r := &Reply{
		CorrelationID: correlationID,
		Source:        source,
		ResponseType:  responseType,
	}
	if err != nil {
		r.ResponseType = ExceptionDuringOperationExecution
		r.Error = ErrorKindProcessing
		r.Message = err.Error()
	}
	return r
}

// NewDecodeErrorReply creates the reply sent when an incoming envelope couldn't be decoded.
func NewDecodeErrorReply(correlationID string, source address.SimulatorAddress, err error) *Reply {
	return &Reply{
		CorrelationID: correlationID,
		Source:        source,
		ResponseType:  ExceptionDuringOperationExecution,
		Error:         ErrorKindDecode,
		Message:       err.Error(),
	}
}

func (r *Reply) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalReply(data []byte) (*Reply, error) {
	r := &Reply{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &simerrors.ErrDecode{OperationType: -1, Message: "malformed reply", Cause: err}
	}
	return r, nil
}

// Err returns the error carried by a failed reply, or nil.
func (r *Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	return &ReplyError{Source: r.Source, Kind: r.Error, ResponseType: r.ResponseType, Message: r.Message}
}

// ReplyError is the error a remote component reported while processing an operation.
type ReplyError struct {
	Source       address.SimulatorAddress
	Kind         string
	ResponseType ResponseType
	Message      string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s from %s (%s): %s", e.Kind, e.Source, e.ResponseType, e.Message)
}

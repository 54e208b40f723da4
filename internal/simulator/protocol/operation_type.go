package protocol

import (
	"fmt"
)

// OperationType is the tag identifying the payload shape of an envelope on the wire.
// Values are part of the wire format and must never be renumbered.
type OperationType int

const (
	IntegrationTest OperationType = iota
	Log
	CreateWorker
	StartTimeoutDetection
	StopTimeoutDetection
	Failure
	Ping
	TerminateWorker
	CreateTest
	StartTestPhase
	StopTest
	PerformanceStats
)

// SimulatorOperation is implemented by every payload that can be sent between simulator components.
type SimulatorOperation interface {
	OperationType() OperationType
}

type operationRegistration struct {
	name string
	new  func() SimulatorOperation
}

// The registration table is built once; adding an operation means adding an entry here.
var registry = map[OperationType]operationRegistration{
	IntegrationTest:       {"INTEGRATION_TEST", func() SimulatorOperation { return &IntegrationTestOperation{} }},
	Log:                   {"LOG", func() SimulatorOperation { return &LogOperation{} }},
	CreateWorker:          {"CREATE_WORKER", func() SimulatorOperation { return &CreateWorkerOperation{} }},
	StartTimeoutDetection: {"START_TIMEOUT_DETECTION", func() SimulatorOperation { return &StartTimeoutDetectionOperation{} }},
	StopTimeoutDetection:  {"STOP_TIMEOUT_DETECTION", func() SimulatorOperation { return &StopTimeoutDetectionOperation{} }},
	Failure:               {"FAILURE", func() SimulatorOperation { return &FailureOperation{} }},
	Ping:                  {"PING", func() SimulatorOperation { return &PingOperation{} }},
	TerminateWorker:       {"TERMINATE_WORKER", func() SimulatorOperation { return &TerminateWorkerOperation{} }},
	CreateTest:            {"CREATE_TEST", func() SimulatorOperation { return &CreateTestOperation{} }},
	StartTestPhase:        {"START_TEST_PHASE", func() SimulatorOperation { return &StartTestPhaseOperation{} }},
	StopTest:              {"STOP_TEST", func() SimulatorOperation { return &StopTestOperation{} }},
	PerformanceStats:      {"PERFORMANCE_STATS", func() SimulatorOperation { return &PerformanceStatsOperation{} }},
}

func (t OperationType) String() string {
	if r, ok := registry[t]; ok {
		return r.name
	}
	return fmt.Sprintf("OperationType(%d)", int(t))
}

// IsRegistered returns true if the tag has a payload decoder.
func (t OperationType) IsRegistered() bool {
	_, ok := registry[t]
	return ok
}

func newOperation(t OperationType) (SimulatorOperation, bool) {
	r, ok := registry[t]
	if !ok {
		return nil, false
	}
	return r.new(), true
}

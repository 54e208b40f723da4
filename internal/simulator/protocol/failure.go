package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/G-Research/simulator/internal/simulator/address"
)

type FailureType string

const (
	WorkerOOM          FailureType = "WORKER_OOM"
	WorkerException    FailureType = "WORKER_EXCEPTION"
	WorkerExit         FailureType = "WORKER_EXIT"
	WorkerTimeout      FailureType = "WORKER_TIMEOUT"
	WorkerFinished     FailureType = "WORKER_FINISHED"
	WorkerNormalExit   FailureType = "WORKER_NORMAL_EXIT"
	MessagingException FailureType = "MESSAGING_EXCEPTION"
)

// IsTerminal returns true if the worker reporting this failure is no longer running.
func (t FailureType) IsTerminal() bool {
	switch t {
	case WorkerOOM, WorkerExit, WorkerFinished, WorkerNormalExit:
		return true
	default:
		return false
	}
}

// IsPoisonPill returns true for lifecycle events that are reported through the failure path
// but don't indicate that anything went wrong.
func (t FailureType) IsPoisonPill() bool {
	return t == WorkerFinished || t == WorkerNormalExit
}

// FailureOperation reports a problem with a worker, an agent or the messaging layer to the coordinator.
type FailureOperation struct {
	Message       string                    `json:"message"`
	Type          FailureType               `json:"type"`
	Timestamp     time.Time                 `json:"timestamp"`
	AgentAddress  *address.SimulatorAddress `json:"agentAddress,omitempty"`
	WorkerAddress *address.SimulatorAddress `json:"workerAddress,omitempty"`
	MemberAddress string                    `json:"memberAddress,omitempty"`
	WorkerID      string                    `json:"workerId,omitempty"`
	TestID        string                    `json:"testId,omitempty"`
	Cause         string                    `json:"cause,omitempty"`
}

func (*FailureOperation) OperationType() OperationType { return Failure }

// NewFailureOperation creates a failure originating from the given address.
// Worker and test addresses set both the worker and the agent address.
func NewFailureOperation(message string, failureType FailureType, origin address.SimulatorAddress, cause string) *FailureOperation {
	f := &FailureOperation{
		Message:   message,
		Type:      failureType,
		Timestamp: time.Now(),
		Cause:     cause,
	}
	if origin.Level() >= address.Agent {
		agent, _ := origin.AgentAddress()
		f.AgentAddress = &agent
	}
	if origin.Level() >= address.Worker {
		worker := origin
		if origin.Level() == address.Test {
			worker, _ = origin.Parent()
		}
		f.WorkerAddress = &worker
	}
	return f
}

func (f *FailureOperation) WithWorkerID(workerID string) *FailureOperation {
	f.WorkerID = workerID
	return f
}

func (f *FailureOperation) WithTestID(testID string) *FailureOperation {
	f.TestID = testID
	return f
}

func (f *FailureOperation) WithMemberAddress(memberAddress string) *FailureOperation {
	f.MemberAddress = memberAddress
	return f
}

// FailureDescription renders the failure in a human readable, multi-line form.
func (f *FailureOperation) FailureDescription() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Failure[%s] %s\n", f.Type, f.Message))
	if f.AgentAddress != nil {
		sb.WriteString(fmt.Sprintf("  agent:  %s\n", f.AgentAddress))
	}
	if f.WorkerAddress != nil {
		sb.WriteString(fmt.Sprintf("  worker: %s (%s)\n", f.WorkerAddress, f.WorkerID))
	}
	if f.MemberAddress != "" {
		sb.WriteString(fmt.Sprintf("  member: %s\n", f.MemberAddress))
	}
	if f.TestID != "" {
		sb.WriteString(fmt.Sprintf("  test:   %s\n", f.TestID))
	}
	if f.Cause != "" {
		sb.WriteString("  cause:\n")
		sb.WriteString(f.Cause)
		sb.WriteString("\n")
	}
	return sb.String()
}

package processor

import (
	"time"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

const (
	agentRole        = "agent"
	workerRole       = "worker"
	coordinatorRole  = "coordinator"
	communicatorRole = "communicator"
)

type AgentHandler interface {
	CreateWorkers(workers []settings.WorkerProcessSettings, delay time.Duration) error
	StartTimeoutDetection()
	StopTimeoutDetection()
	// WorkerSeen records a sign of life of a local worker. Returns an ErrNotFound for unknown workers.
	WorkerSeen(worker address.SimulatorAddress) error
}

type AgentOperationProcessor struct {
	handler AgentHandler
}

func NewAgentOperationProcessor(handler AgentHandler) *AgentOperationProcessor {
	return &AgentOperationProcessor{handler: handler}
}

func (p *AgentOperationProcessor) Process(op protocol.SimulatorOperation, source address.SimulatorAddress) (protocol.ResponseType, error) {
	if response, err, handled := processCommon(agentRole, op, source); handled {
		return response, err
	}
	switch operation := op.(type) {
	case *protocol.CreateWorkerOperation:
		if err := p.handler.CreateWorkers(operation.Settings, operation.Delay); err != nil {
			return "", err
		}
		return protocol.Success, nil
	case *protocol.StartTimeoutDetectionOperation:
		p.handler.StartTimeoutDetection()
		return protocol.Success, nil
	case *protocol.StopTimeoutDetectionOperation:
		p.handler.StopTimeoutDetection()
		return protocol.Success, nil
	case *protocol.PingOperation:
		if source.Level() != address.Worker {
			return protocol.Success, nil
		}
		return notFoundResponse(p.handler.WorkerSeen(source), protocol.FailureWorkerNotFound)
	default:
		return unsupported(agentRole, op)
	}
}

type WorkerHandler interface {
	Ping() error
	Shutdown(ensureProcessShutdown bool) error
	CreateTest(testAddress address.SimulatorAddress, op *protocol.CreateTestOperation) error
	// The test operations return an ErrNotFound for unknown tests.
	StartTestPhase(testID string, phase protocol.TestPhase) error
	StopTest(testID string) error
}

type WorkerOperationProcessor struct {
	workerAddress address.SimulatorAddress
	handler       WorkerHandler
}

func NewWorkerOperationProcessor(workerAddress address.SimulatorAddress, handler WorkerHandler) *WorkerOperationProcessor {
	return &WorkerOperationProcessor{workerAddress: workerAddress, handler: handler}
}

func (p *WorkerOperationProcessor) Process(op protocol.SimulatorOperation, source address.SimulatorAddress) (protocol.ResponseType, error) {
	if response, err, handled := processCommon(workerRole, op, source); handled {
		return response, err
	}
	switch operation := op.(type) {
	case *protocol.PingOperation:
		if err := p.handler.Ping(); err != nil {
			return "", err
		}
		return protocol.Success, nil
	case *protocol.TerminateWorkerOperation:
		if err := p.handler.Shutdown(operation.EnsureProcessShutdown); err != nil {
			return "", err
		}
		return protocol.Success, nil
	case *protocol.CreateTestOperation:
		testAddress, err := p.workerAddress.Child(operation.TestIndex)
		if err != nil {
			return "", err
		}
		if err := p.handler.CreateTest(testAddress, operation); err != nil {
			return "", err
		}
		return protocol.Success, nil
	case *protocol.StartTestPhaseOperation:
		return notFoundResponse(p.handler.StartTestPhase(operation.TestID, operation.Phase), protocol.FailureTestNotFound)
	case *protocol.StopTestOperation:
		return notFoundResponse(p.handler.StopTest(operation.TestID), protocol.FailureTestNotFound)
	default:
		return unsupported(workerRole, op)
	}
}

type CoordinatorHandler interface {
	OnFailure(failure *protocol.FailureOperation)
	OnPerformanceStats(source address.SimulatorAddress, stats *protocol.PerformanceStatsOperation)
}

type CoordinatorOperationProcessor struct {
	handler CoordinatorHandler
}

func NewCoordinatorOperationProcessor(handler CoordinatorHandler) *CoordinatorOperationProcessor {
	return &CoordinatorOperationProcessor{handler: handler}
}

func (p *CoordinatorOperationProcessor) Process(op protocol.SimulatorOperation, source address.SimulatorAddress) (protocol.ResponseType, error) {
	if response, err, handled := processCommon(coordinatorRole, op, source); handled {
		return response, err
	}
	switch operation := op.(type) {
	case *protocol.FailureOperation:
		p.handler.OnFailure(operation)
		return protocol.Success, nil
	case *protocol.PerformanceStatsOperation:
		p.handler.OnPerformanceStats(source, operation)
		return protocol.Success, nil
	default:
		return unsupported(coordinatorRole, op)
	}
}

// CommunicatorOperationProcessor serves command line tools that only exchange integration tests and log messages.
type CommunicatorOperationProcessor struct{}

func NewCommunicatorOperationProcessor() *CommunicatorOperationProcessor {
	return &CommunicatorOperationProcessor{}
}

func (p *CommunicatorOperationProcessor) Process(op protocol.SimulatorOperation, source address.SimulatorAddress) (protocol.ResponseType, error) {
	if response, err, handled := processCommon(communicatorRole, op, source); handled {
		return response, err
	}
	return unsupported(communicatorRole, op)
}

package protocol

import (
	"time"

	"github.com/G-Research/simulator/internal/simulator/settings"
)

// IntegrationTestData is the payload an IntegrationTestOperation has to carry to be answered with SUCCESS.
const IntegrationTestData = "IntegrationTestData"

type IntegrationTestType string

const (
	EqualsTest      IntegrationTestType = "EQUALS"
	NestedSyncTest  IntegrationTestType = "NESTED_SYNC"
	NestedAsyncTest IntegrationTestType = "NESTED_ASYNC"
)

// IntegrationTestOperation is a check operation that verifies the message path between components.
type IntegrationTestOperation struct {
	Type     IntegrationTestType `json:"type"`
	TestData string              `json:"testData"`
}

func (*IntegrationTestOperation) OperationType() OperationType { return IntegrationTest }

type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogOperation asks the receiver to write a message to its log.
type LogOperation struct {
	Message string   `json:"message"`
	Level   LogLevel `json:"level"`
}

func (*LogOperation) OperationType() OperationType { return Log }

// CreateWorkerOperation asks an agent to launch worker processes.
type CreateWorkerOperation struct {
	Settings []settings.WorkerProcessSettings `json:"settings"`
	// Delay between launching two consecutive workers.
	Delay time.Duration `json:"delay"`
}

func (*CreateWorkerOperation) OperationType() OperationType { return CreateWorker }

type StartTimeoutDetectionOperation struct{}

func (*StartTimeoutDetectionOperation) OperationType() OperationType { return StartTimeoutDetection }

type StopTimeoutDetectionOperation struct{}

func (*StopTimeoutDetectionOperation) OperationType() OperationType { return StopTimeoutDetection }

// PingOperation checks the receiver is alive. Workers use it to refresh their last-seen timestamp.
type PingOperation struct{}

func (*PingOperation) OperationType() OperationType { return Ping }

type TerminateWorkerOperation struct {
	// If set the worker process is killed when it doesn't exit by itself.
	EnsureProcessShutdown bool `json:"ensureProcessShutdown"`
}

func (*TerminateWorkerOperation) OperationType() OperationType { return TerminateWorker }

type CreateTestOperation struct {
	TestIndex  int               `json:"testIndex"`
	TestID     string            `json:"testId"`
	Properties map[string]string `json:"properties"`
}

func (*CreateTestOperation) OperationType() OperationType { return CreateTest }

type TestPhase string

const (
	PhaseSetup         TestPhase = "SETUP"
	PhaseLocalWarmup   TestPhase = "LOCAL_WARMUP"
	PhaseRun           TestPhase = "RUN"
	PhaseLocalVerify   TestPhase = "LOCAL_VERIFY"
	PhaseLocalTeardown TestPhase = "LOCAL_TEARDOWN"
)

type StartTestPhaseOperation struct {
	TestID string    `json:"testId"`
	Phase  TestPhase `json:"phase"`
}

func (*StartTestPhaseOperation) OperationType() OperationType { return StartTestPhase }

type StopTestOperation struct {
	TestID string `json:"testId"`
}

func (*StopTestOperation) OperationType() OperationType { return StopTest }

// PerformanceStatsOperation carries throughput numbers from a worker. Only the envelope is defined here.
type PerformanceStatsOperation struct {
	TestID         string    `json:"testId"`
	OperationCount int64     `json:"operationCount"`
	Throughput     float64   `json:"throughput"`
	Timestamp      time.Time `json:"timestamp"`
}

func (*PerformanceStatsOperation) OperationType() OperationType { return PerformanceStats }

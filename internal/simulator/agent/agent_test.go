package agent

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/client"
	"github.com/G-Research/simulator/internal/simulator/configuration"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

const testTimeout = 5 * time.Second

type failureRecorder struct {
	mu       sync.Mutex
	failures []*protocol.FailureOperation
}

func (r *failureRecorder) OnFailure(failure *protocol.FailureOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
}

func (r *failureRecorder) OnPerformanceStats(address.SimulatorAddress, *protocol.PerformanceStatsOperation) {}

func (r *failureRecorder) received() []*protocol.FailureOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.FailureOperation(nil), r.failures...)
}

func testConfig(t *testing.T) configuration.AgentConfiguration {
	return configuration.AgentConfiguration{
		AgentIndex:    1,
		PublicAddress: "127.0.0.1",
		SessionID:     "session",
		WorkersHome:   t.TempDir(),
		Broker: configuration.BrokerConfiguration{
			Host: "127.0.0.1",
			Port: broker.RandomPort,
		},
		Monitor: configuration.MonitorConfiguration{
			Interval:              20 * time.Millisecond,
			WorkerTimeout:         time.Minute,
			FailureSendTimeout:    time.Second,
			FailureSendAttempts:   3,
			FailureSendRetryDelay: 50 * time.Millisecond,
		},
		ShutdownTimeout: time.Second,
	}
}

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func startCoordinator(t *testing.T, a *Agent, handler processor.CoordinatorHandler) *client.CoordinatorClient {
	config := client.DefaultConfig()
	config.PollInterval = 10 * time.Millisecond
	c := client.NewCoordinatorClient(config, processor.NewCoordinatorOperationProcessor(handler))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.ConnectToAgent(a.Address(), a.BrokerURL()))
	return c
}

func TestAgent_AnswersOperations(t *testing.T) {
	a, err := NewAgent(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Stop()

	assert.Equal(t, "A1", a.Address().String())
	assert.Greater(t, a.BrokerPort(), 0)

	c := startCoordinator(t, a, &failureRecorder{})
	reply, err := c.Submit(a.Address(), &protocol.IntegrationTestOperation{
		Type:     protocol.EqualsTest,
		TestData: protocol.IntegrationTestData,
	}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)

	_, err = c.Submit(a.Address(), &protocol.StartTimeoutDetectionOperation{}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.True(t, a.monitor.IsDetectingTimeouts())

	_, err = c.Submit(a.Address(), &protocol.StopTimeoutDetectionOperation{}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.False(t, a.monitor.IsDetectingTimeouts())
}

func TestAgent_ReportsExitedWorker(t *testing.T) {
	a, err := NewAgent(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Stop()

	recorder := &failureRecorder{}
	c := startCoordinator(t, a, recorder)

	workerAddress := address.MustParse("A1_W1")
	s := settings.WorkerProcessSettings{
		WorkerAddress: workerAddress,
		WorkerIndex:   1,
		WorkerType:    settings.Member,
		WorkerScript:  writeScript(t, "exit 3"),
	}
	reply, err := c.Submit(a.Address(), &protocol.CreateWorkerOperation{Settings: []settings.WorkerProcessSettings{s}}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)

	require.Eventually(t, func() bool { return len(recorder.received()) == 1 }, testTimeout, 20*time.Millisecond)
	failure := recorder.received()[0]
	assert.Equal(t, protocol.WorkerExit, failure.Type)
	require.NotNil(t, failure.WorkerAddress)
	assert.Equal(t, workerAddress, *failure.WorkerAddress)
	assert.Equal(t, 0, a.Processes().Count())
}

func TestAgent_AnswersForMissingWorkers(t *testing.T) {
	a, err := NewAgent(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Stop()

	c := startCoordinator(t, a, &failureRecorder{})
	reply, err := c.Submit(address.MustParse("A1_W2"), &protocol.PingOperation{}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.FailureWorkerNotFound, reply.ResponseType)
	assert.Equal(t, a.Address(), reply.Source)
}

func TestAgent_RejectsForeignWorkers(t *testing.T) {
	a, err := NewAgent(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Stop()

	err = a.CreateWorkers([]settings.WorkerProcessSettings{{
		WorkerAddress: address.MustParse("A2_W1"),
		WorkerIndex:   1,
		WorkerType:    settings.Member,
		WorkerScript:  writeScript(t, "sleep 10"),
	}}, 0)
	assert.Error(t, err)
	assert.Equal(t, 0, a.Processes().Count())
}

func TestStartUp_InvalidConfiguration(t *testing.T) {
	config := testConfig(t)
	config.AgentIndex = 0
	_, _, err := StartUp(config)
	assert.Error(t, err)
}

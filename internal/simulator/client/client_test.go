package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

const testTimeout = 5 * time.Second

type recordingProcessor struct {
	mu         sync.Mutex
	operations []protocol.SimulatorOperation
	// If set, Process blocks until the channel is closed.
	block chan struct{}
}

func (p *recordingProcessor) Process(op protocol.SimulatorOperation, _ address.SimulatorAddress) (protocol.ResponseType, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.operations = append(p.operations, op)
	return protocol.Success, nil
}

func (p *recordingProcessor) received() []protocol.SimulatorOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.SimulatorOperation(nil), p.operations...)
}

type testAgent struct {
	address   address.SimulatorAddress
	broker    *broker.Broker
	conn      *broker.Connection
	processor *recordingProcessor
}

func startAgent(t *testing.T, agent string, p *recordingProcessor) *testAgent {
	b, err := broker.NewBroker(broker.Config{Host: "127.0.0.1", Port: broker.RandomPort})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Shutdown)

	conn, err := broker.Connect(b.ClientURL(), broker.ConnectionOptions{Name: agent})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	a := &testAgent{address: address.MustParse(agent), broker: b, conn: conn, processor: p}
	if p != nil {
		require.NoError(t, broker.NewResponder(conn, a.address, p).Start())
		require.NoError(t, conn.Flush(testTimeout))
	}
	return a
}

func newClient(t *testing.T, agents ...*testAgent) (*CoordinatorClient, *recordingProcessor) {
	local := &recordingProcessor{}
	config := DefaultConfig()
	config.ConnectTimeout = time.Second
	c := NewCoordinatorClient(config, local)
	t.Cleanup(func() { _ = c.Close() })
	for _, a := range agents {
		require.NoError(t, c.ConnectToAgent(a.address, a.broker.ClientURL()))
	}
	return c, local
}

func TestSubmit_CompletesWithReply(t *testing.T) {
	agent := startAgent(t, "A1", &recordingProcessor{})
	c, _ := newClient(t, agent)

	future := c.Submit(agent.address, &protocol.PingOperation{})
	reply, err := future.GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)
	assert.Equal(t, future.CorrelationID(), reply.CorrelationID)
	assert.True(t, future.IsDone())
	assert.Zero(t, c.pending.count())
}

func TestSend_DeliversInOrder(t *testing.T) {
	agent := startAgent(t, "A1", &recordingProcessor{})
	c, _ := newClient(t, agent)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Send(agent.address, &protocol.LogOperation{Message: string(rune('a' + i)), Level: protocol.LogDebug}))
	}
	require.Eventually(t, func() bool { return len(agent.processor.received()) == 20 }, testTimeout, 10*time.Millisecond)
	for i, op := range agent.processor.received() {
		assert.Equal(t, string(rune('a'+i)), op.(*protocol.LogOperation).Message)
	}
}

func TestSend_UnknownAgent(t *testing.T) {
	c, _ := newClient(t)
	err := c.Send(address.MustParse("A3"), &protocol.PingOperation{})
	var notFound *simerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "unexpected error %v", err)
}

func TestSubmit_UnknownAgentFailsFuture(t *testing.T) {
	c, _ := newClient(t)
	future := c.Submit(address.MustParse("A3_W1"), &protocol.PingOperation{})
	require.True(t, future.IsDone())
	_, err := future.GetWithTimeout(time.Millisecond)
	var notFound *simerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "unexpected error %v", err)
}

func TestSubmit_NoResponder(t *testing.T) {
	agent := startAgent(t, "A1", nil)
	c, _ := newClient(t, agent)

	_, err := c.Submit(agent.address, &protocol.PingOperation{}).GetWithTimeout(testTimeout)
	var notFound *simerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "unexpected error %v", err)
}

func TestInvokeAll(t *testing.T) {
	first := startAgent(t, "A1", &recordingProcessor{})
	second := startAgent(t, "A2", &recordingProcessor{})
	c, _ := newClient(t, first, second)
	assert.Equal(t, []address.SimulatorAddress{first.address, second.address}, c.Agents())

	replies, err := c.InvokeAll(context.Background(), c.Agents(), &protocol.StartTimeoutDetectionOperation{}, testTimeout)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "A1", replies[0].Source.String())
	assert.Equal(t, "A2", replies[1].Source.String())
}

func TestInvokeAll_AggregatesErrors(t *testing.T) {
	agent := startAgent(t, "A1", &recordingProcessor{})
	c, _ := newClient(t, agent)

	targets := []address.SimulatorAddress{agent.address, address.MustParse("A2")}
	replies, err := c.InvokeAll(context.Background(), targets, &protocol.PingOperation{}, testTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A2")
	require.Len(t, replies, 2)
	assert.Equal(t, protocol.Success, replies[0].ResponseType)
	assert.Nil(t, replies[1])
}

func TestInvokeAll_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	agent := startAgent(t, "A1", &recordingProcessor{block: release})
	c, _ := newClient(t, agent)

	start := time.Now()
	_, err := c.InvokeAll(context.Background(), []address.SimulatorAddress{agent.address}, &protocol.PingOperation{}, 200*time.Millisecond)
	assert.True(t, simerrors.IsTimeout(err), "unexpected error %v", err)
	assert.Less(t, time.Since(start), testTimeout)
}

func TestDuplicateReplyIsIgnored(t *testing.T) {
	agent := startAgent(t, "A1", nil)
	_, err := agent.conn.Subscribe(broker.AgentTopic, func(msg *nats.Msg) {
		envelope, err := protocol.UnmarshalEnvelope(msg.Data)
		if err != nil {
			return
		}
		_ = agent.conn.Respond(msg, protocol.NewReply(envelope.CorrelationID, agent.address, protocol.Success, nil))
		_ = agent.conn.Respond(msg, protocol.NewReply(envelope.CorrelationID, agent.address, protocol.FailureWorkerNotFound, nil))
	})
	require.NoError(t, err)
	require.NoError(t, agent.conn.Flush(testTimeout))
	c, _ := newClient(t, agent)

	future := c.Submit(agent.address, &protocol.PingOperation{})
	reply, err := future.GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)

	// Give the pump time to consume the second reply.
	time.Sleep(100 * time.Millisecond)
	again, err := future.GetWithTimeout(time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, reply, again)
}

func TestBrokerLoss_FailsPendingAndReportsFailure(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	lost := startAgent(t, "A1", &recordingProcessor{block: release})
	healthy := startAgent(t, "A2", &recordingProcessor{})
	c, local := newClient(t, lost, healthy)

	future := c.Submit(lost.address, &protocol.PingOperation{})
	require.Eventually(t, func() bool { return c.pending.count() == 1 }, testTimeout, 10*time.Millisecond)

	lost.broker.Shutdown()

	_, err := future.GetWithTimeout(testTimeout)
	assert.True(t, simerrors.IsConnectionClosed(err), "unexpected error %v", err)

	require.Eventually(t, func() bool { return len(local.received()) == 1 }, testTimeout, 10*time.Millisecond)
	failure, ok := local.received()[0].(*protocol.FailureOperation)
	require.True(t, ok)
	assert.Equal(t, protocol.MessagingException, failure.Type)
	assert.Equal(t, "A1", failure.AgentAddress.String())
	assert.False(t, c.IsConnected(lost.address))

	// Other agents are not affected.
	reply, err := c.Submit(healthy.address, &protocol.PingOperation{}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)
}

func TestInboundOperationsAreDispatchedToLocalProcessor(t *testing.T) {
	agent := startAgent(t, "A1", &recordingProcessor{})
	_, local := newClient(t, agent)

	worker := address.MustParse("A1_W1")
	failure := protocol.NewFailureOperation("worker exited", protocol.WorkerExit, worker, "")
	envelope, err := protocol.NewEnvelope(worker, address.CoordinatorAddress(), failure)
	require.NoError(t, err)
	envelope.CorrelationID = "failure-1"

	reply, err := agent.conn.Request(broker.CoordinatorTopic, envelope, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)
	assert.Equal(t, "failure-1", reply.CorrelationID)

	received := local.received()
	require.Len(t, received, 1)
	assert.Equal(t, protocol.WorkerExit, received[0].(*protocol.FailureOperation).Type)
}

func TestClose_FailsOutstandingFutures(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	agent := startAgent(t, "A1", &recordingProcessor{block: release})
	c, local := newClient(t, agent)

	future := c.Submit(agent.address, &protocol.PingOperation{})
	require.Eventually(t, func() bool { return c.pending.count() == 1 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, c.Close())
	_, err := future.GetWithTimeout(testTimeout)
	assert.True(t, simerrors.IsConnectionClosed(err), "unexpected error %v", err)
	assert.Empty(t, local.received())

	assert.Error(t, c.Send(agent.address, &protocol.PingOperation{}))
	assert.Error(t, c.ConnectToAgent(agent.address, agent.broker.ClientURL()))
}

func TestConnectToAgent_Unreachable(t *testing.T) {
	c, _ := newClient(t)
	err := c.ConnectToAgent(address.MustParse("A1"), "nats://127.0.0.1:1")
	var connErr *simerrors.ErrConnection
	assert.True(t, errors.As(err, &connErr), "unexpected error %v", err)

	err = c.ConnectToAgent(address.MustParse("A1_W1"), "nats://127.0.0.1:1")
	var levelErr *simerrors.ErrInvalidLevel
	assert.True(t, errors.As(err, &levelErr), "unexpected error %v", err)
}

func TestSubmit_UnknownWorkerIsReportedByAgent(t *testing.T) {
	agent := startAgent(t, "A1", &recordingProcessor{})
	running := address.MustParse("A1_W1")
	worker := &recordingProcessor{}
	require.NoError(t, broker.NewResponder(agent.conn, running, worker).Start())
	missing := broker.NewMissingWorkerResponder(agent.conn, agent.address, func(w address.SimulatorAddress) bool {
		return w == running
	})
	require.NoError(t, missing.Start())
	t.Cleanup(missing.Stop)
	require.NoError(t, agent.conn.Flush(testTimeout))
	c, _ := newClient(t, agent)

	for _, target := range []string{"A1_W2", "A1_W2_T1"} {
		start := time.Now()
		reply, err := c.Submit(address.MustParse(target), &protocol.PingOperation{}).GetWithTimeout(testTimeout)
		require.NoError(t, err, target)
		assert.Equal(t, protocol.FailureWorkerNotFound, reply.ResponseType, target)
		assert.Equal(t, agent.address, reply.Source, target)
		assert.Less(t, time.Since(start), time.Second, target)
	}

	reply, err := c.Submit(running, &protocol.PingOperation{}).GetWithTimeout(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, reply.ResponseType)
	assert.Equal(t, running, reply.Source)
	assert.Len(t, worker.received(), 1)
	assert.Equal(t, 0, c.pending.count())
}

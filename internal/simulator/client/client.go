// Package client contains the coordinator side of the transport: one connection per agent broker,
// fire-and-forget sends, request futures and bulk invocations with a shared deadline.
package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/util"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

type Config struct {
	ConnectTimeout time.Duration
	// Requests without a reply are failed with an ErrTimeout after this long.
	RequestExpiry time.Duration
	// Pause of the response pump between two passes over all connections.
	PollInterval    time.Duration
	SendQueueSize   int
	ReceiveCapacity int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		RequestExpiry:   5 * time.Minute,
		PollInterval:    10 * time.Millisecond,
		SendQueueSize:   1024,
		ReceiveCapacity: 1024,
	}
}

type agentConnection struct {
	agent address.SimulatorAddress
	conn  *broker.Connection
	// Replies arrive on replyPrefix.<correlation id>.
	replyPrefix string
	replySub    *nats.Subscription
	replies     <-chan *nats.Msg
	inboundSub  *nats.Subscription
	inbound     <-chan *nats.Msg
	lost        sync.Once
}

func (c *agentConnection) replySubject(correlationID string) string {
	return c.replyPrefix + "." + correlationID
}

type sendTask struct {
	conn          *agentConnection
	envelope      *protocol.Envelope
	correlationID string
}

// CoordinatorClient connects the coordinator to the agent brokers. Operations are published in
// submission order by a single sender goroutine; a second goroutine pumps replies into pending
// futures and dispatches operations addressed to the coordinator to the local processor.
type CoordinatorClient struct {
	config    Config
	processor processor.OperationProcessor
	pending   *pendingRequests

	mu          sync.RWMutex
	connections map[address.SimulatorAddress]*agentConnection

	sendQueue chan sendTask
	stop      chan struct{}
	wg        sync.WaitGroup
	closing   int32
	closeOnce sync.Once
}

func NewCoordinatorClient(config Config, p processor.OperationProcessor) *CoordinatorClient {
	c := &CoordinatorClient{
		config:      config,
		processor:   p,
		pending:     newPendingRequests(config.RequestExpiry, config.RequestExpiry/2+time.Second),
		connections: map[address.SimulatorAddress]*agentConnection{},
		sendQueue:   make(chan sendTask, config.SendQueueSize),
		stop:        make(chan struct{}),
	}
	c.wg.Add(2)
	go c.runSender()
	go c.runPump()
	return c
}

// ConnectToAgent opens the connection to the broker of an agent. It fails fast with an ErrConnection
// if the broker is unreachable.
func (c *CoordinatorClient) ConnectToAgent(agent address.SimulatorAddress, url string) error {
	if agent.Level() != address.Agent {
		return &simerrors.ErrInvalidLevel{Level: agent.Level().String(), Operation: "connect"}
	}
	if c.isClosing() {
		return &simerrors.ErrConnectionClosed{Endpoint: url, Message: "client is closed"}
	}
	ac := &agentConnection{agent: agent, replyPrefix: nats.NewInbox()}
	conn, err := broker.Connect(url, broker.ConnectionOptions{
		Name:    util.NewClientName("coordinator"),
		Timeout: c.config.ConnectTimeout,
		OnClosed: func(err error) {
			c.connectionLost(ac, err)
		},
	})
	if err != nil {
		return err
	}
	ac.conn = conn

	if ac.replySub, ac.replies, err = conn.ChanSubscribe(ac.replyPrefix+".*", c.config.ReceiveCapacity); err != nil {
		conn.Close()
		return err
	}
	if ac.inboundSub, ac.inbound, err = conn.ChanSubscribe(broker.CoordinatorTopic, c.config.ReceiveCapacity); err != nil {
		conn.Close()
		return err
	}
	if err := conn.Flush(c.config.ConnectTimeout); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	previous := c.connections[agent]
	c.connections[agent] = ac
	c.mu.Unlock()
	if previous != nil {
		previous.conn.Close()
	}
	log.Infof("Connected to %s at %s", agent, url)
	return nil
}

// Agents returns the agents with a live connection.
func (c *CoordinatorClient) Agents() []address.SimulatorAddress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agents := make([]address.SimulatorAddress, 0, len(c.connections))
	for agent := range c.connections {
		agents = append(agents, agent)
	}
	address.Sort(agents)
	return agents
}

func (c *CoordinatorClient) IsConnected(agent address.SimulatorAddress) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ac, ok := c.connections[agent]
	return ok && !ac.conn.IsClosed()
}

func (c *CoordinatorClient) connectionFor(target address.SimulatorAddress) (*agentConnection, error) {
	agent, err := target.AgentAddress()
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	ac, ok := c.connections[agent]
	c.mu.RUnlock()
	if !ok {
		return nil, &simerrors.ErrNotFound{Type: "agent", Value: agent.String(), Message: "no connection to the agent"}
	}
	if ac.conn.IsClosed() {
		return nil, &simerrors.ErrConnectionClosed{Endpoint: ac.conn.URL()}
	}
	return ac, nil
}

// Send queues op for target without waiting for a reply.
func (c *CoordinatorClient) Send(target address.SimulatorAddress, op protocol.SimulatorOperation) error {
	ac, err := c.connectionFor(target)
	if err != nil {
		return err
	}
	envelope, err := protocol.NewEnvelope(address.CoordinatorAddress(), target, op)
	if err != nil {
		return err
	}
	return c.enqueue(sendTask{conn: ac, envelope: envelope})
}

// Submit queues op for target and returns a future for the reply. It never blocks on the network;
// failures to send complete the future with an error.
func (c *CoordinatorClient) Submit(target address.SimulatorAddress, op protocol.SimulatorOperation) *Future {
	correlationID := uuid.NewString()
	ac, err := c.connectionFor(target)
	if err != nil {
		return failedFuture(target, correlationID, err)
	}
	envelope, err := protocol.NewEnvelope(address.CoordinatorAddress(), target, op)
	if err != nil {
		return failedFuture(target, correlationID, err)
	}
	envelope.CorrelationID = correlationID

	future := newFuture(target, correlationID)
	c.pending.add(&pendingRequest{future: future, conn: ac})
	if err := c.enqueue(sendTask{conn: ac, envelope: envelope, correlationID: correlationID}); err != nil {
		c.pending.fail(correlationID, err)
	}
	return future
}

// InvokeAll submits op to every target and waits for all replies under one deadline. The
// outstanding requests aren't withdrawn when the deadline passes. Errors of individual targets
// are aggregated.
func (c *CoordinatorClient) InvokeAll(ctx context.Context, targets []address.SimulatorAddress, op protocol.SimulatorOperation, timeout time.Duration) ([]*protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	futures := make([]*Future, len(targets))
	for i, target := range targets {
		futures[i] = c.Submit(target, op)
	}

	var result *multierror.Error
	replies := make([]*protocol.Reply, len(futures))
	for i, future := range futures {
		reply, err := future.Get(ctx)
		if err != nil && !future.IsDone() {
			return nil, &simerrors.ErrTimeout{Operation: "invoking " + op.OperationType().String(), Timeout: timeout}
		}
		replies[i] = reply
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "%s", future.Target()))
		}
	}
	return replies, result.ErrorOrNil()
}

func (c *CoordinatorClient) enqueue(task sendTask) error {
	if c.isClosing() {
		return &simerrors.ErrConnectionClosed{Endpoint: task.conn.conn.URL(), Message: "client is closed"}
	}
	select {
	case c.sendQueue <- task:
		return nil
	case <-c.stop:
		return &simerrors.ErrConnectionClosed{Endpoint: task.conn.conn.URL(), Message: "client is closed"}
	}
}

func (c *CoordinatorClient) runSender() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case task := <-c.sendQueue:
			c.publish(task)
		}
	}
}

func (c *CoordinatorClient) publish(task sendTask) {
	subject := broker.TopicFor(task.envelope.Target)
	var err error
	if task.correlationID == "" {
		err = task.conn.conn.Publish(subject, task.envelope)
	} else {
		err = task.conn.conn.PublishRequest(subject, task.conn.replySubject(task.correlationID), task.envelope)
	}
	if err != nil {
		log.WithError(err).Warnf("Unable to send %s to %s", task.envelope.OperationType, task.envelope.Target)
		if task.correlationID != "" {
			c.pending.fail(task.correlationID, err)
		}
		return
	}
	sentOperations.WithLabelValues(task.envelope.OperationType.String()).Inc()
}

func (c *CoordinatorClient) runPump() {
	defer c.wg.Done()
	for {
		for _, ac := range c.snapshot() {
			if ac.conn.IsClosed() {
				// A closed connection without an error was closed locally and is handled by its closed handler.
				if err := ac.conn.Err(); err != nil {
					c.connectionLost(ac, err)
				}
				continue
			}
			c.drainReplies(ac)
			c.drainInbound(ac)
		}
		pendingRequestsGauge.Set(float64(c.pending.count()))

		select {
		case <-c.stop:
			return
		case <-time.After(c.config.PollInterval):
		}
	}
}

func (c *CoordinatorClient) snapshot() []*agentConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	connections := make([]*agentConnection, 0, len(c.connections))
	for _, ac := range c.connections {
		connections = append(connections, ac)
	}
	return connections
}

func (c *CoordinatorClient) drainReplies(ac *agentConnection) {
	for {
		select {
		case msg := <-ac.replies:
			c.handleReply(ac, msg)
		default:
			return
		}
	}
}

func (c *CoordinatorClient) handleReply(ac *agentConnection, msg *nats.Msg) {
	if broker.IsNoResponders(msg) {
		correlationID := strings.TrimPrefix(msg.Subject, ac.replyPrefix+".")
		c.pending.fail(correlationID, &simerrors.ErrNotFound{
			Type:    "responder",
			Value:   correlationID,
			Message: "no component subscribed on " + ac.conn.URL(),
		})
		return
	}
	reply, err := protocol.UnmarshalReply(msg.Data)
	if err != nil {
		log.WithError(err).Warnf("Dropping malformed reply from %s", ac.agent)
		return
	}
	receivedReplies.WithLabelValues(string(reply.ResponseType)).Inc()
	if !c.pending.complete(reply.CorrelationID, reply, nil) {
		unmatchedReplies.Inc()
		log.Debugf("Ignoring reply %s from %s without pending request", reply.CorrelationID, reply.Source)
	}
}

func (c *CoordinatorClient) drainInbound(ac *agentConnection) {
	for {
		select {
		case msg := <-ac.inbound:
			c.handleInbound(ac, msg)
		default:
			return
		}
	}
}

func (c *CoordinatorClient) handleInbound(ac *agentConnection, msg *nats.Msg) {
	envelope, err := protocol.UnmarshalEnvelope(msg.Data)
	if err != nil {
		log.WithError(err).Warnf("Dropping malformed operation received from %s", ac.agent)
		c.respond(ac, msg, protocol.NewDecodeErrorReply("", address.CoordinatorAddress(), err))
		return
	}
	if envelope.Target.Level() != address.Coordinator {
		return
	}
	op, err := envelope.Operation()
	if err != nil {
		log.WithError(err).Warnf("Unable to decode operation from %s", envelope.Source)
		c.respond(ac, msg, protocol.NewDecodeErrorReply(envelope.CorrelationID, address.CoordinatorAddress(), err))
		return
	}
	response, err := c.process(op, envelope.Source)
	c.respond(ac, msg, protocol.NewReply(envelope.CorrelationID, address.CoordinatorAddress(), response, err))
}

func (c *CoordinatorClient) process(op protocol.SimulatorOperation, source address.SimulatorAddress) (response protocol.ResponseType, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Errorf("panic while processing %s: %v", op.OperationType(), recovered)
		}
	}()
	response, err = c.processor.Process(op, source)
	if err != nil {
		log.WithError(err).Errorf("Failed to process %s from %s", op.OperationType(), source)
	}
	return response, err
}

func (c *CoordinatorClient) respond(ac *agentConnection, msg *nats.Msg, reply *protocol.Reply) {
	if err := ac.conn.Respond(msg, reply); err != nil {
		log.WithError(err).Warnf("Unable to reply to %s", envelopeSource(msg))
	}
}

func envelopeSource(msg *nats.Msg) string {
	if msg.Reply == "" {
		return msg.Subject
	}
	return msg.Reply
}

// connectionLost forgets a closed connection and fails its pending requests. Unless the client
// closed the connection itself, a MESSAGING_EXCEPTION failure is dispatched to the local processor.
func (c *CoordinatorClient) connectionLost(ac *agentConnection, cause error) {
	ac.lost.Do(func() {
		c.mu.Lock()
		if c.connections[ac.agent] == ac {
			delete(c.connections, ac.agent)
		}
		c.mu.Unlock()

		failed := c.pending.failConnection(ac, &simerrors.ErrConnectionClosed{Endpoint: ac.conn.URL(), Message: causeMessage(cause)})
		if cause == nil || c.isClosing() {
			return
		}

		lostConnections.Inc()
		log.WithError(cause).Errorf("Lost connection to %s at %s; failed %d pending requests", ac.agent, ac.conn.URL(), failed)
		failure := protocol.NewFailureOperation(
			"Lost connection to the broker of "+ac.agent.String(),
			protocol.MessagingException,
			ac.agent,
			cause.Error(),
		)
		if _, err := c.process(failure, ac.agent); err != nil {
			log.WithError(err).Error("Unable to dispatch messaging failure")
		}
	})
}

func causeMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func (c *CoordinatorClient) isClosing() bool {
	return atomic.LoadInt32(&c.closing) == 1
}

// Close stops the background goroutines and closes all connections. Queued operations may not be
// delivered; requests still pending are failed with an ErrConnectionClosed.
func (c *CoordinatorClient) Close() error {
	var result *multierror.Error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		close(c.stop)
		c.wg.Wait()

		c.mu.Lock()
		connections := c.connections
		c.connections = map[address.SimulatorAddress]*agentConnection{}
		c.mu.Unlock()

		for _, ac := range connections {
			for _, sub := range []*nats.Subscription{ac.replySub, ac.inboundSub} {
				if err := sub.Unsubscribe(); err != nil && !ac.conn.IsClosed() {
					result = multierror.Append(result, errors.Wrapf(err, "unsubscribing from %s", ac.agent))
				}
			}
			ac.conn.Close()
		}
		c.pending.failAll(&simerrors.ErrConnectionClosed{Endpoint: "coordinator", Message: "client is closed"})
	})
	return result.ErrorOrNil()
}

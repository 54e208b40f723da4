package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

const (
	statusHeader          = "Status"
	noRespondersStatus    = "503"
	defaultConnectTimeout = 5 * time.Second
)

type ConnectionOptions struct {
	// Client name shown by the broker.
	Name    string
	Timeout time.Duration
	// Called once when the connection is closed. err is nil if the connection was closed by Close.
	OnClosed func(err error)
}

// Connection is a client connection to one agent broker. It never reconnects: once the broker
// is lost the connection is closed and stays closed.
type Connection struct {
	url      string
	name     string
	conn     *nats.Conn
	closed   int32
	onClosed func(err error)

	mu sync.Mutex
	// First error reported for the connection, if any.
	lastErr error
	// Set when the connection was closed by Close.
	closedLocally bool
}

// Connect establishes a connection and fails fast with an ErrConnection if the broker is unreachable.
func Connect(url string, options ConnectionOptions) (*Connection, error) {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	c := &Connection{
		url:      url,
		name:     options.Name,
		onClosed: options.OnClosed,
	}
	conn, err := nats.Connect(url,
		nats.Name(options.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	)
	if err != nil {
		return nil, &simerrors.ErrConnection{Endpoint: url, Cause: err}
	}
	c.conn = conn
	return c, nil
}

func (c *Connection) URL() string {
	return c.url
}

func (c *Connection) Name() string {
	return c.name
}

func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Err returns the error that caused the connection to close, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		c.lastErr = err
	}
}

func (c *Connection) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		log.WithError(err).Warnf("Connection %s to %s lost", c.name, c.url)
		c.recordError(err)
	}
	atomic.StoreInt32(&c.closed, 1)
}

func (c *Connection) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		log.WithError(err).Errorf("Subscription %s on connection %s failed", sub.Subject, c.name)
		return
	}
	log.WithError(err).Errorf("Connection %s to %s failed", c.name, c.url)
	c.recordError(err)
}

func (c *Connection) handleClosed(_ *nats.Conn) {
	atomic.StoreInt32(&c.closed, 1)
	c.mu.Lock()
	err := c.lastErr
	if err == nil && !c.closedLocally {
		err = &simerrors.ErrConnectionClosed{Endpoint: c.url, Message: "closed by broker"}
		c.lastErr = err
	}
	if c.closedLocally {
		err = nil
	}
	c.mu.Unlock()
	if c.onClosed != nil {
		c.onClosed(err)
	}
}

func (c *Connection) closedError() error {
	msg := ""
	if err := c.Err(); err != nil {
		msg = err.Error()
	}
	return &simerrors.ErrConnectionClosed{Endpoint: c.url, Message: msg}
}

// Publish sends an envelope without expecting a reply.
func (c *Connection) Publish(subject string, envelope *protocol.Envelope) error {
	return c.PublishRequest(subject, "", envelope)
}

// PublishRequest sends an envelope whose reply is delivered to the reply subject.
func (c *Connection) PublishRequest(subject, reply string, envelope *protocol.Envelope) error {
	if c.IsClosed() {
		return c.closedError()
	}
	data, err := envelope.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := c.conn.PublishMsg(&nats.Msg{Subject: subject, Reply: reply, Data: data}); err != nil {
		return c.translate(err, "publish")
	}
	return nil
}

// Request sends an envelope and waits for the reply.
func (c *Connection) Request(subject string, envelope *protocol.Envelope, timeout time.Duration) (*protocol.Reply, error) {
	if c.IsClosed() {
		return nil, c.closedError()
	}
	data, err := envelope.Marshal()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, &simerrors.ErrTimeout{Operation: envelope.OperationType.String(), Timeout: timeout}
		}
		return nil, c.translate(err, "request")
	}
	return protocol.UnmarshalReply(msg.Data)
}

// Respond answers a request received on a subscription. Messages without a reply subject are ignored.
func (c *Connection) Respond(msg *nats.Msg, reply *protocol.Reply) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := reply.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := c.conn.Publish(msg.Reply, data); err != nil {
		return c.translate(err, "respond")
	}
	return nil
}

// Subscribe invokes handler for every message on subject. Handlers of one subscription run sequentially.
func (c *Connection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, c.translate(err, "subscribe")
	}
	return sub, nil
}

// ChanSubscribe delivers messages on subject into a buffered channel the caller drains.
func (c *Connection) ChanSubscribe(subject string, capacity int) (*nats.Subscription, <-chan *nats.Msg, error) {
	ch := make(chan *nats.Msg, capacity)
	sub, err := c.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, nil, c.translate(err, "subscribe")
	}
	return sub, ch, nil
}

// Flush waits until the broker processed everything published so far.
func (c *Connection) Flush(timeout time.Duration) error {
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return c.translate(err, "flush")
	}
	return nil
}

// Close closes the connection. OnClosed is called with a nil error.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closedLocally = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Connection) translate(err error, operation string) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return c.closedError()
	case errors.Is(err, nats.ErrNoResponders):
		return &simerrors.ErrNotFound{Type: "responder", Value: operation, Message: "no component subscribed on " + c.url}
	default:
		return errors.Wrapf(err, "%s on %s failed", operation, c.url)
	}
}

// IsNoResponders returns true for the status message the broker sends to a reply subject
// when a request was published on a subject nobody subscribes to.
func IsNoResponders(msg *nats.Msg) bool {
	return len(msg.Data) == 0 && msg.Header != nil && msg.Header.Get(statusHeader) == noRespondersStatus
}

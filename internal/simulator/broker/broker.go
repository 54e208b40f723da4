// Package broker provides the per-agent message transport.
//
// Every agent runs an embedded NATS server. The coordinator, the agent and its workers connect to it
// and exchange protocol envelopes on three subjects: one for agent-directed operations, one for
// worker-directed operations and one for operations sent to the coordinator. Replies travel over the
// private inbox of the requesting connection.
package broker

import (
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RandomPort lets the broker pick a free port.
const RandomPort = server.RANDOM_PORT

type Config struct {
	Host string
	// Use RandomPort to let the operating system choose.
	Port int
	// Maximum payload of a single message in bytes. Zero uses the server default.
	MaxPayload int32
	// Time to wait for the broker to accept connections.
	StartupTimeout time.Duration
}

type Broker struct {
	config Config
	server *server.Server
}

func NewBroker(config Config) (*Broker, error) {
	opts := &server.Options{
		ServerName: "simulator-agent",
		Host:       config.Host,
		Port:       config.Port,
		MaxPayload: config.MaxPayload,
		NoLog:      true,
		NoSigs:     true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create broker")
	}
	return &Broker{config: config, server: s}, nil
}

// Start runs the broker in the background and waits until it accepts connections.
func (b *Broker) Start() error {
	go b.server.Start()
	timeout := b.config.StartupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !b.server.ReadyForConnections(timeout) {
		b.server.Shutdown()
		return errors.Errorf("broker not ready for connections after %s", timeout)
	}
	log.Infof("Broker listening on %s", b.server.ClientURL())
	return nil
}

// ClientURL is the url clients use to connect, e.g. nats://127.0.0.1:4222.
func (b *Broker) ClientURL() string {
	return b.server.ClientURL()
}

// Port returns the port the broker listens on; useful when started with RandomPort.
func (b *Broker) Port() int {
	u, err := url.Parse(b.server.ClientURL())
	if err != nil {
		return b.config.Port
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return b.config.Port
	}
	return port
}

func (b *Broker) NumClients() int {
	return b.server.NumClients()
}

func (b *Broker) Shutdown() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

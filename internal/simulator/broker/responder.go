package broker

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

var processedOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulator_processed_operations_total",
		Help: "Operations processed by a responder, by operation and response type",
	},
	[]string{"operation", "response"},
)

// Responder serves the operations published for one component. It subscribes to the topic of its
// address, ignores envelopes for other components and replies to every request it processed.
type Responder struct {
	conn      *Connection
	address   address.SimulatorAddress
	processor processor.OperationProcessor
	sub       *nats.Subscription
}

func NewResponder(conn *Connection, localAddress address.SimulatorAddress, p processor.OperationProcessor) *Responder {
	return &Responder{
		conn:      conn,
		address:   localAddress,
		processor: p,
	}
}

func (r *Responder) Start() error {
	sub, err := r.conn.Subscribe(TopicFor(r.address), r.handle)
	if err != nil {
		return errors.WithMessagef(err, "unable to start responder for %s", r.address)
	}
	r.sub = sub
	return nil
}

func (r *Responder) Stop() {
	if r.sub == nil {
		return
	}
	if err := r.sub.Unsubscribe(); err != nil && !r.conn.IsClosed() {
		log.WithError(err).Warnf("Unable to stop responder for %s", r.address)
	}
}

func (r *Responder) handle(msg *nats.Msg) {
	envelope, err := protocol.UnmarshalEnvelope(msg.Data)
	if err != nil {
		log.WithError(err).Warnf("Responder %s dropped a malformed envelope", r.address)
		r.reply(msg, protocol.NewDecodeErrorReply("", r.address, err))
		return
	}
	if !r.address.Contains(envelope.Target) {
		return
	}

	op, err := envelope.Operation()
	if err != nil {
		log.WithError(err).Warnf("Responder %s could not decode operation from %s", r.address, envelope.Source)
		r.reply(msg, protocol.NewDecodeErrorReply(envelope.CorrelationID, r.address, err))
		return
	}

	response, err := r.process(op, envelope.Source)
	if err != nil {
		log.WithError(err).Warnf("%s failed to process %s from %s", r.address, envelope.OperationType, envelope.Source)
	}
	reply := protocol.NewReply(envelope.CorrelationID, r.address, response, err)
	processedOperations.WithLabelValues(envelope.OperationType.String(), string(reply.ResponseType)).Inc()
	r.reply(msg, reply)
}

// process turns a panic of the processor into an error.
func (r *Responder) process(op protocol.SimulatorOperation, source address.SimulatorAddress) (response protocol.ResponseType, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Errorf("panic while processing %s: %v", op.OperationType(), recovered)
		}
	}()
	return r.processor.Process(op, source)
}

func (r *Responder) reply(msg *nats.Msg, reply *protocol.Reply) {
	if err := r.conn.Respond(msg, reply); err != nil {
		log.WithError(err).Warnf("Responder %s could not reply to %s", r.address, msg.Reply)
	}
}

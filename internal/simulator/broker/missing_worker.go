package broker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// MissingWorkerResponder answers requests for workers of one agent that the agent isn't running with
// FAILURE_WORKER_NOT_FOUND. Requests for running workers and for other agents are left unanswered.
type MissingWorkerResponder struct {
	conn    *Connection
	agent   address.SimulatorAddress
	running func(worker address.SimulatorAddress) bool
	sub     *nats.Subscription
}

func NewMissingWorkerResponder(conn *Connection, agent address.SimulatorAddress, running func(address.SimulatorAddress) bool) *MissingWorkerResponder {
	return &MissingWorkerResponder{
		conn:    conn,
		agent:   agent,
		running: running,
	}
}

func (r *MissingWorkerResponder) Start() error {
	sub, err := r.conn.Subscribe(WorkerTopic, r.handle)
	if err != nil {
		return errors.WithMessagef(err, "unable to watch worker requests of %s", r.agent)
	}
	r.sub = sub
	return nil
}

func (r *MissingWorkerResponder) Stop() {
	if r.sub == nil {
		return
	}
	if err := r.sub.Unsubscribe(); err != nil && !r.conn.IsClosed() {
		log.WithError(err).Warnf("Unable to stop watching worker requests of %s", r.agent)
	}
}

func (r *MissingWorkerResponder) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	// Malformed envelopes are answered by the worker responders.
	envelope, err := protocol.UnmarshalEnvelope(msg.Data)
	if err != nil {
		return
	}
	workerAddress, ok := r.workerOf(envelope.Target)
	if !ok || r.running(workerAddress) {
		return
	}

	reply := protocol.NewReply(envelope.CorrelationID, r.agent, protocol.FailureWorkerNotFound, nil)
	reply.Message = fmt.Sprintf("worker %s is not running on %s", workerAddress, r.agent)
	processedOperations.WithLabelValues(envelope.OperationType.String(), string(reply.ResponseType)).Inc()
	log.Debugf("%s answered %s for %s: %s", r.agent, envelope.OperationType, envelope.Target, reply.ResponseType)
	if err := r.conn.Respond(msg, reply); err != nil {
		log.WithError(err).Warnf("%s could not reply to %s", r.agent, msg.Reply)
	}
}

// workerOf returns the worker a worker or test address belongs to, if it's a worker of this agent.
func (r *MissingWorkerResponder) workerOf(target address.SimulatorAddress) (address.SimulatorAddress, bool) {
	if !r.agent.Contains(target) {
		return address.SimulatorAddress{}, false
	}
	switch target.Level() {
	case address.Worker:
		return target, true
	case address.Test:
		parent, err := target.Parent()
		return parent, err == nil
	default:
		return address.SimulatorAddress{}, false
	}
}

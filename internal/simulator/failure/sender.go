package failure

import (
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// Sender delivers failures to the coordinator.
type Sender interface {
	Send(failure *protocol.FailureOperation) error
}

// BrokerSender publishes failures as requests on the coordinator topic of the local broker and
// waits for the coordinator to acknowledge them.
type BrokerSender struct {
	conn     *broker.Connection
	source   address.SimulatorAddress
	timeout  time.Duration
	attempts uint
	delay    time.Duration
}

func NewBrokerSender(conn *broker.Connection, source address.SimulatorAddress, timeout time.Duration, attempts uint, delay time.Duration) *BrokerSender {
	if attempts == 0 {
		attempts = 1
	}
	return &BrokerSender{
		conn:     conn,
		source:   source,
		timeout:  timeout,
		attempts: attempts,
		delay:    delay,
	}
}

func (s *BrokerSender) Send(failure *protocol.FailureOperation) error {
	envelope, err := protocol.NewEnvelope(s.source, address.CoordinatorAddress(), failure)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			reply, err := s.conn.Request(broker.CoordinatorTopic, envelope, s.timeout)
			if err != nil {
				return err
			}
			if err := reply.Err(); err != nil {
				return err
			}
			if reply.ResponseType != protocol.Success {
				return errors.Errorf("coordinator answered %s", reply.ResponseType)
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Attempt %d to report %s failed", n+1, failure.Type)
		}),
	)
}

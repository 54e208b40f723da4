package worker

import (
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// loggingRunner only logs the phases it is asked to run.
type loggingRunner struct {
	entry *log.Entry
}

// NewLoggingTestFactory creates tests that log their phases. Used when a worker runs without test code.
func NewLoggingTestFactory() TestFactory {
	return func(testAddress address.SimulatorAddress, op *protocol.CreateTestOperation) (TestRunner, error) {
		return &loggingRunner{entry: log.WithField("test", op.TestID).WithField("address", testAddress.String())}, nil
	}
}

func (r *loggingRunner) RunPhase(phase protocol.TestPhase) error {
	r.entry.Infof("Running phase %s", phase)
	return nil
}

func (r *loggingRunner) Stop() {
	r.entry.Info("Test stopped")
}

// Package agent wires the components running on every machine of a simulation: the embedded broker,
// the worker processes and the failure monitor.
package agent

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/common/util"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/configuration"
	"github.com/G-Research/simulator/internal/simulator/failure"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/settings"
	"github.com/G-Research/simulator/internal/simulator/worker"
)

type Agent struct {
	config    configuration.AgentConfiguration
	address   address.SimulatorAddress
	sessionID string

	broker    *broker.Broker
	conn      *broker.Connection
	responder *broker.Responder
	missing   *broker.MissingWorkerResponder
	processes *worker.ProcessManager
	monitor   *failure.Monitor
	tasks     *task.BackgroundTaskManager
}

// NewAgent starts the broker of the agent and begins serving operations and monitoring workers.
// membership may be nil if the tested cluster can't be observed.
func NewAgent(config configuration.AgentConfiguration, membership failure.MembershipView) (*Agent, error) {
	agentAddress, err := address.NewAgentAddress(config.AgentIndex)
	if err != nil {
		return nil, err
	}
	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = util.NewULID()
	}

	b, err := broker.NewBroker(broker.Config{
		Host:           config.Broker.Host,
		Port:           config.Broker.Port,
		MaxPayload:     config.Broker.MaxPayload,
		StartupTimeout: config.Broker.StartupTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}
	conn, err := broker.Connect(b.ClientURL(), broker.ConnectionOptions{Name: util.NewClientName(agentAddress.String())})
	if err != nil {
		b.Shutdown()
		return nil, err
	}

	a := &Agent{
		config:    config,
		address:   agentAddress,
		sessionID: sessionID,
		broker:    b,
		conn:      conn,
		tasks:     task.NewBackgroundTaskManager(),
	}
	a.processes = worker.NewProcessManager(worker.NewExecLauncher(config.WorkersHome, sessionID, b.ClientURL()), config.PublicAddress)
	sender := failure.NewBrokerSender(
		conn,
		agentAddress,
		config.Monitor.FailureSendTimeout,
		config.Monitor.FailureSendAttempts,
		config.Monitor.FailureSendRetryDelay,
	)
	a.monitor = failure.NewMonitor(failure.MonitorConfig{
		AgentAddress:  agentAddress,
		Interval:      config.Monitor.Interval,
		WorkerTimeout: config.Monitor.WorkerTimeout,
	}, a.processes, sender, membership)

	a.responder = broker.NewResponder(conn, agentAddress, processor.NewAgentOperationProcessor(a))
	if err := a.responder.Start(); err != nil {
		conn.Close()
		b.Shutdown()
		return nil, err
	}
	a.missing = broker.NewMissingWorkerResponder(conn, agentAddress, a.isRunning)
	if err := a.missing.Start(); err != nil {
		a.responder.Stop()
		conn.Close()
		b.Shutdown()
		return nil, err
	}
	if err := conn.Flush(time.Second); err != nil {
		a.Stop()
		return nil, err
	}
	a.monitor.Start(a.tasks)

	log.Infof("Agent %s of session %s started with broker %s", agentAddress, sessionID, b.ClientURL())
	return a, nil
}

func (a *Agent) Address() address.SimulatorAddress {
	return a.address
}

func (a *Agent) BrokerURL() string {
	return a.broker.ClientURL()
}

func (a *Agent) BrokerPort() int {
	return a.broker.Port()
}

func (a *Agent) Processes() *worker.ProcessManager {
	return a.processes
}

func (a *Agent) CreateWorkers(workers []settings.WorkerProcessSettings, delay time.Duration) error {
	for _, s := range workers {
		agentAddress, err := s.WorkerAddress.AgentAddress()
		if err != nil {
			return err
		}
		if agentAddress != a.address {
			return errors.Errorf("worker %s doesn't belong to agent %s", s.WorkerAddress, a.address)
		}
	}
	return a.processes.Launch(workers, delay)
}

func (a *Agent) StartTimeoutDetection() {
	a.monitor.StartTimeoutDetection()
}

func (a *Agent) StopTimeoutDetection() {
	a.monitor.StopTimeoutDetection()
}

func (a *Agent) isRunning(workerAddress address.SimulatorAddress) bool {
	_, ok := a.processes.Get(workerAddress)
	return ok
}

func (a *Agent) WorkerSeen(workerAddress address.SimulatorAddress) error {
	return a.processes.WorkerSeen(workerAddress)
}

// Stop stops monitoring, kills the remaining workers and shuts the broker down.
func (a *Agent) Stop() {
	if a.tasks.StopAll(a.config.ShutdownTimeout) {
		log.Warn("Agent background tasks did not stop in time")
	}
	a.responder.Stop()
	a.missing.Stop()
	if err := a.processes.Shutdown(a.config.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("Unable to stop all workers")
	}
	a.conn.Close()
	a.broker.Shutdown()
	log.Infof("Agent %s stopped", a.address)
}

// StartUp runs an agent until the returned shutdown function is called.
func StartUp(config configuration.AgentConfiguration) (func(), *sync.WaitGroup, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, errors.WithMessage(err, "invalid agent configuration")
	}
	a, err := NewAgent(config, nil)
	if err != nil {
		return nil, nil, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	return func() {
		a.Stop()
		wg.Done()
	}, wg, nil
}

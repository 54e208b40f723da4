package worker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/broker"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// TestRunner executes the phases of one test. Implementations live outside of the control plane.
type TestRunner interface {
	RunPhase(phase protocol.TestPhase) error
	Stop()
}

type TestFactory func(testAddress address.SimulatorAddress, op *protocol.CreateTestOperation) (TestRunner, error)

type ServiceConfig struct {
	WorkerAddress address.SimulatorAddress
	Home          string
	BrokerURL     string
	// Address of the worker in the tested cluster, if it has one.
	MemberAddress string
	PingInterval  time.Duration
	PingTimeout   time.Duration
}

type testContainer struct {
	address address.SimulatorAddress
	runner  TestRunner
}

// Service runs inside a worker process. It serves the operations sent to the worker and keeps
// the agent informed that the worker is alive.
type Service struct {
	config    ServiceConfig
	factory   TestFactory
	conn      *broker.Connection
	responder *broker.Responder
	tasks     *task.BackgroundTaskManager

	mu    sync.Mutex
	tests map[string]*testContainer

	done         chan struct{}
	doneOnce     sync.Once
	forceExit    bool
	runningPhase sync.WaitGroup
}

func NewService(config ServiceConfig, factory TestFactory) *Service {
	return &Service{
		config:  config,
		factory: factory,
		tasks:   task.NewBackgroundTaskManager(),
		tests:   map[string]*testContainer{},
		done:    make(chan struct{}),
	}
}

func (s *Service) Start() error {
	if s.config.MemberAddress != "" {
		if err := WriteMemberAddress(s.config.Home, s.config.MemberAddress); err != nil {
			return err
		}
	}
	conn, err := broker.Connect(s.config.BrokerURL, broker.ConnectionOptions{
		Name: s.config.WorkerAddress.String(),
		OnClosed: func(err error) {
			if err != nil {
				log.WithError(err).Error("Lost connection to the agent")
				s.Shutdown(false)
			}
		},
	})
	if err != nil {
		return err
	}
	s.conn = conn
	s.responder = broker.NewResponder(conn, s.config.WorkerAddress, processor.NewWorkerOperationProcessor(s.config.WorkerAddress, s))
	if err := s.responder.Start(); err != nil {
		conn.Close()
		return err
	}
	s.tasks.Register(s.pingAgent, s.config.PingInterval, "worker_ping")
	log.Infof("Worker %s started", s.config.WorkerAddress)
	return nil
}

func (s *Service) pingAgent() {
	agent, err := s.config.WorkerAddress.AgentAddress()
	if err != nil {
		log.WithError(err).Error("Worker has no agent")
		return
	}
	envelope, err := protocol.NewEnvelope(s.config.WorkerAddress, agent, &protocol.PingOperation{})
	if err != nil {
		log.WithError(err).Error("Unable to create ping")
		return
	}
	reply, err := s.conn.Request(broker.AgentTopic, envelope, s.config.PingTimeout)
	if err != nil {
		log.WithError(err).Warn("Unable to ping agent")
		return
	}
	if reply.ResponseType != protocol.Success {
		log.Warnf("Agent answered ping with %s", reply.ResponseType)
	}
}

// Done is closed once the worker was asked to shut down.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// ForceExit reports whether the shutdown request asked to end the process even if tests don't stop.
func (s *Service) ForceExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceExit
}

// Stop stops the background tasks and disconnects from the agent.
func (s *Service) Stop(timeout time.Duration) {
	if s.tasks.StopAll(timeout) {
		log.Warn("Worker background tasks did not stop in time")
	}
	if s.responder != nil {
		s.responder.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Service) Ping() error {
	return nil
}

func (s *Service) Shutdown(ensureProcessShutdown bool) error {
	s.mu.Lock()
	s.forceExit = s.forceExit || ensureProcessShutdown
	tests := s.tests
	s.tests = map[string]*testContainer{}
	s.mu.Unlock()

	for _, t := range tests {
		t.runner.Stop()
	}
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Service) CreateTest(testAddress address.SimulatorAddress, op *protocol.CreateTestOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tests[op.TestID]; exists {
		return errors.Errorf("test %s already exists", op.TestID)
	}
	runner, err := s.factory(testAddress, op)
	if err != nil {
		return errors.WithMessagef(err, "unable to create test %s", op.TestID)
	}
	s.tests[op.TestID] = &testContainer{address: testAddress, runner: runner}
	log.Infof("Created test %s as %s", op.TestID, testAddress)
	return nil
}

// StartTestPhase runs the phase in the background. A failing phase is reported to the agent
// through an exception file.
func (s *Service) StartTestPhase(testID string, phase protocol.TestPhase) error {
	container, err := s.test(testID)
	if err != nil {
		return err
	}
	s.runningPhase.Add(1)
	go func() {
		defer s.runningPhase.Done()
		if err := container.runner.RunPhase(phase); err != nil {
			log.WithError(err).Errorf("Test %s failed in phase %s", testID, phase)
			if _, writeErr := WriteExceptionFile(s.config.Home, testID, err.Error()); writeErr != nil {
				log.WithError(writeErr).Error("Unable to report test failure")
			}
		}
	}()
	return nil
}

// WaitForPhases blocks until every started phase finished.
func (s *Service) WaitForPhases() {
	s.runningPhase.Wait()
}

func (s *Service) StopTest(testID string) error {
	container, err := s.test(testID)
	if err != nil {
		return err
	}
	container.runner.Stop()
	s.mu.Lock()
	delete(s.tests, testID)
	s.mu.Unlock()
	return nil
}

func (s *Service) test(testID string) (*testContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	container, ok := s.tests[testID]
	if !ok {
		return nil, &simerrors.ErrNotFound{Type: "test", Value: testID}
	}
	return container, nil
}

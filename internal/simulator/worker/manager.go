package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

// Launcher starts the operating system process of a worker.
type Launcher interface {
	Launch(s settings.WorkerProcessSettings, workerID string) (home string, handle ProcessHandle, err error)
}

// ProcessManager owns the worker processes of an agent.
type ProcessManager struct {
	launcher           Launcher
	agentPublicAddress string
	clock              func() time.Time

	mu        sync.RWMutex
	processes map[address.SimulatorAddress]*WorkerProcess
}

func NewProcessManager(launcher Launcher, agentPublicAddress string) *ProcessManager {
	return &ProcessManager{
		launcher:           launcher,
		agentPublicAddress: agentPublicAddress,
		clock:              time.Now,
		processes:          map[address.SimulatorAddress]*WorkerProcess{},
	}
}

// Launch starts the workers one after the other, waiting delay between two launches.
// Workers launched before a failure keep running.
func (m *ProcessManager) Launch(workers []settings.WorkerProcessSettings, delay time.Duration) error {
	for i, s := range workers {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if _, err := m.launch(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *ProcessManager) launch(s settings.WorkerProcessSettings) (*WorkerProcess, error) {
	if s.WorkerAddress.Level() != address.Worker {
		return nil, &simerrors.ErrInvalidLevel{Level: s.WorkerAddress.Level().String(), Operation: "launch worker"}
	}
	m.mu.RLock()
	_, exists := m.processes[s.WorkerAddress]
	m.mu.RUnlock()
	if exists {
		return nil, errors.Errorf("worker %s is already running", s.WorkerAddress)
	}

	id := s.WorkerID(m.agentPublicAddress)
	home, handle, err := m.launcher.Launch(s, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to launch worker %s", s.WorkerAddress)
	}
	p := NewWorkerProcess(id, home, s, handle, m.clock())
	m.Add(p)
	log.WithField("worker", s.WorkerAddress.String()).Infof("Launched %s worker %s with pid %d in %s", s.WorkerType, id, handle.Pid(), home)
	return p, nil
}

func (m *ProcessManager) Add(p *WorkerProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.Address()] = p
}

// Remove forgets a worker and returns false if it wasn't known.
func (m *ProcessManager) Remove(workerAddress address.SimulatorAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[workerAddress]
	delete(m.processes, workerAddress)
	return ok
}

func (m *ProcessManager) Get(workerAddress address.SimulatorAddress) (*WorkerProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[workerAddress]
	return p, ok
}

// Processes returns the active workers ordered by address.
func (m *ProcessManager) Processes() []*WorkerProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	processes := make([]*WorkerProcess, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	sort.Slice(processes, func(i, j int) bool { return processes[i].Address().Less(processes[j].Address()) })
	return processes
}

func (m *ProcessManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processes)
}

// WorkerSeen records a sign of life of a worker.
func (m *ProcessManager) WorkerSeen(workerAddress address.SimulatorAddress) error {
	p, ok := m.Get(workerAddress)
	if !ok {
		return &simerrors.ErrNotFound{Type: "worker", Value: workerAddress.String()}
	}
	p.UpdateLastSeen(m.clock())
	return nil
}

// Kill kills the process of a worker and forgets it.
func (m *ProcessManager) Kill(workerAddress address.SimulatorAddress) error {
	p, ok := m.Get(workerAddress)
	if !ok {
		return &simerrors.ErrNotFound{Type: "worker", Value: workerAddress.String()}
	}
	m.Remove(workerAddress)
	return errors.WithMessagef(p.Handle().Kill(), "unable to kill worker %s", workerAddress)
}

// Shutdown kills every worker that doesn't exit within the timeout.
func (m *ProcessManager) Shutdown(timeout time.Duration) error {
	var result *multierror.Error
	deadline := m.clock().Add(timeout)
	for _, p := range m.Processes() {
		remaining := deadline.Sub(m.clock())
		if remaining > 0 && p.Handle().Wait(remaining) {
			m.Remove(p.Address())
			continue
		}
		if err := m.Kill(p.Address()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Package failure detects worker failures on the agent and collects them on the coordinator.
package failure

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/task"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/worker"
)

var detectedFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulator_detected_failures_total",
		Help: "Worker failures detected by the failure monitor, by type",
	},
	[]string{"type"},
)

var unreportedFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulator_unreported_failures_total",
		Help: "Detected failures that could not be sent to the coordinator, by type",
	},
	[]string{"type"},
)

// MembershipView tells whether a member address is part of the tested cluster.
type MembershipView interface {
	IsMember(memberAddress string) bool
}

type MonitorConfig struct {
	AgentAddress address.SimulatorAddress
	Interval     time.Duration
	// Workers not seen for longer are reported with WORKER_TIMEOUT. A negative value disables timeouts.
	WorkerTimeout time.Duration
}

// Monitor checks the workers of an agent for failures. Each worker reports at most one failure per scan.
type Monitor struct {
	config     MonitorConfig
	processes  *worker.ProcessManager
	sender     Sender
	membership MembershipView
	clock      func() time.Time
	detecting  int32
}

// NewMonitor creates a monitor. membership may be nil, in which case membership isn't checked.
func NewMonitor(config MonitorConfig, processes *worker.ProcessManager, sender Sender, membership MembershipView) *Monitor {
	return &Monitor{
		config:     config,
		processes:  processes,
		sender:     sender,
		membership: membership,
		clock:      time.Now,
	}
}

func (m *Monitor) Start(tasks *task.BackgroundTaskManager) {
	tasks.Register(m.Scan, m.config.Interval, "failure_monitor")
}

func (m *Monitor) StartTimeoutDetection() {
	atomic.StoreInt32(&m.detecting, 1)
	log.Info("Started worker timeout detection")
}

func (m *Monitor) StopTimeoutDetection() {
	atomic.StoreInt32(&m.detecting, 0)
	log.Info("Stopped worker timeout detection")
}

func (m *Monitor) IsDetectingTimeouts() bool {
	return atomic.LoadInt32(&m.detecting) == 1
}

// Scan checks every worker once.
func (m *Monitor) Scan() {
	for _, p := range m.processes.Processes() {
		m.scanWorker(p)
	}
}

func (m *Monitor) scanWorker(p *worker.WorkerProcess) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Failure monitor panicked while checking %s: %v", p.Address(), r)
		}
	}()
	checks := []func(*worker.WorkerProcess) bool{
		m.checkOOME,
		m.checkExit,
		m.checkMembership,
		m.checkException,
		m.checkTimeout,
	}
	for _, check := range checks {
		if check(p) {
			return
		}
	}
}

func (m *Monitor) newFailure(p *worker.WorkerProcess, message string, failureType protocol.FailureType, cause string) *protocol.FailureOperation {
	return protocol.NewFailureOperation(message, failureType, p.Address(), cause).
		WithWorkerID(p.ID()).
		WithMemberAddress(p.MemberAddress())
}

func (m *Monitor) send(failure *protocol.FailureOperation) bool {
	detectedFailures.WithLabelValues(string(failure.Type)).Inc()
	if err := m.sender.Send(failure); err != nil {
		unreportedFailures.WithLabelValues(string(failure.Type)).Inc()
		log.WithError(err).Errorf("Unable to report failure:\n%s", failure.FailureDescription())
		return false
	}
	log.Infof("Reported failure:\n%s", failure.FailureDescription())
	return true
}

func (m *Monitor) kill(p *worker.WorkerProcess) {
	if err := p.Handle().Kill(); err != nil {
		log.WithError(err).Warnf("Unable to kill worker %s", p.ID())
	}
}

// forget drops a worker whose terminal failure was reported. Workers with unreported failures stay
// monitored so the failure is detected and sent again on the next scan.
func (m *Monitor) forget(p *worker.WorkerProcess, reported bool) {
	if reported {
		m.processes.Remove(p.Address())
	}
}

func (m *Monitor) checkOOME(p *worker.WorkerProcess) bool {
	marker := filepath.Join(p.Home(), p.ID()+worker.OOMESuffix)
	_, err := os.Stat(marker)
	found := err == nil
	if !found {
		dumps, err := filepath.Glob(filepath.Join(p.Home(), worker.HeapDumpPattern))
		found = err == nil && len(dumps) > 0
	}
	if !found {
		return false
	}
	reported := m.send(m.newFailure(p, "Worker ran out of memory", protocol.WorkerOOM, ""))
	m.kill(p)
	m.forget(p, reported)
	return true
}

func (m *Monitor) checkExit(p *worker.WorkerProcess) bool {
	code, exited := p.Handle().ExitCode()
	if !exited {
		return false
	}
	var reported bool
	if code == 0 {
		reported = m.send(m.newFailure(p, "Worker finished", protocol.WorkerFinished, ""))
	} else {
		reported = m.send(m.newFailure(p, fmt.Sprintf("Worker exited with code %d", code), protocol.WorkerExit, ""))
	}
	m.forget(p, reported)
	return true
}

func (m *Monitor) checkMembership(p *worker.WorkerProcess) bool {
	memberAddress := p.MemberAddress()
	if memberAddress == "" {
		memberAddress = worker.ReadMemberAddress(p.Home())
		if memberAddress == "" {
			return false
		}
		p.SetMemberAddress(memberAddress)
	}
	if m.membership == nil || m.membership.IsMember(memberAddress) {
		return false
	}
	reported := m.send(m.newFailure(p, fmt.Sprintf("Member %s left the cluster", memberAddress), protocol.WorkerExit, ""))
	m.kill(p)
	m.forget(p, reported)
	return true
}

func (m *Monitor) checkException(p *worker.WorkerProcess) bool {
	files, err := filepath.Glob(filepath.Join(p.Home(), "*"+worker.ExceptionSuffix))
	if err != nil || len(files) == 0 {
		return false
	}
	sort.Strings(files)
	file := files[0]

	content, err := os.ReadFile(file)
	if err != nil {
		log.WithError(err).Warnf("Unable to read exception file %s", file)
		return false
	}
	testID, cause := worker.ParseExceptionFile(string(content))
	failure := m.newFailure(p, "Worker reported an exception", protocol.WorkerException, cause).WithTestID(testID)
	if m.send(failure) {
		if err := os.Remove(file); err != nil {
			log.WithError(err).Warnf("Unable to delete exception file %s", file)
		}
	} else if err := os.Rename(file, file+worker.SendFailureSuffix); err != nil {
		log.WithError(err).Warnf("Unable to rename exception file %s", file)
	}
	return true
}

func (m *Monitor) checkTimeout(p *worker.WorkerProcess) bool {
	if !m.IsDetectingTimeouts() || m.config.WorkerTimeout < 0 {
		return false
	}
	threshold := m.config.WorkerTimeout
	if startup := p.Settings().StartupTimeout; !p.HasBeenSeen() && startup > threshold {
		threshold = startup
	}
	now := m.clock()
	silence := now.Sub(p.LastSeen())
	if silence <= threshold {
		return false
	}
	p.ResetLastSeen(now)
	m.send(m.newFailure(p, fmt.Sprintf("Worker has not been seen for %s", silence.Round(time.Second)), protocol.WorkerTimeout, ""))
	return true
}

// Package worker manages the worker processes of an agent and contains the service that runs
// inside a worker process.
package worker

import (
	"sync"
	"time"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

// ProcessHandle controls a running operating system process.
type ProcessHandle interface {
	Pid() int
	// ExitCode returns the exit code once the process has exited.
	ExitCode() (code int, exited bool)
	Kill() error
	// Wait blocks until the process exited or the timeout elapsed and reports whether it exited.
	Wait(timeout time.Duration) bool
}

// WorkerProcess is the agent's record of one launched worker.
type WorkerProcess struct {
	id        string
	home      string
	settings  settings.WorkerProcessSettings
	handle    ProcessHandle
	startedAt time.Time

	mu            sync.Mutex
	lastSeen      time.Time
	seen          bool
	memberAddress string
}

func NewWorkerProcess(id, home string, s settings.WorkerProcessSettings, handle ProcessHandle, startedAt time.Time) *WorkerProcess {
	return &WorkerProcess{
		id:        id,
		home:      home,
		settings:  s,
		handle:    handle,
		startedAt: startedAt,
		lastSeen:  startedAt,
	}
}

func (p *WorkerProcess) ID() string {
	return p.id
}

func (p *WorkerProcess) Address() address.SimulatorAddress {
	return p.settings.WorkerAddress
}

// Home is the directory the worker runs in and writes its marker files to.
func (p *WorkerProcess) Home() string {
	return p.home
}

func (p *WorkerProcess) Settings() settings.WorkerProcessSettings {
	return p.settings
}

func (p *WorkerProcess) Handle() ProcessHandle {
	return p.handle
}

func (p *WorkerProcess) StartedAt() time.Time {
	return p.startedAt
}

func (p *WorkerProcess) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// HasBeenSeen returns true once the worker reported a sign of life.
func (p *WorkerProcess) HasBeenSeen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen
}

func (p *WorkerProcess) UpdateLastSeen(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = true
	if t.After(p.lastSeen) {
		p.lastSeen = t
	}
}

// ResetLastSeen sets the last seen timestamp without marking the worker as seen.
func (p *WorkerProcess) ResetLastSeen(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = t
}

// MemberAddress is the address the worker uses in the tested cluster; empty until reported.
func (p *WorkerProcess) MemberAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memberAddress
}

func (p *WorkerProcess) SetMemberAddress(memberAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memberAddress = memberAddress
}

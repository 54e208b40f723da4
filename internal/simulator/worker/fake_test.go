package worker

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/simulator/settings"
)

type fakeHandle struct {
	mu       sync.Mutex
	pid      int
	exitCode int
	exited   bool
	killed   bool
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	h.exited = true
	h.exitCode = -1
	return nil
}

func (h *fakeHandle) Wait(time.Duration) bool {
	_, exited := h.ExitCode()
	return exited
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = true
	h.exitCode = code
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type fakeLauncher struct {
	home    string
	handles map[string]*fakeHandle
	fail    bool
}

func (l *fakeLauncher) Launch(s settings.WorkerProcessSettings, workerID string) (string, ProcessHandle, error) {
	if l.fail {
		return "", nil, errors.New("no such script")
	}
	h := &fakeHandle{pid: 1000 + len(l.handles)}
	l.handles[workerID] = h
	return l.home, h, nil
}

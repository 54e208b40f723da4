package worker

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/simulator/settings"
)

// Environment variables set for worker processes in addition to the settings' environment.
const (
	EnvWorkerID       = "WORKER_ID"
	EnvWorkerHome     = "WORKER_HOME"
	EnvWorkerOptions  = "WORKER_OPTIONS"
	EnvStartupTimeout = "WORKER_STARTUP_TIMEOUT"
	EnvBrokerURL      = "AGENT_BROKER_URL"
)

const (
	clusterConfigFile = "cluster-config.xml"
	stdoutFile        = "out.log"
	stderrFile        = "err.log"
)

// ExecLauncher runs the worker script of the settings in a fresh home directory below
// <root>/<session id>/. The worker receives its settings and the url of the agent broker
// through the environment.
type ExecLauncher struct {
	root      string
	sessionID string
	brokerURL string
}

func NewExecLauncher(root, sessionID, brokerURL string) *ExecLauncher {
	return &ExecLauncher{root: root, sessionID: sessionID, brokerURL: brokerURL}
}

func (l *ExecLauncher) Launch(s settings.WorkerProcessSettings, workerID string) (string, ProcessHandle, error) {
	home, err := filepath.Abs(filepath.Join(l.root, l.sessionID, workerID))
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", nil, errors.WithStack(err)
	}
	if s.ClusterConfig != "" {
		if err := os.WriteFile(filepath.Join(home, clusterConfigFile), []byte(s.ClusterConfig), 0o644); err != nil {
			return "", nil, errors.WithStack(err)
		}
	}

	stdout, err := os.Create(filepath.Join(home, stdoutFile))
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(home, stderrFile))
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	defer stderr.Close()

	cmd := exec.Command(s.WorkerScript)
	cmd.Dir = home
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), environment(s, workerID, home)...)
	cmd.Env = append(cmd.Env, EnvBrokerURL+"="+l.brokerURL)
	if err := cmd.Start(); err != nil {
		return "", nil, errors.Wrapf(err, "unable to start %s", s.WorkerScript)
	}
	return home, newExecHandle(cmd), nil
}

func environment(s settings.WorkerProcessSettings, workerID, home string) []string {
	env := make([]string, 0, len(s.Environment)+4)
	for _, key := range s.EnvironmentKeys() {
		env = append(env, key+"="+s.Environment[key])
	}
	return append(env,
		EnvWorkerID+"="+workerID,
		EnvWorkerHome+"="+home,
		EnvWorkerOptions+"="+s.Options,
		EnvStartupTimeout+"="+s.StartupTimeout.String(),
	)
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newExecHandle(cmd *exec.Cmd) *execHandle {
	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()
	return h
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) ExitCode() (int, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}

func (h *execHandle) Kill() error {
	if _, exited := h.ExitCode(); exited {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.WithStack(err)
	}
	h.Wait(5 * time.Second)
	return nil
}

func (h *execHandle) Wait(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

package configuration

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

type AgentEndpoint struct {
	PublicAddress  string
	PrivateAddress string
	BrokerPort     int
}

type PlacementConfiguration struct {
	MemberWorkerCount           int
	ClientWorkerCount           int
	DedicatedMemberMachineCount int
	// Optional cluster layout document. Overrides the counts above when set.
	LayoutFile string
}

type WorkerConfiguration struct {
	VersionSpec    string
	WorkerScript   string
	MemberOptions  string
	ClientOptions  string
	ClusterConfig  string
	StartupTimeout time.Duration
	Environment    map[string]string
}

func (c WorkerConfiguration) Defaults() settings.Defaults {
	return settings.Defaults{
		VersionSpec:    c.VersionSpec,
		WorkerScript:   c.WorkerScript,
		MemberOptions:  c.MemberOptions,
		ClientOptions:  c.ClientOptions,
		ClusterConfig:  c.ClusterConfig,
		StartupTimeout: c.StartupTimeout,
		Environment:    c.Environment,
	}
}

// Zero values take the client defaults.
type ClientConfiguration struct {
	ConnectTimeout  time.Duration
	RequestExpiry   time.Duration
	PollInterval    time.Duration
	SendQueueSize   int
	ReceiveCapacity int
}

type CoordinatorConfiguration struct {
	MetricsPort uint16
	Agents      []AgentEndpoint
	Placement   PlacementConfiguration
	Worker      WorkerConfiguration
	Client      ClientConfiguration
	// Deadline for all agents to launch their workers. Zero uses the default.
	CreateWorkersTimeout time.Duration
	// Deadline for broadcasts like starting timeout detection. Zero uses the default.
	InvokeTimeout time.Duration
	// Delay between two worker launches on the same agent.
	WorkerLaunchDelay time.Duration
	// Failure types that fail the run.
	CriticalFailures []protocol.FailureType
}

func (c CoordinatorConfiguration) Validate() error {
	var result *multierror.Error
	if len(c.Agents) == 0 {
		result = multierror.Append(result, errors.New("at least one agent must be configured"))
	}
	for i, agent := range c.Agents {
		if agent.PublicAddress == "" {
			result = multierror.Append(result, errors.Errorf("agent %d has no public address", i+1))
		}
		if agent.BrokerPort <= 0 {
			result = multierror.Append(result, errors.Errorf("agent %d has an invalid broker port %d", i+1, agent.BrokerPort))
		}
	}
	if c.Placement.LayoutFile == "" && c.Placement.MemberWorkerCount+c.Placement.ClientWorkerCount <= 0 {
		result = multierror.Append(result, errors.New("no workers requested"))
	}
	if c.Worker.WorkerScript == "" {
		result = multierror.Append(result, errors.New("worker.workerScript must be set"))
	}
	if c.CreateWorkersTimeout < 0 || c.InvokeTimeout < 0 {
		result = multierror.Append(result, errors.New("createWorkersTimeout and invokeTimeout can't be negative"))
	}
	if c.Client.PollInterval < 0 || c.Client.ConnectTimeout < 0 || c.Client.RequestExpiry < 0 {
		result = multierror.Append(result, errors.New("client durations can't be negative"))
	}
	for _, t := range c.CriticalFailures {
		if !knownFailureTypes[t] {
			result = multierror.Append(result, errors.Errorf("unknown failure type %s", t))
		}
	}
	return result.ErrorOrNil()
}

var knownFailureTypes = map[protocol.FailureType]bool{
	protocol.WorkerOOM:          true,
	protocol.WorkerException:    true,
	protocol.WorkerExit:         true,
	protocol.WorkerTimeout:      true,
	protocol.WorkerFinished:     true,
	protocol.WorkerNormalExit:   true,
	protocol.MessagingException: true,
}

type BrokerConfiguration struct {
	Host           string
	Port           int
	MaxPayload     int32
	StartupTimeout time.Duration
}

type MonitorConfiguration struct {
	Interval time.Duration
	// Negative disables timeout detection.
	WorkerTimeout         time.Duration
	FailureSendTimeout    time.Duration
	FailureSendAttempts   uint
	FailureSendRetryDelay time.Duration
}

type AgentConfiguration struct {
	MetricsPort   uint16
	AgentIndex    int
	PublicAddress string
	SessionID     string
	// Worker home directories are created below this directory.
	WorkersHome     string
	Broker          BrokerConfiguration
	Monitor         MonitorConfiguration
	ShutdownTimeout time.Duration
}

func (c AgentConfiguration) Validate() error {
	var result *multierror.Error
	if c.AgentIndex < 1 {
		result = multierror.Append(result, errors.Errorf("agentIndex must be at least 1 but was %d", c.AgentIndex))
	}
	if c.PublicAddress == "" {
		result = multierror.Append(result, errors.New("publicAddress must be set"))
	}
	if c.WorkersHome == "" {
		result = multierror.Append(result, errors.New("workersHome must be set"))
	}
	if c.Broker.Port < 0 {
		result = multierror.Append(result, errors.Errorf("invalid broker port %d", c.Broker.Port))
	}
	if c.Monitor.Interval <= 0 {
		result = multierror.Append(result, errors.New("monitor.interval must be positive"))
	}
	if c.Monitor.FailureSendAttempts == 0 {
		result = multierror.Append(result, errors.New("monitor.failureSendAttempts must be at least 1"))
	}
	return result.ErrorOrNil()
}

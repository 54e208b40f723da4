package settings

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/simulator/address"
)

type WorkerType string

const (
	Member WorkerType = "MEMBER"
	Client WorkerType = "CLIENT"
)

// ParseWorkerType accepts the worker type names case-insensitively.
func ParseWorkerType(s string) (WorkerType, error) {
	switch WorkerType(strings.ToUpper(strings.TrimSpace(s))) {
	case Member:
		return Member, nil
	case Client:
		return Client, nil
	default:
		return "", fmt.Errorf("unknown worker type %q, expected %s or %s", s, Member, Client)
	}
}

func (t WorkerType) IsMember() bool {
	return t == Member
}

// WorkerProcessSettings describes a single worker process to be launched by an agent.
// Values are treated as immutable once created by the deployment planner.
type WorkerProcessSettings struct {
	WorkerAddress  address.SimulatorAddress `json:"workerAddress"`
	WorkerIndex    int                      `json:"workerIndex"`
	WorkerType     WorkerType               `json:"workerType"`
	VersionSpec    string                   `json:"versionSpec"`
	WorkerScript   string                   `json:"workerScript"`
	Options        string                   `json:"options"`
	ClusterConfig  string                   `json:"clusterConfig"`
	StartupTimeout time.Duration            `json:"startupTimeout"`
	Environment    map[string]string        `json:"environment"`
}

// Defaults holds the values used for worker settings that aren't specified elsewhere.
type Defaults struct {
	VersionSpec    string
	WorkerScript   string
	MemberOptions  string
	ClientOptions  string
	ClusterConfig  string
	StartupTimeout time.Duration
	Environment    map[string]string
}

// OptionsFor returns the default launch options of the given worker type.
func (d Defaults) OptionsFor(workerType WorkerType) string {
	if workerType.IsMember() {
		return d.MemberOptions
	}
	return d.ClientOptions
}

// WorkerID returns the identifier of the worker process; it also names the worker's home directory.
func (s WorkerProcessSettings) WorkerID(agentPublicAddress string) string {
	return fmt.Sprintf("worker-%s-%d-%s", agentPublicAddress, s.WorkerIndex, strings.ToLower(string(s.WorkerType)))
}

// EnvironmentKeys returns the keys of the environment in sorted order.
func (s WorkerProcessSettings) EnvironmentKeys() []string {
	keys := maps.Keys(s.Environment)
	slices.Sort(keys)
	return keys
}

// NewEnvironment merges the base environment with the variables describing the worker itself.
func NewEnvironment(base map[string]string, workerAddress address.SimulatorAddress, workerType WorkerType, versionSpec string) map[string]string {
	env := make(map[string]string, len(base)+4)
	maps.Copy(env, base)
	env["WORKER_ADDRESS"] = workerAddress.String()
	env["WORKER_INDEX"] = fmt.Sprintf("%d", workerAddress.WorkerIndex())
	env["WORKER_TYPE"] = string(workerType)
	env["VERSION_SPEC"] = versionSpec
	return env
}

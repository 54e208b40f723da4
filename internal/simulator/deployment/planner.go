package deployment

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

// IndexAllocator hands out worker indexes that are never reused within a run.
// *registry.ComponentRegistry implements it.
type IndexAllocator interface {
	AllocateWorkerIndex(agentAddress address.SimulatorAddress) (int, error)
}

// PlacementParameters are the inputs of rule-based planning.
type PlacementParameters struct {
	MemberWorkerCount int
	ClientWorkerCount int
	// Number of agents, taken in registration order, that only run member workers.
	DedicatedMemberMachineCount int
	Defaults                    settings.Defaults
}

func (p PlacementParameters) validate(agentCount int) error {
	switch {
	case agentCount <= 0:
		return &simerrors.ErrInvalidPlacement{Message: "no agents are registered"}
	case p.MemberWorkerCount < 0 || p.ClientWorkerCount < 0:
		return &simerrors.ErrInvalidPlacement{Message: "worker counts can't be negative"}
	case p.DedicatedMemberMachineCount < 0:
		return &simerrors.ErrInvalidPlacement{Message: "dedicated member machine count can't be negative"}
	case p.DedicatedMemberMachineCount > agentCount:
		return &simerrors.ErrInvalidPlacement{Message: fmt.Sprintf(
			"%d dedicated member machines requested but only %d agents are registered",
			p.DedicatedMemberMachineCount, agentCount)}
	case p.ClientWorkerCount > 0 && agentCount-p.DedicatedMemberMachineCount < 1:
		return &simerrors.ErrInvalidPlacement{Message: fmt.Sprintf(
			"%d client workers requested but all %d agents are dedicated member machines",
			p.ClientWorkerCount, agentCount)}
	case p.MemberWorkerCount+p.ClientWorkerCount <= 0:
		return &simerrors.ErrInvalidPlacement{Message: "no workers requested"}
	}
	return nil
}

// CreateDeploymentPlan assigns member and client workers to the agents round-robin.
//
// With dedicated member machines the first agents only get members and the remaining agents only clients,
// otherwise every agent can get both. Each worker type starts at the first eligible agent, so when the
// count doesn't divide evenly the earliest eligible agents get one extra worker.
// Nothing is allocated when the parameters are invalid.
func CreateDeploymentPlan(agents []registry.AgentData, allocator IndexAllocator, params PlacementParameters) (*DeploymentPlan, error) {
	if err := params.validate(len(agents)); err != nil {
		return nil, err
	}

	plan := newDeploymentPlan(agents, func(i int) AgentWorkerMode {
		switch {
		case params.DedicatedMemberMachineCount == 0:
			return Mixed
		case i < params.DedicatedMemberMachineCount:
			return MembersOnly
		default:
			return ClientsOnly
		}
	})

	if err := assignWorkers(plan, allocator, settings.Member, params.MemberWorkerCount, params.Defaults); err != nil {
		return nil, err
	}
	if err := assignWorkers(plan, allocator, settings.Client, params.ClientWorkerCount, params.Defaults); err != nil {
		return nil, err
	}
	return plan, nil
}

func assignWorkers(plan *DeploymentPlan, allocator IndexAllocator, workerType settings.WorkerType, count int, defaults settings.Defaults) error {
	if count == 0 {
		return nil
	}
	var eligible []*AgentDeployment
	for _, d := range plan.deployments {
		if d.canHost(workerType) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return &simerrors.ErrInvalidPlacement{Message: fmt.Sprintf("no agent can host %s workers", workerType)}
	}

	for i := 0; i < count; i++ {
		d := eligible[i%len(eligible)]
		s, err := newWorkerSettings(d.Agent, allocator, workerConfiguration{
			workerType:     workerType,
			versionSpec:    defaults.VersionSpec,
			workerScript:   defaults.WorkerScript,
			options:        defaults.OptionsFor(workerType),
			clusterConfig:  defaults.ClusterConfig,
			startupTimeout: defaults.StartupTimeout,
		}, defaults.Environment)
		if err != nil {
			return err
		}
		d.Workers = append(d.Workers, s)
	}
	return nil
}

func newWorkerSettings(
	agent registry.AgentData,
	allocator IndexAllocator,
	config workerConfiguration,
	environment map[string]string,
) (settings.WorkerProcessSettings, error) {
	workerIndex, err := allocator.AllocateWorkerIndex(agent.Address)
	if err != nil {
		return settings.WorkerProcessSettings{}, errors.WithMessagef(err, "unable to allocate worker index on %s", agent.Address)
	}
	workerAddress, err := agent.Address.Child(workerIndex)
	if err != nil {
		return settings.WorkerProcessSettings{}, err
	}
	return settings.WorkerProcessSettings{
		WorkerAddress:  workerAddress,
		WorkerIndex:    workerIndex,
		WorkerType:     config.workerType,
		VersionSpec:    config.versionSpec,
		WorkerScript:   config.workerScript,
		Options:        config.options,
		ClusterConfig:  config.clusterConfig,
		StartupTimeout: config.startupTimeout,
		Environment:    settings.NewEnvironment(environment, workerAddress, config.workerType, config.versionSpec),
	}, nil
}

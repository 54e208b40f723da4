package deployment

import (
	"fmt"
	"strings"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

// AgentWorkerMode restricts which worker types may be placed on an agent.
type AgentWorkerMode string

const (
	Mixed       AgentWorkerMode = "MIXED"
	MembersOnly AgentWorkerMode = "MEMBERS_ONLY"
	ClientsOnly AgentWorkerMode = "CLIENTS_ONLY"
	Custom      AgentWorkerMode = "CUSTOM"
)

// AgentDeployment holds the workers planned for a single agent.
type AgentDeployment struct {
	Agent   registry.AgentData
	Mode    AgentWorkerMode
	Workers []settings.WorkerProcessSettings
}

func (d *AgentDeployment) canHost(workerType settings.WorkerType) bool {
	switch d.Mode {
	case MembersOnly:
		return workerType == settings.Member
	case ClientsOnly:
		return workerType == settings.Client
	default:
		return true
	}
}

// Count returns the number of planned workers of the given type.
func (d *AgentDeployment) Count(workerType settings.WorkerType) int {
	count := 0
	for _, w := range d.Workers {
		if w.WorkerType == workerType {
			count++
		}
	}
	return count
}

// DeploymentPlan maps every registered agent to the ordered list of workers it should create.
// Agents without workers are present with an empty list.
type DeploymentPlan struct {
	deployments []*AgentDeployment
	byAgent     map[address.SimulatorAddress]*AgentDeployment
}

func newDeploymentPlan(agents []registry.AgentData, mode func(i int) AgentWorkerMode) *DeploymentPlan {
	p := &DeploymentPlan{
		deployments: make([]*AgentDeployment, 0, len(agents)),
		byAgent:     make(map[address.SimulatorAddress]*AgentDeployment, len(agents)),
	}
	for i, agent := range agents {
		d := &AgentDeployment{Agent: agent, Mode: mode(i), Workers: []settings.WorkerProcessSettings{}}
		p.deployments = append(p.deployments, d)
		p.byAgent[agent.Address] = d
	}
	return p
}

// Agents returns the agent addresses in registration order.
func (p *DeploymentPlan) Agents() []address.SimulatorAddress {
	agents := make([]address.SimulatorAddress, 0, len(p.deployments))
	for _, d := range p.deployments {
		agents = append(agents, d.Agent.Address)
	}
	return agents
}

func (p *DeploymentPlan) Deployments() []*AgentDeployment {
	return p.deployments
}

// WorkersOf returns the workers planned for an agent, or nil if the agent isn't part of the plan.
func (p *DeploymentPlan) WorkersOf(agentAddress address.SimulatorAddress) []settings.WorkerProcessSettings {
	d, ok := p.byAgent[agentAddress]
	if !ok {
		return nil
	}
	return d.Workers
}

// Count returns the total number of planned workers of the given type.
func (p *DeploymentPlan) Count(workerType settings.WorkerType) int {
	count := 0
	for _, d := range p.deployments {
		count += d.Count(workerType)
	}
	return count
}

func (p *DeploymentPlan) WorkerCount() int {
	count := 0
	for _, d := range p.deployments {
		count += len(d.Workers)
	}
	return count
}

// AllWorkers returns every planned worker, agent by agent.
func (p *DeploymentPlan) AllWorkers() []settings.WorkerProcessSettings {
	var workers []settings.WorkerProcessSettings
	for _, d := range p.deployments {
		workers = append(workers, d.Workers...)
	}
	return workers
}

func (p *DeploymentPlan) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Deployment plan: %d members, %d clients on %d agents\n",
		p.Count(settings.Member), p.Count(settings.Client), len(p.deployments)))
	for _, d := range p.deployments {
		sb.WriteString(fmt.Sprintf("    %-4s %-15s (%s) members: %d, clients: %d\n",
			d.Agent.Address, d.Agent.PublicAddress, d.Mode, d.Count(settings.Member), d.Count(settings.Client)))
	}
	return sb.String()
}

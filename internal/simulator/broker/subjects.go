package broker

import "github.com/G-Research/simulator/internal/simulator/address"

const (
	AgentTopic       = "simulator.agents"
	WorkerTopic      = "simulator.workers"
	CoordinatorTopic = "simulator.coordinator"
)

// TopicFor returns the subject an operation for target is published on.
// Tests are served by their worker, so they share the worker topic.
func TopicFor(target address.SimulatorAddress) string {
	switch target.Level() {
	case address.Coordinator:
		return CoordinatorTopic
	case address.Agent:
		return AgentTopic
	default:
		return WorkerTopic
	}
}

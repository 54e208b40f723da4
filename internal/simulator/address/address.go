package address

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

// AddressLevel is the level of an entity in the simulator hierarchy.
type AddressLevel int

const (
	Coordinator AddressLevel = iota
	Agent
	Worker
	Test
)

const separator = "_"

var levelNames = map[AddressLevel]string{
	Coordinator: "COORDINATOR",
	Agent:       "AGENT",
	Worker:      "WORKER",
	Test:        "TEST",
}

// Prefixes of the components of the string form, indexed by level.
var levelPrefixes = []string{"C", "A", "W", "T"}

func (l AddressLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AddressLevel(%d)", int(l))
}

// SimulatorAddress identifies the coordinator, an agent, a worker of an agent or a test of a worker.
// Indexes start at 1; indexes below the level of the address are always zero.
// The zero value is the coordinator address.
type SimulatorAddress struct {
	level       AddressLevel
	agentIndex  int
	workerIndex int
	testIndex   int
}

// CoordinatorAddress returns the address of the coordinator.
func CoordinatorAddress() SimulatorAddress {
	return SimulatorAddress{level: Coordinator}
}

func NewAgentAddress(agentIndex int) (SimulatorAddress, error) {
	if err := validateIndexes(agentIndex); err != nil {
		return SimulatorAddress{}, err
	}
	return SimulatorAddress{level: Agent, agentIndex: agentIndex}, nil
}

func NewWorkerAddress(agentIndex, workerIndex int) (SimulatorAddress, error) {
	if err := validateIndexes(agentIndex, workerIndex); err != nil {
		return SimulatorAddress{}, err
	}
	return SimulatorAddress{level: Worker, agentIndex: agentIndex, workerIndex: workerIndex}, nil
}

func NewTestAddress(agentIndex, workerIndex, testIndex int) (SimulatorAddress, error) {
	if err := validateIndexes(agentIndex, workerIndex, testIndex); err != nil {
		return SimulatorAddress{}, err
	}
	return SimulatorAddress{level: Test, agentIndex: agentIndex, workerIndex: workerIndex, testIndex: testIndex}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for constants and tests.
func MustParse(s string) SimulatorAddress {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse converts the canonical string form (C, A1, A1_W2, A1_W2_T3) into an address.
// Prefixes must appear in hierarchy order and indexes must be positive without leading zeros.
func Parse(s string) (SimulatorAddress, error) {
	if s == levelPrefixes[Coordinator] {
		return CoordinatorAddress(), nil
	}
	if s == "" {
		return SimulatorAddress{}, &simerrors.ErrMalformedAddress{Value: s, Message: "empty address"}
	}

	parts := strings.Split(s, separator)
	if len(parts) > int(Test) {
		return SimulatorAddress{}, &simerrors.ErrMalformedAddress{Value: s, Message: "too many components"}
	}

	indexes := make([]int, len(parts))
	for i, part := range parts {
		prefix := levelPrefixes[i+1]
		if !strings.HasPrefix(part, prefix) {
			return SimulatorAddress{}, &simerrors.ErrMalformedAddress{
				Value:   s,
				Message: fmt.Sprintf("component %d must start with %s", i+1, prefix),
			}
		}
		index, err := parseIndex(part[len(prefix):])
		if err != nil {
			return SimulatorAddress{}, &simerrors.ErrMalformedAddress{Value: s, Message: err.Error()}
		}
		indexes[i] = index
	}

	switch len(indexes) {
	case 1:
		return NewAgentAddress(indexes[0])
	case 2:
		return NewWorkerAddress(indexes[0], indexes[1])
	default:
		return NewTestAddress(indexes[0], indexes[1], indexes[2])
	}
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing index")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("index %q is not a number", s)
		}
	}
	if s[0] == '0' {
		return 0, fmt.Errorf("index %q must be positive without leading zeros", s)
	}
	return strconv.Atoi(s)
}

func validateIndexes(indexes ...int) error {
	for _, index := range indexes {
		if index < 1 {
			return &simerrors.ErrMalformedAddress{
				Value:   strconv.Itoa(index),
				Message: "indexes must be greater than zero",
			}
		}
	}
	return nil
}

func (a SimulatorAddress) Level() AddressLevel {
	return a.level
}

func (a SimulatorAddress) AgentIndex() int {
	return a.agentIndex
}

func (a SimulatorAddress) WorkerIndex() int {
	return a.workerIndex
}

func (a SimulatorAddress) TestIndex() int {
	return a.testIndex
}

func (a SimulatorAddress) String() string {
	if a.level == Coordinator {
		return levelPrefixes[Coordinator]
	}
	var sb strings.Builder
	sb.WriteString(levelPrefixes[Agent])
	sb.WriteString(strconv.Itoa(a.agentIndex))
	if a.level >= Worker {
		sb.WriteString(separator)
		sb.WriteString(levelPrefixes[Worker])
		sb.WriteString(strconv.Itoa(a.workerIndex))
	}
	if a.level == Test {
		sb.WriteString(separator)
		sb.WriteString(levelPrefixes[Test])
		sb.WriteString(strconv.Itoa(a.testIndex))
	}
	return sb.String()
}

// Parent drops the most specific component of the address.
func (a SimulatorAddress) Parent() (SimulatorAddress, error) {
	switch a.level {
	case Agent:
		return CoordinatorAddress(), nil
	case Worker:
		return SimulatorAddress{level: Agent, agentIndex: a.agentIndex}, nil
	case Test:
		return SimulatorAddress{level: Worker, agentIndex: a.agentIndex, workerIndex: a.workerIndex}, nil
	default:
		return SimulatorAddress{}, &simerrors.ErrInvalidLevel{Level: a.level.String(), Operation: "parent"}
	}
}

// Child extends the address by one level using the given index.
func (a SimulatorAddress) Child(index int) (SimulatorAddress, error) {
	switch a.level {
	case Coordinator:
		return NewAgentAddress(index)
	case Agent:
		return NewWorkerAddress(a.agentIndex, index)
	case Worker:
		return NewTestAddress(a.agentIndex, a.workerIndex, index)
	default:
		return SimulatorAddress{}, &simerrors.ErrInvalidLevel{Level: a.level.String(), Operation: "child"}
	}
}

// AgentAddress returns the address of the agent this address belongs to.
func (a SimulatorAddress) AgentAddress() (SimulatorAddress, error) {
	if a.level == Coordinator {
		return SimulatorAddress{}, &simerrors.ErrInvalidLevel{Level: a.level.String(), Operation: "agent"}
	}
	return SimulatorAddress{level: Agent, agentIndex: a.agentIndex}, nil
}

// Contains returns true if other is a or lies below a in the hierarchy.
func (a SimulatorAddress) Contains(other SimulatorAddress) bool {
	if other.level < a.level {
		return false
	}
	switch a.level {
	case Coordinator:
		return true
	case Agent:
		return a.agentIndex == other.agentIndex
	case Worker:
		return a.agentIndex == other.agentIndex && a.workerIndex == other.workerIndex
	default:
		return a == other
	}
}

// Compare orders addresses by level, then agent, worker and test index.
func (a SimulatorAddress) Compare(other SimulatorAddress) int {
	switch {
	case a.level != other.level:
		return compareInts(int(a.level), int(other.level))
	case a.agentIndex != other.agentIndex:
		return compareInts(a.agentIndex, other.agentIndex)
	case a.workerIndex != other.workerIndex:
		return compareInts(a.workerIndex, other.workerIndex)
	default:
		return compareInts(a.testIndex, other.testIndex)
	}
}

func (a SimulatorAddress) Less(other SimulatorAddress) bool {
	return a.Compare(other) < 0
}

// Sort orders addresses in place by level, then by index.
func Sort(addresses []SimulatorAddress) {
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].Less(addresses[j]) })
}

func (a SimulatorAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *SimulatorAddress) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

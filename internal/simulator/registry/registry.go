package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

const (
	agentsTable  = "agents"
	workersTable = "workers"
	idIndex      = "id"    // index for looking up records by address
	agentIndex   = "agent" // index for looking up the workers of an agent
)

// AgentData describes a registered agent.
type AgentData struct {
	Address        address.SimulatorAddress
	PublicAddress  string
	PrivateAddress string
	BrokerPort     int
}

// BrokerURL is the url of the broker embedded in the agent.
func (a AgentData) BrokerURL() string {
	return fmt.Sprintf("nats://%s:%d", a.PublicAddress, a.BrokerPort)
}

// WorkerData describes a worker created on one of the registered agents.
type WorkerData struct {
	Address  address.SimulatorAddress
	Settings settings.WorkerProcessSettings
	LastSeen time.Time
}

func (w WorkerData) IsMember() bool {
	return w.Settings.WorkerType.IsMember()
}

// Records stored in the database can't be modified in place; updates insert a modified copy.
type agentRecord struct {
	Key             string
	Data            AgentData
	LastWorkerIndex int
}

type workerRecord struct {
	Key      string
	AgentKey string
	Data     WorkerData
}

// ComponentRegistry holds the agents and workers known to the coordinator.
// It is implemented on top of go-memdb: writers are serialised by write transactions,
// readers see consistent snapshots without blocking writers.
type ComponentRegistry struct {
	db  *memdb.MemDB
	now func() time.Time
}

func NewComponentRegistry() *ComponentRegistry {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		// The schema is static, so this can only be a programming error.
		panic(errors.WithStack(err))
	}
	return &ComponentRegistry{db: db, now: time.Now}
}

func registrySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			agentsTable: {
				Name: agentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			workersTable: {
				Name: workersTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					agentIndex: {
						Name:    agentIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "AgentKey"},
					},
				},
			},
		},
	}
}

// AddAgent registers a new agent. Agents are numbered in registration order, starting at 1.
func (r *ComponentRegistry) AddAgent(publicAddress, privateAddress string, brokerPort int) (AgentData, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	count, err := countRecords(txn, agentsTable)
	if err != nil {
		return AgentData{}, err
	}
	agentAddress, err := address.NewAgentAddress(count + 1)
	if err != nil {
		return AgentData{}, err
	}
	if privateAddress == "" {
		privateAddress = publicAddress
	}
	record := &agentRecord{
		Key: agentAddress.String(),
		Data: AgentData{
			Address:        agentAddress,
			PublicAddress:  publicAddress,
			PrivateAddress: privateAddress,
			BrokerPort:     brokerPort,
		},
	}
	if err := txn.Insert(agentsTable, record); err != nil {
		return AgentData{}, errors.WithStack(err)
	}
	txn.Commit()
	return record.Data, nil
}

func (r *ComponentRegistry) AgentCount() int {
	txn := r.db.Txn(false)
	count, _ := countRecords(txn, agentsTable)
	return count
}

// GetAgents returns all agents in registration order.
func (r *ComponentRegistry) GetAgents() []AgentData {
	txn := r.db.Txn(false)
	it, err := txn.Get(agentsTable, idIndex)
	if err != nil {
		return nil
	}
	var agents []AgentData
	for obj := it.Next(); obj != nil; obj = it.Next() {
		agents = append(agents, obj.(*agentRecord).Data)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Address.Less(agents[j].Address) })
	return agents
}

func (r *ComponentRegistry) GetAgent(agentAddress address.SimulatorAddress) (AgentData, error) {
	txn := r.db.Txn(false)
	record, err := getAgentRecord(txn, agentAddress)
	if err != nil {
		return AgentData{}, err
	}
	return record.Data, nil
}

// AllocateWorkerIndex returns the next unused worker index of the agent. Indexes are never reused.
func (r *ComponentRegistry) AllocateWorkerIndex(agentAddress address.SimulatorAddress) (int, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	record, err := getAgentRecord(txn, agentAddress)
	if err != nil {
		return 0, err
	}
	updated := *record
	updated.LastWorkerIndex++
	if err := txn.Insert(agentsTable, &updated); err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()
	return updated.LastWorkerIndex, nil
}

// AddWorkers registers the workers described by the given settings. All agents must be registered;
// nothing is added if one of them isn't.
func (r *ComponentRegistry) AddWorkers(workerSettings []settings.WorkerProcessSettings) ([]WorkerData, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	now := r.now()
	workers := make([]WorkerData, 0, len(workerSettings))
	for _, s := range workerSettings {
		agentAddress, err := s.WorkerAddress.AgentAddress()
		if err != nil {
			return nil, err
		}
		agent, err := getAgentRecord(txn, agentAddress)
		if err != nil {
			return nil, err
		}
		if s.WorkerAddress.WorkerIndex() > agent.LastWorkerIndex {
			updated := *agent
			updated.LastWorkerIndex = s.WorkerAddress.WorkerIndex()
			if err := txn.Insert(agentsTable, &updated); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		record := &workerRecord{
			Key:      s.WorkerAddress.String(),
			AgentKey: agentAddress.String(),
			Data:     WorkerData{Address: s.WorkerAddress, Settings: s, LastSeen: now},
		}
		if err := txn.Insert(workersTable, record); err != nil {
			return nil, errors.WithStack(err)
		}
		workers = append(workers, record.Data)
	}
	txn.Commit()
	return workers, nil
}

// RemoveWorker deregisters a worker. Returns false if the worker wasn't registered.
func (r *ComponentRegistry) RemoveWorker(workerAddress address.SimulatorAddress) (bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(workersTable, idIndex, workerAddress.String())
	if err != nil {
		return false, errors.WithStack(err)
	}
	if obj == nil {
		return false, nil
	}
	if err := txn.Delete(workersTable, obj); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

// UpdateLastSeen records that the worker was seen alive at the given time.
func (r *ComponentRegistry) UpdateLastSeen(workerAddress address.SimulatorAddress, t time.Time) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(workersTable, idIndex, workerAddress.String())
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return &simerrors.ErrNotFound{Type: "worker", Value: workerAddress.String()}
	}
	updated := *obj.(*workerRecord)
	updated.Data.LastSeen = t
	if err := txn.Insert(workersTable, &updated); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *ComponentRegistry) GetWorker(workerAddress address.SimulatorAddress) (WorkerData, error) {
	txn := r.db.Txn(false)
	obj, err := txn.First(workersTable, idIndex, workerAddress.String())
	if err != nil {
		return WorkerData{}, errors.WithStack(err)
	}
	if obj == nil {
		return WorkerData{}, &simerrors.ErrNotFound{Type: "worker", Value: workerAddress.String()}
	}
	return obj.(*workerRecord).Data, nil
}

// GetWorkers returns all workers ordered by address.
func (r *ComponentRegistry) GetWorkers() []WorkerData {
	txn := r.db.Txn(false)
	it, err := txn.Get(workersTable, idIndex)
	if err != nil {
		return nil
	}
	return collectWorkers(it)
}

// GetWorkersOfAgent returns the workers of one agent ordered by address.
func (r *ComponentRegistry) GetWorkersOfAgent(agentAddress address.SimulatorAddress) []WorkerData {
	txn := r.db.Txn(false)
	it, err := txn.Get(workersTable, agentIndex, agentAddress.String())
	if err != nil {
		return nil
	}
	return collectWorkers(it)
}

func (r *ComponentRegistry) WorkerCount() int {
	txn := r.db.Txn(false)
	count, _ := countRecords(txn, workersTable)
	return count
}

func collectWorkers(it memdb.ResultIterator) []WorkerData {
	var workers []WorkerData
	for obj := it.Next(); obj != nil; obj = it.Next() {
		workers = append(workers, obj.(*workerRecord).Data)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Address.Less(workers[j].Address) })
	return workers
}

func getAgentRecord(txn *memdb.Txn, agentAddress address.SimulatorAddress) (*agentRecord, error) {
	obj, err := txn.First(agentsTable, idIndex, agentAddress.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, &simerrors.ErrNotFound{Type: "agent", Value: agentAddress.String()}
	}
	return obj.(*agentRecord), nil
}

func countRecords(txn *memdb.Txn, table string) (int, error) {
	it, err := txn.Get(table, idIndex)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	count := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		count++
	}
	return count, nil
}

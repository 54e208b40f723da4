package failure

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// WorkerRemover is the part of the component registry the collector updates.
type WorkerRemover interface {
	RemoveWorker(workerAddress address.SimulatorAddress) (bool, error)
}

type Listener func(failure *protocol.FailureOperation)

// Collector records the failures reported to the coordinator. Workers that are no longer running
// are removed from the registry.
type Collector struct {
	registry WorkerRemover
	critical map[protocol.FailureType]bool

	mu           sync.Mutex
	failures     []*protocol.FailureOperation
	failureCount int
	hasCritical  bool
	listeners    []Listener
}

func NewCollector(registry WorkerRemover, criticalTypes []protocol.FailureType) *Collector {
	critical := make(map[protocol.FailureType]bool, len(criticalTypes))
	for _, t := range criticalTypes {
		critical[t] = true
	}
	return &Collector{registry: registry, critical: critical}
}

func (c *Collector) AddListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Notify records the failure before the worker is removed from the registry, so a caller seeing
// the worker gone also sees its failure.
func (c *Collector) Notify(failure *protocol.FailureOperation) {
	c.mu.Lock()
	c.failures = append(c.failures, failure)
	if !failure.Type.IsPoisonPill() {
		c.failureCount++
	}
	if c.critical[failure.Type] {
		c.hasCritical = true
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if failure.Type.IsTerminal() && failure.WorkerAddress != nil {
		if _, err := c.registry.RemoveWorker(*failure.WorkerAddress); err != nil {
			log.WithError(err).Warnf("Unable to remove worker %s", failure.WorkerAddress)
		}
	}

	if failure.Type.IsPoisonPill() {
		log.Infof("%s", failure.FailureDescription())
	} else {
		log.Errorf("%s", failure.FailureDescription())
	}
	for _, listener := range listeners {
		listener(failure)
	}
}

func (c *Collector) Failures() []*protocol.FailureOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.FailureOperation(nil), c.failures...)
}

// FailureCount counts the reported failures, excluding workers that finished normally.
func (c *Collector) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

func (c *Collector) HasCriticalFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCritical
}

// Package coordinator drives a simulation: it plans the workers, creates them through the agents
// and collects the failures reported back.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/simulator/internal/common/util"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/client"
	"github.com/G-Research/simulator/internal/simulator/configuration"
	"github.com/G-Research/simulator/internal/simulator/deployment"
	"github.com/G-Research/simulator/internal/simulator/failure"
	"github.com/G-Research/simulator/internal/simulator/processor"
	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

const (
	defaultCreateWorkersTimeout = 2 * time.Minute
	defaultInvokeTimeout        = 30 * time.Second
)

type Coordinator struct {
	config       configuration.CoordinatorConfiguration
	pollInterval time.Duration
	sessionID    string
	registry     *registry.ComponentRegistry
	client       *client.CoordinatorClient
	collector    *failure.Collector

	statsMu      sync.Mutex
	stats        map[string]*protocol.PerformanceStatsOperation
	// Closed on the first critical failure.
	critical     chan struct{}
	criticalOnce sync.Once
}

// NewCoordinator creates a coordinator. Unset timeouts and client settings take their defaults.
func NewCoordinator(config configuration.CoordinatorConfiguration) *Coordinator {
	if config.CreateWorkersTimeout <= 0 {
		config.CreateWorkersTimeout = defaultCreateWorkersTimeout
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = defaultInvokeTimeout
	}
	clientSettings := toClientConfig(config.Client)
	c := &Coordinator{
		config:       config,
		pollInterval: clientSettings.PollInterval,
		sessionID:    util.NewULID(),
		registry:     registry.NewComponentRegistry(),
		stats:        map[string]*protocol.PerformanceStatsOperation{},
		critical:     make(chan struct{}),
	}
	c.collector = failure.NewCollector(c.registry, config.CriticalFailures)
	c.collector.AddListener(func(*protocol.FailureOperation) {
		if c.collector.HasCriticalFailure() {
			c.criticalOnce.Do(func() { close(c.critical) })
		}
	})
	c.client = client.NewCoordinatorClient(clientSettings, processor.NewCoordinatorOperationProcessor(c))
	return c
}

func toClientConfig(config configuration.ClientConfiguration) client.Config {
	result := client.DefaultConfig()
	if config.ConnectTimeout > 0 {
		result.ConnectTimeout = config.ConnectTimeout
	}
	if config.RequestExpiry > 0 {
		result.RequestExpiry = config.RequestExpiry
	}
	if config.PollInterval > 0 {
		result.PollInterval = config.PollInterval
	}
	if config.SendQueueSize > 0 {
		result.SendQueueSize = config.SendQueueSize
	}
	if config.ReceiveCapacity > 0 {
		result.ReceiveCapacity = config.ReceiveCapacity
	}
	return result
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

func (c *Coordinator) Registry() *registry.ComponentRegistry {
	return c.registry
}

func (c *Coordinator) Failures() *failure.Collector {
	return c.collector
}

// RegisterAgents adds the configured agents to the registry in configuration order.
func (c *Coordinator) RegisterAgents() error {
	for _, agent := range c.config.Agents {
		data, err := c.registry.AddAgent(agent.PublicAddress, agent.PrivateAddress, agent.BrokerPort)
		if err != nil {
			return err
		}
		log.Infof("Registered agent %s at %s", data.Address, data.BrokerURL())
	}
	return nil
}

// Plan computes the deployment plan for the registered agents. It doesn't touch the network.
func (c *Coordinator) Plan() (*deployment.DeploymentPlan, error) {
	agents := c.registry.GetAgents()
	defaults := c.config.Worker.Defaults()
	if c.config.Placement.LayoutFile != "" {
		layout, err := deployment.LoadLayout(c.config.Placement.LayoutFile)
		if err != nil {
			return nil, err
		}
		return deployment.CreateDeploymentPlanFromLayout(agents, c.registry, layout, defaults)
	}
	return deployment.CreateDeploymentPlan(agents, c.registry, deployment.PlacementParameters{
		MemberWorkerCount:           c.config.Placement.MemberWorkerCount,
		ClientWorkerCount:           c.config.Placement.ClientWorkerCount,
		DedicatedMemberMachineCount: c.config.Placement.DedicatedMemberMachineCount,
		Defaults:                    defaults,
	})
}

// ConnectAgents opens a broker connection to every registered agent.
func (c *Coordinator) ConnectAgents() error {
	for _, agent := range c.registry.GetAgents() {
		if err := c.client.ConnectToAgent(agent.Address, agent.BrokerURL()); err != nil {
			return err
		}
	}
	return nil
}

// CreateWorkers asks every agent of the plan to launch its workers. Agents are contacted concurrently and
// the workers of each agent that confirmed the launch are added to the registry, even if other agents failed.
func (c *Coordinator) CreateWorkers(ctx context.Context, plan *deployment.DeploymentPlan) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.CreateWorkersTimeout)
	defer cancel()

	var mu sync.Mutex
	var created []settings.WorkerProcessSettings
	var g errgroup.Group
	for _, d := range plan.Deployments() {
		if len(d.Workers) == 0 {
			continue
		}
		agentAddress := d.Agent.Address
		workers := d.Workers
		g.Go(func() error {
			op := &protocol.CreateWorkerOperation{Settings: workers, Delay: c.config.WorkerLaunchDelay}
			if _, err := c.client.Submit(agentAddress, op).Get(ctx); err != nil {
				return errors.WithMessagef(err, "unable to create %d workers on %s", len(workers), agentAddress)
			}
			log.Infof("Created %d workers on %s", len(workers), agentAddress)
			mu.Lock()
			created = append(created, workers...)
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	if len(created) > 0 {
		if _, err := c.registry.AddWorkers(created); err != nil {
			return multierror.Append(waitErr, err)
		}
	}
	return waitErr
}

func (c *Coordinator) StartTimeoutDetection(ctx context.Context) error {
	_, err := c.client.InvokeAll(ctx, c.client.Agents(), &protocol.StartTimeoutDetectionOperation{}, c.config.InvokeTimeout)
	return err
}

func (c *Coordinator) StopTimeoutDetection(ctx context.Context) error {
	_, err := c.client.InvokeAll(ctx, c.client.Agents(), &protocol.StopTimeoutDetectionOperation{}, c.config.InvokeTimeout)
	return err
}

// TerminateWorkers asks every registered worker to shut down and removes the ones that confirmed.
func (c *Coordinator) TerminateWorkers(ctx context.Context) error {
	workers := c.registry.GetWorkers()
	targets := make([]address.SimulatorAddress, 0, len(workers))
	for _, w := range workers {
		targets = append(targets, w.Address)
	}
	futures := make([]*client.Future, 0, len(targets))
	for _, target := range targets {
		futures = append(futures, c.client.Submit(target, &protocol.TerminateWorkerOperation{EnsureProcessShutdown: true}))
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.InvokeTimeout)
	defer cancel()
	var result *multierror.Error
	for _, f := range futures {
		if _, err := f.Get(ctx); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "unable to terminate %s", f.Target()))
			continue
		}
		if _, err := c.registry.RemoveWorker(f.Target()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Coordinator) OnFailure(failure *protocol.FailureOperation) {
	c.collector.Notify(failure)
}

func (c *Coordinator) OnPerformanceStats(source address.SimulatorAddress, stats *protocol.PerformanceStatsOperation) {
	c.statsMu.Lock()
	c.stats[stats.TestID] = stats
	c.statsMu.Unlock()

	workerAddress := source
	if source.Level() == address.Test {
		workerAddress, _ = source.Parent()
	}
	if workerAddress.Level() != address.Worker {
		return
	}
	if err := c.registry.UpdateLastSeen(workerAddress, time.Now()); err != nil {
		log.WithError(err).Debugf("Performance stats from unknown worker %s", workerAddress)
	}
}

// PerformanceStats returns the latest stats reported for the given test.
func (c *Coordinator) PerformanceStats(testID string) (*protocol.PerformanceStatsOperation, bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stats, ok := c.stats[testID]
	return stats, ok
}

// CriticalFailure is closed once a failure of a critical type was reported.
func (c *Coordinator) CriticalFailure() <-chan struct{} {
	return c.critical
}

// Run deploys the workers and supervises them until ctx is cancelled, a critical failure is reported or
// no workers are left. Workers still running at the end are terminated.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return errors.WithMessage(err, "invalid coordinator configuration")
	}
	if err := c.RegisterAgents(); err != nil {
		return err
	}
	plan, err := c.Plan()
	if err != nil {
		return err
	}
	log.Infof("Session %s deployment plan:\n%s", c.sessionID, plan)

	if err := c.ConnectAgents(); err != nil {
		return err
	}
	if err := c.CreateWorkers(ctx, plan); err != nil {
		c.shutdownWorkers()
		return err
	}
	if err := c.StartTimeoutDetection(ctx); err != nil {
		log.WithError(err).Warn("Unable to start timeout detection on all agents")
	}

	runErr := c.supervise(ctx)
	c.shutdownWorkers()
	return runErr
}

func (c *Coordinator) supervise(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Simulation stopped")
			return nil
		case <-c.critical:
			return c.criticalError()
		case <-ticker.C:
			if c.registry.WorkerCount() > 0 {
				continue
			}
			if c.collector.HasCriticalFailure() {
				return c.criticalError()
			}
			log.Infof("All workers finished, %d failures reported", c.collector.FailureCount())
			return nil
		}
	}
}

func (c *Coordinator) criticalError() error {
	return errors.Errorf("simulation aborted after a critical failure, %d failures reported", c.collector.FailureCount())
}

func (c *Coordinator) shutdownWorkers() {
	ctx := context.Background()
	if err := c.StopTimeoutDetection(ctx); err != nil {
		log.WithError(err).Warn("Unable to stop timeout detection on all agents")
	}
	if err := c.TerminateWorkers(ctx); err != nil {
		log.WithError(err).Warn("Unable to terminate all workers")
	}
}

func (c *Coordinator) Close() error {
	return c.client.Close()
}

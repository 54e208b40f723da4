package deployment

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

var testDefaults = settings.Defaults{
	VersionSpec:    "maven=5.0",
	WorkerScript:   "worker.sh",
	MemberOptions:  "-Xmx2g",
	ClientOptions:  "-Xmx512m",
	StartupTimeout: time.Minute,
	Environment:    map[string]string{"SESSION_ID": "test"},
}

func registryWithAgents(t *testing.T, n int) *registry.ComponentRegistry {
	r := registry.NewComponentRegistry()
	for i := 0; i < n; i++ {
		_, err := r.AddAgent(fmt.Sprintf("10.0.0.%d", i+1), "", 9001)
		require.NoError(t, err)
	}
	return r
}

// counts returns [members, clients] per agent in registration order.
func counts(plan *DeploymentPlan) [][2]int {
	var result [][2]int
	for _, d := range plan.Deployments() {
		result = append(result, [2]int{d.Count(settings.Member), d.Count(settings.Client)})
	}
	return result
}

func TestCreateDeploymentPlan_DedicatedMemberMachineExample(t *testing.T) {
	r := registryWithAgents(t, 3)
	plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
		MemberWorkerCount:           2,
		ClientWorkerCount:           3,
		DedicatedMemberMachineCount: 1,
		Defaults:                    testDefaults,
	})
	require.NoError(t, err)

	expected := [][2]int{{2, 0}, {0, 2}, {0, 1}}
	if diff := cmp.Diff(expected, counts(plan)); diff != "" {
		t.Fatalf("unexpected distribution (-want +got):\n%s", diff)
	}
	assert.Equal(t, MembersOnly, plan.Deployments()[0].Mode)
	assert.Equal(t, ClientsOnly, plan.Deployments()[1].Mode)
}

func TestCreateDeploymentPlan_TotalsMatchRequestedCounts(t *testing.T) {
	for agentCount := 1; agentCount <= 5; agentCount++ {
		for members := 0; members <= 7; members++ {
			for clients := 0; clients <= 7; clients++ {
				if members+clients == 0 {
					continue
				}
				r := registryWithAgents(t, agentCount)
				plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
					MemberWorkerCount: members,
					ClientWorkerCount: clients,
					Defaults:          testDefaults,
				})
				require.NoError(t, err)
				assert.Equal(t, members, plan.Count(settings.Member))
				assert.Equal(t, clients, plan.Count(settings.Client))
				assert.Len(t, plan.Agents(), agentCount)
			}
		}
	}
}

func TestCreateDeploymentPlan_DedicatedMachinesSeparateTypes(t *testing.T) {
	for agentCount := 2; agentCount <= 5; agentCount++ {
		for dedicated := 1; dedicated < agentCount; dedicated++ {
			r := registryWithAgents(t, agentCount)
			plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
				MemberWorkerCount:           5,
				ClientWorkerCount:           7,
				DedicatedMemberMachineCount: dedicated,
				Defaults:                    testDefaults,
			})
			require.NoError(t, err)
			for i, c := range counts(plan) {
				if i < dedicated {
					assert.Zero(t, c[1], "client on dedicated member agent %d", i)
				} else {
					assert.Zero(t, c[0], "member on client agent %d", i)
				}
			}
		}
	}
}

func TestCreateDeploymentPlan_RemainderGoesToFirstAgents(t *testing.T) {
	for n := 1; n <= 4; n++ {
		for k := 1; k <= 10; k++ {
			r := registryWithAgents(t, n)
			plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
				ClientWorkerCount: k,
				Defaults:          testDefaults,
			})
			require.NoError(t, err)
			for i, c := range counts(plan) {
				expected := k / n
				if i < k%n {
					expected++
				}
				assert.Equal(t, expected, c[1], "agents=%d clients=%d agent=%d", n, k, i)
			}
		}
	}
}

func TestCreateDeploymentPlan_WorkerSettings(t *testing.T) {
	r := registryWithAgents(t, 2)
	plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
		MemberWorkerCount: 2,
		ClientWorkerCount: 1,
		Defaults:          testDefaults,
	})
	require.NoError(t, err)

	workers := plan.WorkersOf(r.GetAgents()[0].Address)
	require.Len(t, workers, 2)
	member, client := workers[0], workers[1]

	assert.Equal(t, "A1_W1", member.WorkerAddress.String())
	assert.Equal(t, settings.Member, member.WorkerType)
	assert.Equal(t, "-Xmx2g", member.Options)
	assert.Equal(t, "maven=5.0", member.VersionSpec)
	assert.Equal(t, time.Minute, member.StartupTimeout)
	assert.Equal(t, "test", member.Environment["SESSION_ID"])
	assert.Equal(t, "A1_W1", member.Environment["WORKER_ADDRESS"])

	assert.Equal(t, "A1_W2", client.WorkerAddress.String())
	assert.Equal(t, "-Xmx512m", client.Options)
}

func TestCreateDeploymentPlan_IndexesContinueAcrossPlans(t *testing.T) {
	r := registryWithAgents(t, 1)
	params := PlacementParameters{MemberWorkerCount: 2, Defaults: testDefaults}

	_, err := CreateDeploymentPlan(r.GetAgents(), r, params)
	require.NoError(t, err)
	plan, err := CreateDeploymentPlan(r.GetAgents(), r, params)
	require.NoError(t, err)

	workers := plan.AllWorkers()
	require.Len(t, workers, 2)
	assert.Equal(t, 3, workers[0].WorkerIndex)
	assert.Equal(t, 4, workers[1].WorkerIndex)
}

func TestCreateDeploymentPlan_InvalidPlacement(t *testing.T) {
	tests := map[string]struct {
		agents int
		params PlacementParameters
	}{
		"no agents":                    {0, PlacementParameters{MemberWorkerCount: 1}},
		"no workers":                   {2, PlacementParameters{}},
		"negative dedicated":           {2, PlacementParameters{MemberWorkerCount: 1, DedicatedMemberMachineCount: -1}},
		"too many dedicated":           {2, PlacementParameters{MemberWorkerCount: 1, DedicatedMemberMachineCount: 3}},
		"clients but no client agents": {2, PlacementParameters{MemberWorkerCount: 1, ClientWorkerCount: 1, DedicatedMemberMachineCount: 2}},
		"negative count":               {2, PlacementParameters{MemberWorkerCount: -1, ClientWorkerCount: 2}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := registryWithAgents(t, tc.agents)
			plan, err := CreateDeploymentPlan(r.GetAgents(), r, tc.params)
			assert.Nil(t, plan)
			var invalid *simerrors.ErrInvalidPlacement
			assert.True(t, errors.As(err, &invalid), "unexpected error %v", err)

			// Nothing may be allocated when planning is rejected.
			for _, agent := range r.GetAgents() {
				index, err := r.AllocateWorkerIndex(agent.Address)
				require.NoError(t, err)
				assert.Equal(t, 1, index)
			}
		})
	}
}

func TestCreateDeploymentPlan_AllAgentsDedicatedWithoutClients(t *testing.T) {
	r := registryWithAgents(t, 2)
	plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{
		MemberWorkerCount:           3,
		DedicatedMemberMachineCount: 2,
		Defaults:                    testDefaults,
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 0}, {1, 0}}, counts(plan))
}

func TestDeploymentPlan_String(t *testing.T) {
	r := registryWithAgents(t, 2)
	plan, err := CreateDeploymentPlan(r.GetAgents(), r, PlacementParameters{MemberWorkerCount: 1, Defaults: testDefaults})
	require.NoError(t, err)
	assert.Contains(t, plan.String(), "1 members, 0 clients on 2 agents")
}

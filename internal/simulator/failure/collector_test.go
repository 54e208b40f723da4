package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

func TestCollector(t *testing.T) {
	r := registry.NewComponentRegistry()
	agent, err := r.AddAgent("10.0.0.1", "", 9001)
	require.NoError(t, err)
	_, err = r.AddWorkers([]settings.WorkerProcessSettings{
		{WorkerAddress: address.MustParse("A1_W1"), WorkerIndex: 1, WorkerType: settings.Member},
		{WorkerAddress: address.MustParse("A1_W2"), WorkerIndex: 2, WorkerType: settings.Client},
	})
	require.NoError(t, err)

	c := NewCollector(r, []protocol.FailureType{protocol.WorkerOOM})
	var notified []protocol.FailureType
	c.AddListener(func(f *protocol.FailureOperation) { notified = append(notified, f.Type) })

	c.Notify(protocol.NewFailureOperation("slow", protocol.WorkerTimeout, address.MustParse("A1_W1"), ""))
	assert.Equal(t, 2, r.WorkerCount())
	assert.False(t, c.HasCriticalFailure())

	c.Notify(protocol.NewFailureOperation("done", protocol.WorkerFinished, address.MustParse("A1_W2"), ""))
	assert.Equal(t, 1, r.WorkerCount())
	assert.Equal(t, 1, c.FailureCount())

	c.Notify(protocol.NewFailureOperation("oom", protocol.WorkerOOM, address.MustParse("A1_W1"), ""))
	assert.Zero(t, len(r.GetWorkersOfAgent(agent.Address)))
	assert.True(t, c.HasCriticalFailure())
	assert.Equal(t, 2, c.FailureCount())

	c.Notify(protocol.NewFailureOperation("lost broker", protocol.MessagingException, agent.Address, "EOF"))
	assert.Len(t, c.Failures(), 4)
	assert.Equal(t, []protocol.FailureType{protocol.WorkerTimeout, protocol.WorkerFinished, protocol.WorkerOOM, protocol.MessagingException}, notified)
}

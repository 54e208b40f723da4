package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/simulator/address"
)

func TestParseWorkerType(t *testing.T) {
	workerType, err := ParseWorkerType("member")
	require.NoError(t, err)
	assert.Equal(t, Member, workerType)

	workerType, err = ParseWorkerType(" CLIENT ")
	require.NoError(t, err)
	assert.Equal(t, Client, workerType)

	_, err = ParseWorkerType("lite")
	assert.Error(t, err)
}

func TestWorkerID(t *testing.T) {
	s := WorkerProcessSettings{WorkerIndex: 3, WorkerType: Client}
	assert.Equal(t, "worker-10.0.0.1-3-client", s.WorkerID("10.0.0.1"))
}

func TestNewEnvironment_DoesNotModifyBase(t *testing.T) {
	base := map[string]string{"JAVA_HOME": "/opt/java"}
	env := NewEnvironment(base, address.MustParse("A1_W2"), Member, "maven=5.0")

	assert.Equal(t, map[string]string{
		"JAVA_HOME":      "/opt/java",
		"WORKER_ADDRESS": "A1_W2",
		"WORKER_INDEX":   "2",
		"WORKER_TYPE":    "MEMBER",
		"VERSION_SPEC":   "maven=5.0",
	}, env)
	assert.Len(t, base, 1)

	s := WorkerProcessSettings{Environment: env}
	assert.Equal(t, []string{"JAVA_HOME", "VERSION_SPEC", "WORKER_ADDRESS", "WORKER_INDEX", "WORKER_TYPE"}, s.EnvironmentKeys())
}

func TestDefaults_OptionsFor(t *testing.T) {
	d := Defaults{MemberOptions: "-Xmx2g", ClientOptions: "-Xmx512m"}
	assert.Equal(t, "-Xmx2g", d.OptionsFor(Member))
	assert.Equal(t, "-Xmx512m", d.OptionsFor(Client))
}

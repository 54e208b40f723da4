package address

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

func TestParse_FormatRoundTrip(t *testing.T) {
	for _, s := range []string{"C", "A1", "A12", "A1_W2", "A3_W10_T1", "A100_W200_T300"} {
		a, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, a.String())
	}
}

func TestParse_Levels(t *testing.T) {
	a := MustParse("A3_W2_T1")
	assert.Equal(t, Test, a.Level())
	assert.Equal(t, 3, a.AgentIndex())
	assert.Equal(t, 2, a.WorkerIndex())
	assert.Equal(t, 1, a.TestIndex())

	assert.Equal(t, Coordinator, MustParse("C").Level())
	assert.Equal(t, Agent, MustParse("A3").Level())
	assert.Equal(t, Worker, MustParse("A3_W2").Level())
}

func TestParse_RejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"", "X", "C_A1", "W1", "A", "A0", "A01", "A1_T1", "A1_W1_W1", "A1_W1_T1_T1", "A-1", "A1_", "a1", "A1W2", "A1_W+2",
	} {
		_, err := Parse(s)
		var malformed *simerrors.ErrMalformedAddress
		assert.True(t, errors.As(err, &malformed), "expected malformed address error for %q, got %v", s, err)
	}
}

func TestParentOfChild(t *testing.T) {
	for _, s := range []string{"C", "A1", "A4_W2"} {
		a := MustParse(s)
		for _, i := range []int{1, 2, 17} {
			child, err := a.Child(i)
			require.NoError(t, err)
			parent, err := child.Parent()
			require.NoError(t, err)
			assert.Equal(t, a, parent)
		}
	}
}

func TestChild_Levels(t *testing.T) {
	child, err := CoordinatorAddress().Child(2)
	require.NoError(t, err)
	assert.Equal(t, "A2", child.String())

	child, err = MustParse("A2").Child(5)
	require.NoError(t, err)
	assert.Equal(t, "A2_W5", child.String())

	child, err = MustParse("A2_W5").Child(1)
	require.NoError(t, err)
	assert.Equal(t, "A2_W5_T1", child.String())
}

func TestParent_FailsOnCoordinator(t *testing.T) {
	_, err := CoordinatorAddress().Parent()
	var invalidLevel *simerrors.ErrInvalidLevel
	assert.True(t, errors.As(err, &invalidLevel))
}

func TestChild_FailsBeyondTest(t *testing.T) {
	_, err := MustParse("A1_W1_T1").Child(1)
	var invalidLevel *simerrors.ErrInvalidLevel
	assert.True(t, errors.As(err, &invalidLevel))
}

func TestChild_RejectsNonPositiveIndex(t *testing.T) {
	_, err := MustParse("A1").Child(0)
	var malformed *simerrors.ErrMalformedAddress
	assert.True(t, errors.As(err, &malformed))
}

func TestCompare_TotalOrder(t *testing.T) {
	addresses := []SimulatorAddress{
		MustParse("A2_W1"),
		MustParse("A10"),
		MustParse("A1_W1_T2"),
		MustParse("C"),
		MustParse("A2"),
		MustParse("A1_W2"),
		MustParse("A1_W1_T1"),
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].Less(addresses[j]) })

	var actual []string
	for _, a := range addresses {
		actual = append(actual, a.String())
	}
	assert.Equal(t, []string{"C", "A2", "A10", "A1_W2", "A2_W1", "A1_W1_T1", "A1_W1_T2"}, actual)
	assert.Equal(t, 0, MustParse("A1_W1").Compare(MustParse("A1_W1")))
}

func TestContains(t *testing.T) {
	assert.True(t, CoordinatorAddress().Contains(MustParse("A1_W1")))
	assert.True(t, MustParse("A1").Contains(MustParse("A1_W3_T1")))
	assert.True(t, MustParse("A1_W3").Contains(MustParse("A1_W3_T1")))
	assert.True(t, MustParse("A1_W3").Contains(MustParse("A1_W3")))
	assert.False(t, MustParse("A1_W3").Contains(MustParse("A1_W4_T1")))
	assert.False(t, MustParse("A1_W3").Contains(MustParse("A1")))
	assert.False(t, MustParse("A2").Contains(MustParse("A1_W1")))
}

func TestAgentAddress(t *testing.T) {
	agent, err := MustParse("A4_W2_T9").AgentAddress()
	require.NoError(t, err)
	assert.Equal(t, "A4", agent.String())

	_, err = CoordinatorAddress().AgentAddress()
	assert.Error(t, err)
}

func TestJsonEncoding(t *testing.T) {
	type holder struct {
		Target SimulatorAddress `json:"target"`
	}
	data, err := json.Marshal(holder{Target: MustParse("A1_W2")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"A1_W2"}`, string(data))

	var decoded holder
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, MustParse("A1_W2"), decoded.Target)

	assert.Error(t, json.Unmarshal([]byte(`{"target":"Z1"}`), &decoded))
}

func TestSort(t *testing.T) {
	addresses := []SimulatorAddress{MustParse("A10"), MustParse("A2_W1"), MustParse("A2"), MustParse("C")}
	Sort(addresses)
	assert.Equal(t, []SimulatorAddress{MustParse("C"), MustParse("A2"), MustParse("A10"), MustParse("A2_W1")}, addresses)
}

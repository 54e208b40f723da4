package protocol

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

func TestRegistry_EveryOperationTypeHasADecoder(t *testing.T) {
	for tag := IntegrationTest; tag <= PerformanceStats; tag++ {
		op, ok := newOperation(tag)
		require.True(t, ok, tag.String())
		assert.Equal(t, tag, op.OperationType(), "constructor of %s builds the wrong operation", tag)
	}
}

func TestEnvelope_CarriesCreateWorker(t *testing.T) {
	op := &CreateWorkerOperation{
		Settings: []settings.WorkerProcessSettings{{
			WorkerAddress:  address.MustParse("A1_W1"),
			WorkerIndex:    1,
			WorkerType:     settings.Member,
			VersionSpec:    "maven=5.0",
			StartupTimeout: time.Minute,
			Environment:    map[string]string{"A": "B"},
		}},
	}

	envelope, err := NewEnvelope(address.CoordinatorAddress(), address.MustParse("A1"), op)
	require.NoError(t, err)
	data, err := envelope.Marshal()
	require.NoError(t, err)

	received, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, address.CoordinatorAddress(), received.Source)
	assert.Equal(t, address.MustParse("A1"), received.Target)
	assert.Equal(t, CreateWorker, received.OperationType)

	decoded, err := received.Operation()
	require.NoError(t, err)
	assert.Equal(t, op, decoded)
}

func TestEnvelope_WireFieldNames(t *testing.T) {
	envelope, err := NewEnvelope(address.MustParse("A1"), address.CoordinatorAddress(), &PingOperation{})
	require.NoError(t, err)
	envelope.CorrelationID = "abc"
	data, err := envelope.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{"source":"A1","target":"C","operationType":6,"payload":{},"correlationId":"abc"}`, string(data))
}

func TestDecode_UnregisteredTag(t *testing.T) {
	_, err := Decode(OperationType(99), []byte(`{}`))
	var decodeErr *simerrors.ErrDecode
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, 99, decodeErr.OperationType)
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := Decode(Log, []byte(`{"message": 12}`))
	var decodeErr *simerrors.ErrDecode
	assert.True(t, errors.As(err, &decodeErr))
}

func TestEncode_UnregisteredOperation(t *testing.T) {
	_, _, err := Encode(unregisteredOperation{})
	var decodeErr *simerrors.ErrDecode
	assert.True(t, errors.As(err, &decodeErr))
}

func TestUnmarshalEnvelope_RejectsMalformedAddress(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"source":"X","target":"C","operationType":1,"payload":{}}`))
	var decodeErr *simerrors.ErrDecode
	assert.True(t, errors.As(err, &decodeErr))
}

func TestReply_ErrorRoundTrip(t *testing.T) {
	reply := NewReply("id-1", address.MustParse("A2"), Success, errors.New("launch script missing"))
	data, err := reply.Marshal()
	require.NoError(t, err)

	received, err := UnmarshalReply(data)
	require.NoError(t, err)
	assert.Equal(t, "id-1", received.CorrelationID)
	assert.Equal(t, ExceptionDuringOperationExecution, received.ResponseType)

	var replyErr *ReplyError
	require.True(t, errors.As(received.Err(), &replyErr))
	assert.Equal(t, ErrorKindProcessing, replyErr.Kind)
	assert.Equal(t, "launch script missing", replyErr.Message)
}

func TestReply_SuccessHasNoError(t *testing.T) {
	reply := NewReply("id-2", address.MustParse("A2"), Success, nil)
	assert.NoError(t, reply.Err())
}

func TestNewFailureOperation_Addresses(t *testing.T) {
	failure := NewFailureOperation("boom", WorkerException, address.MustParse("A2_W3_T1"), "trace")
	require.NotNil(t, failure.AgentAddress)
	require.NotNil(t, failure.WorkerAddress)
	assert.Equal(t, "A2", failure.AgentAddress.String())
	assert.Equal(t, "A2_W3", failure.WorkerAddress.String())

	failure = NewFailureOperation("lost", MessagingException, address.CoordinatorAddress(), "")
	assert.Nil(t, failure.AgentAddress)
	assert.Nil(t, failure.WorkerAddress)
}

func TestFailureType_Classification(t *testing.T) {
	assert.True(t, WorkerOOM.IsTerminal())
	assert.True(t, WorkerFinished.IsTerminal())
	assert.False(t, WorkerException.IsTerminal())
	assert.False(t, WorkerTimeout.IsTerminal())

	assert.True(t, WorkerFinished.IsPoisonPill())
	assert.True(t, WorkerNormalExit.IsPoisonPill())
	assert.False(t, WorkerExit.IsPoisonPill())
}

type unregisteredOperation struct{}

func (unregisteredOperation) OperationType() OperationType { return OperationType(42) }

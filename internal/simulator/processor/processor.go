// Package processor dispatches decoded operations to role-specific handlers.
//
// Every role (agent, worker, coordinator, communicator) has its own processor. Operations every role
// understands (integration tests and log messages) are handled here; the rest is passed to a small
// handler interface implemented by the component owning the role.
package processor

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// OperationProcessor handles an operation received from source and reports the outcome.
// A returned error is reported to the sender as EXCEPTION_DURING_OPERATION_EXECUTION.
type OperationProcessor interface {
	Process(op protocol.SimulatorOperation, source address.SimulatorAddress) (protocol.ResponseType, error)
}

// processCommon handles the operations shared by all roles. handled is false if the operation is role specific.
func processCommon(role string, op protocol.SimulatorOperation, source address.SimulatorAddress) (response protocol.ResponseType, err error, handled bool) {
	switch operation := op.(type) {
	case *protocol.IntegrationTestOperation:
		response, err = processIntegrationTest(operation)
		return response, err, true
	case *protocol.LogOperation:
		logOperation(role, operation, source)
		return protocol.Success, nil, true
	default:
		return "", nil, false
	}
}

func processIntegrationTest(op *protocol.IntegrationTestOperation) (protocol.ResponseType, error) {
	if op.TestData != protocol.IntegrationTestData {
		return "", fmt.Errorf("integration test %s received unexpected data %q", op.Type, op.TestData)
	}
	return protocol.Success, nil
}

func logOperation(role string, op *protocol.LogOperation, source address.SimulatorAddress) {
	entry := log.WithField("role", role).WithField("source", source.String())
	switch op.Level {
	case protocol.LogDebug:
		entry.Debug(op.Message)
	case protocol.LogWarn:
		entry.Warn(op.Message)
	case protocol.LogError:
		entry.Error(op.Message)
	default:
		entry.Info(op.Message)
	}
}

func unsupported(role string, op protocol.SimulatorOperation) (protocol.ResponseType, error) {
	log.Warnf("%s processor received unsupported operation %s", role, op.OperationType())
	return protocol.UnsupportedOperation, nil
}

// notFoundResponse converts a not-found error into the matching response type.
func notFoundResponse(err error, response protocol.ResponseType) (protocol.ResponseType, error) {
	var notFound *simerrors.ErrNotFound
	if errors.As(err, &notFound) {
		log.Warn(notFound.Error())
		return response, nil
	}
	if err != nil {
		return "", err
	}
	return protocol.Success, nil
}

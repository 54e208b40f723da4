package client

import (
	"context"
	"sync"
	"time"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

// Future is the pending result of a submitted operation. It is completed exactly once, by the
// matching reply, a connection failure or expiry; later completions are ignored.
type Future struct {
	target        address.SimulatorAddress
	correlationID string

	once  sync.Once
	done  chan struct{}
	reply *protocol.Reply
	err   error
}

func newFuture(target address.SimulatorAddress, correlationID string) *Future {
	return &Future{
		target:        target,
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

func failedFuture(target address.SimulatorAddress, correlationID string, err error) *Future {
	f := newFuture(target, correlationID)
	f.complete(nil, err)
	return f
}

// complete stores the result and returns false if the future was already completed.
func (f *Future) complete(reply *protocol.Reply, err error) bool {
	completed := false
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		if err == nil && reply != nil {
			f.err = reply.Err()
		}
		completed = true
		close(f.done)
	})
	return completed
}

func (f *Future) Target() address.SimulatorAddress {
	return f.target
}

func (f *Future) CorrelationID() string {
	return f.correlationID
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result. A reply reporting an error is returned together with a *protocol.ReplyError.
func (f *Future) Get(ctx context.Context) (*protocol.Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, &simerrors.ErrTimeout{Operation: "waiting for reply from " + f.target.String()}
	}
}

func (f *Future) GetWithTimeout(timeout time.Duration) (*protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply, err := f.Get(ctx)
	if simerrors.IsTimeout(err) && !f.IsDone() {
		return nil, &simerrors.ErrTimeout{Operation: "waiting for reply from " + f.target.String(), Timeout: timeout}
	}
	return reply, err
}

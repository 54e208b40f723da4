package client

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/protocol"
)

type pendingRequest struct {
	future *Future
	conn   *agentConnection
}

// pendingRequests maps correlation ids to the futures waiting for a reply. Entries that don't get
// a reply before they expire are failed with an ErrTimeout.
type pendingRequests struct {
	requests *cache.Cache
	expiry   time.Duration
}

func newPendingRequests(expiry, cleanupInterval time.Duration) *pendingRequests {
	p := &pendingRequests{
		requests: cache.New(expiry, cleanupInterval),
		expiry:   expiry,
	}
	// Also called on Delete, by which time the future is already completed.
	p.requests.OnEvicted(func(correlationID string, value interface{}) {
		value.(*pendingRequest).future.complete(nil, &simerrors.ErrTimeout{
			Operation: "request " + correlationID,
			Timeout:   p.expiry,
		})
	})
	return p
}

func (p *pendingRequests) add(request *pendingRequest) {
	p.requests.SetDefault(request.future.CorrelationID(), request)
}

// complete hands the result to the waiting future. Returns false for unknown or already completed requests.
func (p *pendingRequests) complete(correlationID string, reply *protocol.Reply, err error) bool {
	value, found := p.requests.Get(correlationID)
	if !found {
		return false
	}
	completed := value.(*pendingRequest).future.complete(reply, err)
	p.requests.Delete(correlationID)
	return completed
}

func (p *pendingRequests) fail(correlationID string, err error) bool {
	return p.complete(correlationID, nil, err)
}

// failConnection fails every request sent over conn.
func (p *pendingRequests) failConnection(conn *agentConnection, err error) int {
	failed := 0
	for correlationID, item := range p.requests.Items() {
		if item.Object.(*pendingRequest).conn == conn && p.fail(correlationID, err) {
			failed++
		}
	}
	return failed
}

func (p *pendingRequests) failAll(err error) {
	for correlationID := range p.requests.Items() {
		p.fail(correlationID, err)
	}
}

func (p *pendingRequests) count() int {
	return p.requests.ItemCount()
}

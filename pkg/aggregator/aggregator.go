package aggregator

import (
	"sync"

	"go.uber.org/zap"

	"sectiond/pkg/types"
)

type vote[R any] struct {
	key      string
	response R
	count    int
}

type entry[R any] struct {
	ch        chan R
	votes     []vote[R]
	remaining int
}

// Aggregator collects the responses to a request sent to several peers and
// delivers the most voted response to the waiting caller exactly once.
// Votes are counted by a key so responses need not be comparable.
type Aggregator[R any] struct {
	mu        sync.Mutex
	threshold int
	key       func(R) string
	pending   map[types.MsgID]*entry[R]
	logger    *zap.Logger
}

// New creates an aggregator that terminates as soon as one response has
// threshold votes, or once every expected response has arrived.
func New[R any](threshold int, key func(R) string, logger *zap.Logger) *Aggregator[R] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Aggregator[R]{
		threshold: threshold,
		key:       key,
		pending:   make(map[types.MsgID]*entry[R]),
		logger:    logger,
	}
}

// Await registers a request expecting the given number of responses. The
// returned channel receives exactly one value, or none if not enough
// responses arrive; callers apply their own timeout.
func (a *Aggregator[R]) Await(id types.MsgID, expected int) <-chan R {
	ch := make(chan R, 1)
	if expected < 1 {
		expected = 1
	}
	a.mu.Lock()
	a.pending[id] = &entry[R]{ch: ch, remaining: expected}
	a.mu.Unlock()
	return ch
}

// Handle records one response for id. It reports whether this response
// completed the request. Responses for unknown or completed requests are
// ignored.
func (a *Aggregator[R]) Handle(id types.MsgID, response R) bool {
	a.mu.Lock()
	e, ok := a.pending[id]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("Response for unknown request", zap.Stringer("msg_id", id))
		return false
	}

	e.remaining--
	k := a.key(response)
	done := e.remaining <= 0
	found := false
	for i := range e.votes {
		if e.votes[i].key == k {
			e.votes[i].count++
			found = true
			if e.votes[i].count >= a.threshold {
				done = true
			}
			break
		}
	}
	if !found {
		e.votes = append(e.votes, vote[R]{key: k, response: response, count: 1})
		if a.threshold <= 1 {
			done = true
		}
	}
	if !done {
		a.mu.Unlock()
		return false
	}
	delete(a.pending, id)
	a.mu.Unlock()

	best := e.votes[0]
	for _, v := range e.votes[1:] {
		if v.count > best.count {
			best = v
		}
	}
	a.logger.Debug("Aggregated response",
		zap.Stringer("msg_id", id),
		zap.Int("votes", best.count),
		zap.Int("distinct", len(e.votes)))
	e.ch <- best.response
	return true
}

// Cancel forgets a pending request without signalling it.
func (a *Aggregator[R]) Cancel(id types.MsgID) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// Pending returns the number of requests still waiting.
func (a *Aggregator[R]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

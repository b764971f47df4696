package node

import (
	"context"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"go.uber.org/zap"

	"sectiond/pkg/metrics"
)

// CommandQueue is an unbounded FIFO of commands with a single consumer.
type CommandQueue struct {
	mu         sync.Mutex
	queue      deque.Deque
	wake       chan struct{}
	terminated bool
}

// NewCommandQueue returns an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{wake: make(chan struct{}, 1)}
}

// Enqueue appends cmds in order. It fails only once the loop has terminated.
func (q *CommandQueue) Enqueue(cmds ...Command) error {
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		return ErrLoopTerminated
	}
	for _, cmd := range cmds {
		q.queue.PushBack(cmd)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Next blocks until a command is available or ctx is done.
func (q *CommandQueue) Next(ctx context.Context) (Command, error) {
	for {
		q.mu.Lock()
		v, ok := q.queue.PopFront()
		q.mu.Unlock()
		if ok {
			return v.(Command), nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// terminate closes the queue and returns whatever was left in it.
func (q *CommandQueue) terminate() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	var rest []Command
	for {
		v, ok := q.queue.PopFront()
		if !ok {
			return rest
		}
		rest = append(rest, v.(Command))
	}
}

// Handler processes one command and returns its follow-ups.
type Handler interface {
	Handle(ctx context.Context, cmd Command) ([]Command, error)
}

// Loop is the single consumer of a CommandQueue. Follow-up commands are
// appended behind whatever is already queued, so processing is breadth first.
type Loop struct {
	queue   *CommandQueue
	handler Handler
	metrics *metrics.NodeMetrics
	logger  *zap.Logger
}

// NewLoop creates a loop over queue. m may be nil.
func NewLoop(queue *CommandQueue, handler Handler, m *metrics.NodeMetrics, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{queue: queue, handler: handler, metrics: m, logger: logger}
}

// Run consumes commands until a Terminate command is dequeued or ctx is
// cancelled. Handler errors are logged and never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		cmd, err := l.queue.Next(ctx)
		if err != nil {
			l.drain()
			return err
		}
		if _, ok := cmd.(Terminate); ok {
			l.logger.Info("Command loop terminating")
			l.drain()
			return nil
		}
		l.handle(ctx, cmd)
	}
}

func (l *Loop) handle(ctx context.Context, cmd Command) {
	start := time.Now()
	name := commandName(cmd)
	followUps, err := l.handler.Handle(ctx, cmd)
	if l.metrics != nil {
		l.metrics.CommandsHandled.WithLabelValues(name).Inc()
		l.metrics.HandleLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if l.metrics != nil {
			l.metrics.CommandErrors.WithLabelValues(name).Inc()
		}
		l.logger.Warn("Error handling command",
			zap.Stringer("cmd", cmd),
			zap.Error(err))
	}
	if len(followUps) == 0 {
		return
	}
	if err := l.queue.Enqueue(followUps...); err != nil {
		l.logger.Debug("Dropping follow-up commands", zap.Int("count", len(followUps)), zap.Error(err))
	}
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(l.queue.Len()))
	}
}

func (l *Loop) drain() {
	for _, cmd := range l.queue.terminate() {
		l.logger.Debug("Dropping residual command", zap.Stringer("cmd", cmd))
	}
}

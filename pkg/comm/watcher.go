package comm

import (
	"context"
	"sync"
)

// SendStatus is the progress of a queued send job
type SendStatus int

const (
	StatusEnqueued SendStatus = iota
	StatusSent
	StatusTransientError
	StatusMaxRetriesReached
	StatusWatcherDropped
)

func (s SendStatus) String() string {
	switch s {
	case StatusEnqueued:
		return "Enqueued"
	case StatusSent:
		return "Sent"
	case StatusTransientError:
		return "TransientError"
	case StatusMaxRetriesReached:
		return "MaxRetriesReached"
	case StatusWatcherDropped:
		return "WatcherDropped"
	default:
		return "Unknown"
	}
}

// SendWatcher observes the statuses reported for one send job. Statuses
// only move forward; TransientError may be reported more than once.
type SendWatcher struct {
	mu      sync.Mutex
	status  SendStatus
	err     error
	version uint64
	done    bool
	changed chan struct{}
}

func newSendWatcher() *SendWatcher {
	return &SendWatcher{status: StatusEnqueued, changed: make(chan struct{})}
}

// Status returns the latest status and the error that came with it.
func (w *SendWatcher) Status() (SendStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.err
}

// AwaitChange blocks until a status newer than the one last observed at
// version since is reported. It returns the status and its version.
func (w *SendWatcher) AwaitChange(ctx context.Context, since uint64) (SendStatus, uint64, error) {
	for {
		w.mu.Lock()
		status, version, ch := w.status, w.version, w.changed
		w.mu.Unlock()
		if version > since {
			return status, version, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return status, version, ctx.Err()
		}
	}
}

// Wait blocks until the job reaches a final status.
func (w *SendWatcher) Wait(ctx context.Context) (SendStatus, error) {
	var seen uint64
	for {
		status, version, err := w.AwaitChange(ctx, seen)
		if err != nil {
			return status, err
		}
		seen = version
		w.mu.Lock()
		done, lastErr := w.done, w.err
		w.mu.Unlock()
		if done {
			return status, lastErr
		}
	}
}

func (w *SendWatcher) final() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *SendWatcher) report(status SendStatus, err error, final bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.status = status
	w.err = err
	w.done = final
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
}

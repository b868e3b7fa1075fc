package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed   = errors.New("[seqlog] feed/drain queue is closed")
	ErrOverflow = errors.New("[seqlog] feed/drain queue is overflowed")
)

// FDQueue is a bounded in-memory record queue: Drain appends, Feed takes
// everything queued so far. A writer that cannot fit its batch for longer
// than the time limit marks the queue overflowed, after which both ends
// fail with ErrOverflow. A slow peer thus gets dropped instead of
// stalling the broadcast.
type FDQueue[T ~[][]byte] struct {
	lock       sync.Mutex
	changed    chan struct{}
	data       T
	size       int
	maxSize    int
	batchSize  int
	timelimit  time.Duration
	closed     bool
	overflowed bool
}

// NewFDQueue makes a queue holding at most limit bytes. Feed returns at
// most about batchSize bytes per call, 0 meaning no cap.
func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		changed:   make(chan struct{}),
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
	}
}

// signal wakes every waiter; call with the lock held.
func (q *FDQueue[T]) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.data = nil
		q.size = 0
		q.signal()
	}
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	total := 0
	for _, r := range recs {
		total += len(r)
	}
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	for {
		q.lock.Lock()
		switch {
		case q.closed:
			q.lock.Unlock()
			return ErrClosed
		case q.overflowed:
			q.lock.Unlock()
			return ErrOverflow
		case q.size+total <= q.maxSize || q.size == 0:
			q.data = append(q.data, recs...)
			q.size += total
			q.signal()
			q.lock.Unlock()
			return nil
		}
		wait := q.changed
		q.lock.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			q.lock.Lock()
			q.overflowed = true
			q.signal()
			q.lock.Unlock()
			return ErrOverflow
		}
	}
}

// Feed blocks until there is something to read, the queue is closed
// or ctx is done.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	for {
		q.lock.Lock()
		switch {
		case q.closed:
			q.lock.Unlock()
			return nil, ErrClosed
		case q.overflowed:
			q.lock.Unlock()
			return nil, ErrOverflow
		case len(q.data) > 0:
			n, taken := 0, 0
			for n < len(q.data) {
				taken += len(q.data[n])
				n++
				if q.batchSize > 0 && taken >= q.batchSize {
					break
				}
			}
			recs = q.data[:n:n]
			q.data = q.data[n:]
			q.size -= taken
			q.signal()
			q.lock.Unlock()
			return recs, nil
		}
		wait := q.changed
		q.lock.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const DefaultQueueSize = 16

// QueueSubscriber buffers outbound messages for a transport-specific writer
// goroutine that drains Messages until Done is closed.
type QueueSubscriber struct {
	id        string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	dropped   atomic.Uint64
}

func NewQueueSubscriber(size int) *QueueSubscriber {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &QueueSubscriber{
		id:   uuid.NewString(),
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

func (q *QueueSubscriber) ID() string {
	return q.id
}

// Send enqueues msg without blocking.
func (q *QueueSubscriber) Send(msg []byte) error {
	select {
	case <-q.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		q.dropped.Add(1)
		return ErrDropped
	}
}

func (q *QueueSubscriber) Messages() <-chan []byte {
	return q.ch
}

func (q *QueueSubscriber) Done() <-chan struct{} {
	return q.done
}

func (q *QueueSubscriber) Dropped() uint64 {
	return q.dropped.Load()
}

// Close is idempotent.
func (q *QueueSubscriber) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		if q.onClose != nil {
			q.onClose()
		}
	})
	return nil
}

package activitypub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var ErrQueueClosed = errors.New("queue closed")

const DefaultQueueCapacity = 1024

// QueueMessage is what travels on a Work Queue.
type QueueMessage interface {
	queueMessage()
}

type Heartbeat struct{}

type Inbound struct {
	Request InboxRequest
}

type Outbound struct {
	Request OutboxRequest
}

func (Heartbeat) queueMessage() {}
func (Inbound) queueMessage()   {}
func (Outbound) queueMessage()  {}

// Sender enqueues messages. Send blocks while the queue is full.
type Sender interface {
	Send(ctx context.Context, msg QueueMessage) error
}

// Handler processes one message. Returned errors are logged by the queue.
type Handler func(ctx context.Context, msg QueueMessage) error

// Queue is a bounded, ordered queue drained by exactly one worker.
type Queue struct {
	name    string
	ch      chan QueueMessage
	handler Handler
	timeout time.Duration
	log     *log.Logger

	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewQueue(name string, capacity int, timeout time.Duration, handler Handler, logger *log.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		name:    name,
		ch:      make(chan QueueMessage, capacity),
		handler: handler,
		timeout: timeout,
		log:     logger.WithPrefix("queue").With("queue", name),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker. It stops after Close once the buffered
// messages are drained, or when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

// Send enqueues msg, blocking while the queue is at capacity.
func (q *Queue) Send(ctx context.Context, msg QueueMessage) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg unless the queue is full or closed.
func (q *Queue) TrySend(msg QueueMessage) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Len is the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting messages.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Stopped is closed once the worker has returned.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stopped
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)
	q.log.Info("Worker started", "capacity", cap(q.ch))

	for {
		select {
		case msg := <-q.ch:
			q.process(ctx, msg)
		case <-q.done:
			q.drain(ctx)
			q.log.Info("Worker stopped")
			return
		case <-ctx.Done():
			q.drain(ctx)
			q.log.Info("Worker stopped", "err", ctx.Err())
			return
		}
	}
}

// drain handles whatever is still buffered so no leased connection is left
// behind.
func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case msg := <-q.ch:
			q.process(ctx, msg)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, msg QueueMessage) {
	if in, ok := msg.(Inbound); ok && in.Request != nil {
		defer in.Request.delivery().release(q.log)
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Recovered from panic", "message", fmt.Sprintf("%T", msg), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if _, ok := msg.(Heartbeat); ok {
		q.log.Info("Heartbeat", "depth", len(q.ch))
	}

	if ctx.Err() != nil {
		q.log.Warn("Dropping message after shutdown", "message", fmt.Sprintf("%T", msg))
		return
	}

	msgCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	if err := q.handler(msgCtx, msg); err != nil {
		q.log.Error("Message failed", "message", describe(msg), "err", err)
	}
}

func describe(msg QueueMessage) string {
	switch m := msg.(type) {
	case Inbound:
		if m.Request != nil {
			return "Inbound(" + m.Request.Kind() + ")"
		}
	case Outbound:
		if m.Request != nil {
			return "Outbound(" + m.Request.Kind() + ")"
		}
	case Heartbeat:
		return "Heartbeat"
	}
	return fmt.Sprintf("%T", msg)
}

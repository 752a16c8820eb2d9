package broker

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned by Memory after Close
var ErrClosed = errors.New("memory broker closed")

// Message is a message held by the in-memory broker
type Message struct {
	Body        []byte
	Priority    uint8
	Headers     amqp.Table
	ContentType string
	MessageID   string
	Redelivered bool

	seq uint64
}

// Memory is an in-process broker with priority queues and per-consumer
// prefetch of one: a consumer receives its next message only after acking or
// rejecting the previous one, so ready messages are ordered by priority.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	pending map[uint64]*inflight
	seq     uint64
	tag     uint64
	closed  bool
	timers  map[*time.Timer]struct{}
}

type memQueue struct {
	items messageHeap
	wake  chan struct{}
}

type inflight struct {
	queue string
	msg   *Message
	done  chan struct{}
}

// NewMemory creates an empty in-memory broker
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string]*memQueue),
		pending: make(map[uint64]*inflight),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{wake: make(chan struct{})}
		m.queues[name] = q
	}
	return q
}

// Publish enqueues body on queue, after p.Delay if set
func (m *Memory) Publish(_ context.Context, queue string, body []byte, p rabbitmq.Publishing) error {
	msg := &Message{
		Body:        append([]byte(nil), body...),
		Priority:    p.Priority,
		Headers:     p.Headers,
		ContentType: p.ContentType,
		MessageID:   p.MessageID,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if p.Delay > 0 {
		// the callback locks m.mu, so it sees t only after Publish returns
		var t *time.Timer
		t = time.AfterFunc(p.Delay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.timers, t)
			if !m.closed {
				m.push(queue, msg)
			}
		})
		m.timers[t] = struct{}{}
		return nil
	}

	m.push(queue, msg)
	return nil
}

// push must be called with m.mu held
func (m *Memory) push(queue string, msg *Message) {
	m.seq++
	msg.seq = m.seq
	q := m.queue(queue)
	heap.Push(&q.items, msg)
	close(q.wake)
	q.wake = make(chan struct{})
}

// next pops the highest priority message or returns the channel that is
// closed on the next push
func (m *Memory) next(queue string) (*Message, <-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, false
	}

	q := m.queue(queue)
	if q.items.Len() == 0 {
		return nil, q.wake, true
	}
	return heap.Pop(&q.items).(*Message), nil, true
}

// Consume starts a consumer goroutine for queue
func (m *Memory) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.queue(queue)
	m.mu.Unlock()

	out := make(chan amqp.Delivery)
	go m.consumeLoop(ctx, queue, consumerTag, out)
	return out, nil
}

func (m *Memory) consumeLoop(ctx context.Context, queue, consumerTag string, out chan<- amqp.Delivery) {
	defer close(out)

	for {
		msg, wake, ok := m.next(queue)
		if !ok {
			return
		}
		if msg == nil {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		m.mu.Lock()
		m.tag++
		tag := m.tag
		inf := &inflight{queue: queue, msg: msg, done: make(chan struct{})}
		m.pending[tag] = inf
		m.mu.Unlock()

		d := amqp.Delivery{
			Acknowledger: m,
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageID,
			Priority:     msg.Priority,
			ConsumerTag:  consumerTag,
			DeliveryTag:  tag,
			Redelivered:  msg.Redelivered,
			RoutingKey:   queue,
			Body:         msg.Body,
		}

		select {
		case out <- d:
		case <-ctx.Done():
			_ = m.Reject(tag, true)
			return
		}

		select {
		case <-inf.done:
		case <-ctx.Done():
			// unacked deliveries go back to the queue, as on channel close
			_ = m.Reject(tag, true)
			return
		}
	}
}

func (m *Memory) settle(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inf, ok := m.pending[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(m.pending, tag)
	close(inf.done)

	if requeue && !m.closed {
		inf.msg.Redelivered = true
		m.push(inf.queue, inf.msg)
	}
	return nil
}

// Ack implements amqp.Acknowledger
func (m *Memory) Ack(tag uint64, _ bool) error {
	return m.settle(tag, false)
}

// Nack implements amqp.Acknowledger
func (m *Memory) Nack(tag uint64, _ bool, requeue bool) error {
	return m.settle(tag, requeue)
}

// Reject implements amqp.Acknowledger
func (m *Memory) Reject(tag uint64, requeue bool) error {
	return m.settle(tag, requeue)
}

// Messages returns a snapshot of the ready messages on queue in delivery order
func (m *Memory) Messages(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return nil
	}

	snapshot := make(messageHeap, len(q.items))
	copy(snapshot, q.items)
	out := make([]Message, 0, len(snapshot))
	for snapshot.Len() > 0 {
		out = append(out, *heap.Pop(&snapshot).(*Message))
	}
	return out
}

// Len returns the number of ready messages on queue
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queue]; ok {
		return q.items.Len()
	}
	return 0
}

// Close stops all consumers and pending delayed publishes
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
		delete(m.timers, t)
	}
	for _, q := range m.queues {
		close(q.wake)
		q.wake = make(chan struct{})
	}
	for tag, inf := range m.pending {
		close(inf.done)
		delete(m.pending, tag)
	}
	return nil
}

// messageHeap orders by priority descending, then publish order
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

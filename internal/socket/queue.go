package socket

import (
	"sync"
	"time"
)

// MessageState tracks one outbound message through its lifecycle. States
// only move forward: NotSent -> WaitingOK -> Sent.
type MessageState int

const (
	StateNotSent MessageState = iota
	StateWaitingOK
	StateSent
)

func (s MessageState) String() string {
	switch s {
	case StateNotSent:
		return "not_sent"
	case StateWaitingOK:
		return "waiting_ok"
	case StateSent:
		return "sent"
	}
	return "invalid"
}

// Message is one outbound protocol message awaiting transmission and
// acknowledgment. Callers keep the handle returned by Enqueue to inspect
// whether the peer acknowledged.
type Message struct {
	ID      int64
	Payload map[string]any

	mu        sync.Mutex
	state     MessageState
	changedAt time.Time
}

// State returns the current lifecycle state.
func (m *Message) State() MessageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChangedAt returns when the state last advanced.
func (m *Message) StateChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// advance moves to next if it is a strictly forward transition.
func (m *Message) advance(from, to MessageState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	m.changedAt = time.Now().UTC()
	return true
}

// Queue is a per-connection FIFO of outbound messages. Business logic
// enqueues from its own goroutine; the connection loop drains. There is no
// retry: a message still waiting when the connection dies is lost, and the
// durable ticket queue is what guarantees eventual delivery.
type Queue struct {
	mu    sync.Mutex
	items []*Message
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue wraps payload in a NotSent message and appends it.
func (q *Queue) Enqueue(id int64, payload map[string]any) *Message {
	m := &Message{
		ID:        id,
		Payload:   payload,
		state:     StateNotSent,
		changedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	return m
}

// Unsent returns the messages still in NotSent state, in FIFO order.
func (q *Queue) Unsent() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Message
	for _, m := range q.items {
		if m.State() == StateNotSent {
			out = append(out, m)
		}
	}
	return out
}

// MarkWaiting records that the message was written to the socket.
func (q *Queue) MarkWaiting(m *Message) bool {
	return m.advance(StateNotSent, StateWaitingOK)
}

// Ack marks the WaitingOK message with the given id as Sent and returns
// it, or nil when no such message is waiting.
func (q *Queue) Ack(id int64) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.ID == id && m.advance(StateWaitingOK, StateSent) {
			return m
		}
	}
	return nil
}

// Message returns the tracked message with the given id, if any.
func (q *Queue) Message(id int64) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Len reports the number of tracked messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

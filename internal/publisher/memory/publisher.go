// Package memory keeps run events in process. It backs events.backend=memory
// and the GET /api/events listing.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	seq      int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps at most limit messages (0 keeps all).
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Recent returns up to limit recorded publishes, newest first. A non-positive
// limit returns everything kept.
func (p *Publisher) Recent(limit int) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.messages)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PublishedMessage, 0, n)
	for i := len(p.messages) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, p.messages[i])
	}
	return out
}

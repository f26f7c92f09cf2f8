// Package memory keeps record notifications in process memory for
// development and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Publisher appends every publish to an in-memory log.
type Publisher struct {
	mu   sync.RWMutex
	log  []PublishedMessage
	fail error
}

// PublishedMessage is one accepted publish.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the payload and returns its position as the message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	id := "memory-" + strconv.Itoa(len(p.log)+1)
	p.log = append(p.log, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// FailWith makes later publishes return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Messages returns a copy of the log in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.log...)
}

// Notifications returns the record notifications published for key, oldest
// first.
func (p *Publisher) Notifications(key string) []tracker.RecordNotification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []tracker.RecordNotification
	for _, msg := range p.log {
		note, ok := msg.Payload.(tracker.RecordNotification)
		if ok && note.Key == key {
			out = append(out, note)
		}
	}
	return out
}

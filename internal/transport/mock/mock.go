// Package mock is the default test binding for transport.Transport: an
// in-memory mailbox with Seed/Clear/IsProcessed hooks, grounded on the
// teacher's test-double conventions of building in-memory fixtures rather
// than dialing real SMTP.
package mock

import (
	"context"
	"sync"

	"github.com/priceflow/batchflow/internal/transport"
)

// Transport is an in-memory transport.Transport for tests and the
// control-plane's /seed endpoint.
type Transport struct {
	mu        sync.Mutex
	messages  map[string]transport.Message
	processed map[string]bool
	replies   []Reply
}

// Reply records one SendReply call for test assertions.
type Reply struct {
	EmailID string
	Body    string
}

// New returns an empty mailbox.
func New() *Transport {
	return &Transport{
		messages:  make(map[string]transport.Message),
		processed: make(map[string]bool),
	}
}

// Seed adds msg to the mailbox as if newly received.
func (t *Transport) Seed(msg transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages[msg.ID] = msg
}

// Clear empties the mailbox and processed/reply history.
func (t *Transport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[string]transport.Message)
	t.processed = make(map[string]bool)
	t.replies = nil
}

// IsProcessed reports whether emailID has been marked processed.
func (t *Transport) IsProcessed(emailID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed[emailID]
}

// Replies returns every SendReply call observed so far, in order.
func (t *Transport) Replies() []Reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reply, len(t.replies))
	copy(out, t.replies)
	return out
}

func (t *Transport) GetNewMessages(_ context.Context) ([]transport.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Message, 0, len(t.messages))
	for id, msg := range t.messages {
		if t.processed[id] {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (t *Transport) SendReply(_ context.Context, emailID, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, Reply{EmailID: emailID, Body: body})
	return nil
}

func (t *Transport) MarkProcessed(_ context.Context, emailID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed[emailID] = true
	return nil
}

var _ transport.Transport = (*Transport)(nil)

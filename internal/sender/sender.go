package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmehdipour/campaign-gateway/internal/model"
)

var ErrUnsupportedChannel = errors.New("unsupported channel")

// Sender delivers one message to one recipient. It knows nothing about
// campaigns or counters.
type Sender interface {
	Send(ctx context.Context, recipient, content string) error
}

// TransportError is returned by every Sender for a failed delivery.
type TransportError struct {
	Channel   model.Channel
	Recipient string
	Op        string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s to %s: %s failed (%s): %v", e.Channel, e.Recipient, e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a TransportError worth retrying later.
// Unknown errors count as temporary.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	return true
}

// Factory builds the Sender of one channel.
type Factory func() (Sender, error)

// Registry resolves a channel to its Sender. Senders are built on first use
// and cached; a failed construction is not cached so the next run retries it.
type Registry struct {
	mu        sync.Mutex
	factories map[model.Channel]Factory
	built     map[model.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[model.Channel]Factory),
		built:     make(map[model.Channel]Sender),
	}
}

func (r *Registry) Register(ch model.Channel, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[ch] = f
	delete(r.built, ch)
}

func (r *Registry) For(ch model.Channel) (Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.built[ch]; ok {
		return s, nil
	}
	f, ok := r.factories[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch)
	}
	s, err := f()
	if err != nil {
		return nil, fmt.Errorf("build %s sender: %w", ch, err)
	}
	r.built[ch] = s
	return s, nil
}

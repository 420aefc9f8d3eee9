package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/campaign-gateway/internal/model"
)

var (
	ErrNoHealthy   = errors.New("no healthy providers")
	ErrNoAcquire   = errors.New("provider not acquired")
	ErrNoProviders = errors.New("no providers configured")
)

// Dispatcher spreads SMS sends round-robin over the providers whose breaker
// is closed, retrying on another provider up to maxAttempts times.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(provs []Provider, maxAttempts int) (*Dispatcher, error) {
	if len(provs) == 0 {
		return nil, ErrNoProviders
	}
	if maxAttempts < 1 {
		maxAttempts = 2
	}

	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}, nil
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, sms model.SMS) error {
	p, err := d.selectProvider()
	if err != nil {
		return err
	}

	if !p.Acquire() {
		return ErrNoAcquire
	}

	return p.Send(ctx, sms)
}

// Send returns the last provider error when every attempt failed.
func (d *Dispatcher) Send(ctx context.Context, sms model.SMS) error {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.tryOnce(ctx, sms); err == nil {
			return nil
		} else {
			last = err
		}
	}

	if last == nil {
		last = fmt.Errorf("send sms failed")
	}

	return last
}

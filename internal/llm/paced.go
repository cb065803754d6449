package llm

import (
	"context"
	"fmt"
)

// Waiter blocks until the next request may be sent.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Paced delays every request until the waiter allows it.
type Paced struct {
	inner  Provider
	waiter Waiter
}

// NewPaced wraps inner. A nil waiter never delays.
func NewPaced(inner Provider, waiter Waiter) *Paced {
	return &Paced{inner: inner, waiter: waiter}
}

func (p *Paced) Name() string { return p.inner.Name() }

// Model forwards the inner provider's model, if it has one.
func (p *Paced) Model() string {
	if m, ok := p.inner.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

func (p *Paced) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	if p.waiter != nil {
		if err := p.waiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}
	return p.inner.SendMessage(ctx, req)
}

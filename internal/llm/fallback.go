package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Fallback tries each provider in order and returns the first response.
// Used to fall back to other models when the primary one is overloaded or
// rejects the request.
type Fallback struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallback requires at least one provider. With exactly one it is a
// transparent pass-through.
func NewFallback(logger *slog.Logger, providers ...Provider) (*Fallback, error) {
	if len(providers) == 0 {
		return nil, errors.New("fallback needs at least one provider")
	}
	return &Fallback{providers: providers, logger: logger}, nil
}

// SendMessage returns the first successful response. Cancellation stops
// the chain immediately.
func (f *Fallback) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "fallback provider answered",
					slog.String("provider", describe(p)),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if i < len(f.providers)-1 {
			f.logger.WarnContext(ctx, "provider failed, trying next",
				slog.String("provider", describe(p)),
				slog.String("error", err.Error()),
				slog.Int("attempt", i+1),
			)
		}
	}
	if len(f.providers) == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// Name is the primary provider's name.
func (f *Fallback) Name() string { return f.providers[0].Name() }

// Model lists the models in fallback order, e.g. "flash,flash-lite".
func (f *Fallback) Model() string {
	models := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		if m, ok := p.(interface{ Model() string }); ok {
			models = append(models, m.Model())
		}
	}
	return strings.Join(models, ",")
}

func describe(p Provider) string {
	if m, ok := p.(interface{ Model() string }); ok {
		return p.Name() + "/" + m.Model()
	}
	return p.Name()
}

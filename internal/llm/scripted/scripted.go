// Package scripted provides a deterministic llm.Provider that replays a
// fixed sequence of agent turns. Used for tests and for dry runs of the
// control loop without network access.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/devbot/internal/llm"
)

// Call is one scripted tool call.
type Call struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Step configures one agent turn.
type Step struct {
	Text  string    `json:"text,omitempty" yaml:"text,omitempty"`
	Calls []Call    `json:"calls,omitempty" yaml:"calls,omitempty"`
	Usage llm.Usage `json:"usage" yaml:"usage"`
	Err   error     `json:"-" yaml:"-"`
}

// Provider replays steps in order. Safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	index    int
	steps    []Step
	requests []*llm.Request
}

var _ llm.Provider = (*Provider)(nil)

// New creates a provider that replays the given steps.
func New(steps ...Step) *Provider {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &Provider{steps: cloned}
}

// Load reads steps from a YAML (.yml/.yaml) or JSON file.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script %s: %w", path, err)
	}
	var steps []Step
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &steps)
	default:
		err = json.Unmarshal(data, &steps)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps", path)
	}
	return New(steps...), nil
}

func (p *Provider) Name() string { return "scripted" }

// SendMessage returns the next step. Running past the end is an error.
func (p *Provider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.index >= len(p.steps) {
		return nil, fmt.Errorf("script exhausted at step %d", p.index+1)
	}
	step := p.steps[p.index]
	p.index++
	if step.Err != nil {
		return nil, step.Err
	}

	resp := &llm.Response{Content: step.Text, Usage: step.Usage, StopReason: llm.StopEndTurn}
	if step.Text != "" {
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(step.Text))
	}
	for _, c := range step.Calls {
		resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock("call-"+uuid.NewString(), c.Name, cloneArgs(c.Args)))
	}
	if len(step.Calls) > 0 {
		resp.StopReason = llm.StopToolUse
	}
	return resp, nil
}

// Requests returns the requests seen so far.
func (p *Provider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Remaining reports how many steps have not been replayed yet.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps) - p.index
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/devbot/internal/tools"
)

// ToolCache memoizes successful results of side-effect-free tools for the
// lifetime of a process. Entries never expire; a write can drop the entries
// it makes stale (see InvalidatePath).
type ToolCache struct {
	mu      sync.RWMutex
	entries map[string]*tools.Result
}

// NewToolCache creates an empty cache.
func NewToolCache() *ToolCache {
	return &ToolCache{entries: make(map[string]*tools.Result)}
}

// Get returns the cached result for a call.
func (c *ToolCache) Get(name string, args map[string]any) (*tools.Result, bool) {
	key := cacheKey(name, args)
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok
}

// Set stores a result. Non-ok results are ignored.
func (c *ToolCache) Set(name string, args map[string]any, res *tools.Result) {
	if res == nil || res.Status != tools.StatusOK {
		return
	}
	key := cacheKey(name, args)
	c.mu.Lock()
	c.entries[key] = res
	c.mu.Unlock()
}

// InvalidatePath drops every entry whose target is the written path or one
// of its ancestors, and returns how many were dropped.
func (c *ToolCache) InvalidatePath(written string) int {
	if written == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, res := range c.entries {
		if res.Target != "" && coversPath(res.Target, written) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *ToolCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// coversPath reports whether target is p or an ancestor of p.
func coversPath(target, p string) bool {
	rel, err := filepath.Rel(target, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// cacheKey is "name|" followed by the arguments as JSON with sorted keys.
// Arguments JSON cannot encode fall back to their fmt.Sprint form.
func cacheKey(name string, args map[string]any) string {
	if data, err := json.Marshal(args); err == nil {
		return name + "|" + string(data)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteString("|{")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:", k)
		if data, err := json.Marshal(args[k]); err == nil {
			b.Write(data)
		} else {
			fmt.Fprintf(&b, "%q", fmt.Sprint(args[k]))
		}
	}
	b.WriteByte('}')
	return b.String()
}

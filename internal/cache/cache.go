// Package cache provides deterministic result reuse for expensive handler
// invocations. A key fingerprints a content identity plus a canonicalized
// parameter set; an entry is only a valid hit while every file it depends on
// still exists.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Entry is a previously computed, handler-shaped result plus the files
// needed to reconstruct it.
type Entry struct {
	Result    map[string]any `json:"result"`
	Files     []string       `json:"files,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FilesIntact reports whether every dependent file still exists.
func (e *Entry) FilesIntact() bool {
	for _, f := range e.Files {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Cache is the contract handlers consult before doing real work. Lookup
// returns (nil, nil) on miss; a stored entry with a missing dependent file
// is a miss and is evicted.
type Cache interface {
	Lookup(ctx context.Context, key string) (*Entry, error)
	Store(ctx context.Context, key string, e *Entry) error
}

// Key derives a deterministic, collision-resistant cache key from a content
// identity token (source hash, URL, ...) and a parameter set. Parameters are
// canonicalized first: keys sorted, numbers normalized, so maps that differ
// only in ordering or numeric type produce the same key.
func Key(identity string, params map[string]any) string {
	canonical, err := json.Marshal(normalize(params))
	if err != nil {
		// Parameter maps come from decoded JSON; re-encoding them cannot
		// fail. Degrade to identity-only rather than panic.
		canonical = nil
	}
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// normalize rewrites a decoded-JSON value into a canonical form:
// encoding/json emits map keys sorted, so only numeric types need folding.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case float32:
		return canonicalNumber(float64(t))
	case float64:
		return canonicalNumber(t)
	case int:
		return canonicalNumber(float64(t))
	case int32:
		return canonicalNumber(float64(t))
	case int64:
		return canonicalNumber(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return canonicalNumber(f)
	default:
		return v
	}
}

// canonicalNumber renders numbers in their shortest round-trippable string
// form so 2, 2.0 and json.Number("2") all fingerprint identically.
func canonicalNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Memory is an in-process Cache used in tests and when no Redis address is
// configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Lookup(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.FilesIntact() {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, nil
	}
	return e, nil
}

func (m *Memory) Store(_ context.Context, key string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("store nil cache entry for key %s", key)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Keys returns the stored keys sorted; test helper.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

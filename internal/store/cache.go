// Package store provides compiled-context caching keyed by conversation.
//
// Compilation is a deterministic pure function of its persona input, so
// duplicate computation on concurrent first turns is wasted work but not
// incorrect; Put overwrites rather than merges. The Loader collapses
// concurrent misses with singleflight purely to avoid the waste.
package store

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"loreweave/internal/compiler"
	"loreweave/internal/logging"
)

// Cache stores compiled contexts keyed by conversation ID.
type Cache interface {
	// Get returns the cached context for a conversation, or false when absent.
	Get(conversationID string) (*compiler.CompiledContext, bool, error)

	// Put stores a context, overwriting any previous value.
	Put(conversationID string, cc *compiler.CompiledContext) error

	// Delete removes a conversation's cached context.
	Delete(conversationID string) error

	// Close releases any underlying resources.
	Close() error
}

// MemoryCache is an in-process Cache. Safe for concurrent use.
type MemoryCache struct {
	mu       sync.RWMutex
	contexts map[string]*compiler.CompiledContext
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{contexts: make(map[string]*compiler.CompiledContext)}
}

func (m *MemoryCache) Get(conversationID string) (*compiler.CompiledContext, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cc, ok := m.contexts[conversationID]
	return cc, ok, nil
}

func (m *MemoryCache) Put(conversationID string, cc *compiler.CompiledContext) error {
	if cc == nil {
		return fmt.Errorf("compiled context is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[conversationID] = cc
	return nil
}

func (m *MemoryCache) Delete(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, conversationID)
	return nil
}

func (m *MemoryCache) Close() error { return nil }

// CompileFunc produces a fresh compiled context on a cache miss.
type CompileFunc func() (*compiler.CompiledContext, error)

// Loader wraps a Cache with persona-hash staleness detection and
// single-flight compilation.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader creates a loader over cache.
func NewLoader(cache Cache) *Loader {
	return &Loader{cache: cache}
}

// GetOrCompile returns the cached context for conversationID when its
// persona hash still matches, otherwise compiles a fresh one and stores it.
// Concurrent callers for the same conversation share one compilation.
func (l *Loader) GetOrCompile(conversationID, personaHash string, compile CompileFunc) (*compiler.CompiledContext, error) {
	cached, ok, err := l.cache.Get(conversationID)
	if err != nil {
		return nil, fmt.Errorf("cache read for %s: %w", conversationID, err)
	}
	if ok && cached.PersonaHash == personaHash {
		logging.StoreDebug("cache hit for conversation %s", conversationID)
		return cached, nil
	}
	if ok {
		logging.Store("stale compiled context for conversation %s (persona changed), recompiling", conversationID)
	}

	v, err, _ := l.group.Do(conversationID, func() (interface{}, error) {
		cc, err := compile()
		if err != nil {
			return nil, err
		}
		if err := l.cache.Put(conversationID, cc); err != nil {
			return nil, fmt.Errorf("cache write for %s: %w", conversationID, err)
		}
		return cc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiler.CompiledContext), nil
}

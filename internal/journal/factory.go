package journal

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// BackendFactory builds a journal backend from a full DSN.
type BackendFactory func(dsn string) (Backend, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory lets embedders add journal backends for additional
// DSN schemes. Built-in schemes cannot be overridden by an empty factory.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN resolves a journal backend from a DSN. An empty DSN
// yields the default in-memory ring buffer. Supported built-ins:
//
//	memory://            in-memory ring buffer (optional ?capacity=N)
//	postgres://...       postgres table via lib/pq
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		capacity := 0
		if raw := parsed.Query().Get("capacity"); raw != "" {
			capacity, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad capacity %q", ErrInvalidInput, raw)
			}
		}
		return NewMemoryBackend(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

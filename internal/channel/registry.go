// ABOUTME: Registry of channel adapters keyed by channel type
// ABOUTME: Adapters register once at startup; lookups never branch on type strings

package channel

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAdapterRegistered indicates an adapter for the same channel type already exists.
var ErrAdapterRegistered = errors.New("adapter already registered")

// ErrAdapterNotFound indicates no adapter is registered for the channel type.
var ErrAdapterNotFound = errors.New("adapter not found")

// Registry holds the registered channel adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "channel-registry"),
	}
}

// Register adds an adapter. Returns ErrAdapterRegistered on duplicates.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Type()]; exists {
		return ErrAdapterRegistered
	}
	r.adapters[a.Type()] = a
	r.logger.Info("channel adapter registered",
		"channel", a.Type(),
		"streaming", a.Capabilities().SupportsStreaming,
	)
	return nil
}

// Get retrieves the adapter for a channel type.
func (r *Registry) Get(channelType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[channelType]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return a, nil
}

// Types returns the registered channel types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

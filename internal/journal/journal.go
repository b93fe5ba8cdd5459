package journal

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownScheme = errors.New("unknown journal scheme")
)

// Outcome records what the dispatcher decided for one inbound notification.
type Outcome string

const (
	OutcomeSurfaced     Outcome = "surfaced"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeMalformed    Outcome = "malformed"
)

// Entry is one journal record. The journal is an observability trail, not a
// source of truth: live notification state stays process-local.
type Entry struct {
	DedupKey        string    `json:"dedupKey"`
	Kind            string    `json:"kind"`
	ConversationKey string    `json:"conversationKey"`
	Outcome         Outcome   `json:"outcome"`
	Title           string    `json:"title"`
	At              time.Time `json:"at"`
}

// Backend stores journal entries. Append must be cheap and non-blocking in
// spirit; dispatch treats append failures as log-and-continue.
type Backend interface {
	Append(entry Entry) error
	Recent(limit int) ([]Entry, error)
	Close() error
}

const defaultMemoryCapacity = 1024

// MemoryBackend is a fixed-capacity ring buffer, the default backend.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  []Entry
	start    int
	size     int
	capacity int
}

func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryBackend{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

func (b *MemoryBackend) Append(entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.start + b.size) % b.capacity
	b.entries[idx] = entry
	if b.size < b.capacity {
		b.size++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (b *MemoryBackend) Recent(limit int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (b.start + b.size - 1 - i) % b.capacity
		out = append(out, b.entries[idx])
	}
	return out, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

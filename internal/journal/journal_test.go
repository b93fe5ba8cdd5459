package journal

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func entryAt(i int) Entry {
	return Entry{
		DedupKey: fmt.Sprintf("m-%d", i),
		Outcome:  OutcomeSurfaced,
		At:       time.Date(2026, 3, 14, 9, 0, i, 0, time.UTC),
	}
}

func TestMemoryBackendRecentNewestFirst(t *testing.T) {
	b := NewMemoryBackend(10)
	for i := 0; i < 3; i++ {
		if err := b.Append(entryAt(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := b.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].DedupKey != "m-2" || entries[1].DedupKey != "m-1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMemoryBackendRingOverwrite(t *testing.T) {
	b := NewMemoryBackend(3)
	for i := 0; i < 5; i++ {
		if err := b.Append(entryAt(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := b.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].DedupKey != "m-4" || entries[2].DedupKey != "m-2" {
		t.Fatalf("unexpected window: %+v", entries)
	}
}

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("")
	if err != nil {
		t.Fatalf("empty dsn: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("empty dsn should yield memory backend, got %T", backend)
	}

	backend, err = BuildBackendFromDSN("memory://?capacity=8")
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	mem, ok := backend.(*MemoryBackend)
	if !ok {
		t.Fatalf("got %T", backend)
	}
	if mem.capacity != 8 {
		t.Fatalf("capacity = %d, want 8", mem.capacity)
	}

	backend, err = BuildBackendFromDSN("postgres://user:pw@localhost/notifyhub")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("got %T", backend)
	}

	if _, err := BuildBackendFromDSN("redis://localhost"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestRegisteredFactoryWins(t *testing.T) {
	custom := NewMemoryBackend(1)
	RegisterBackendFactory("custom", func(string) (Backend, error) { return custom, nil })

	backend, err := BuildBackendFromDSN("custom://anything")
	if err != nil {
		t.Fatalf("custom dsn: %v", err)
	}
	if backend != custom {
		t.Fatalf("expected registered factory result, got %T", backend)
	}
}

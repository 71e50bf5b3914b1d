package idmap

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestResolveStable(t *testing.T) {
	m := New()
	s := m.Session()

	first, err := s.Resolve("users", "@alice:example.com")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	second, err := s.Resolve("users", "@alice:example.com")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if first != second {
		t.Errorf("Resolve() not stable: %s != %s", first, second)
	}

	// Same legacy id under a different entity type is a distinct mapping.
	other, err := s.Resolve("compat_session", "@alice:example.com")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if other == first {
		t.Error("entity types must not share identifier space")
	}
}

func TestResolveAfterPreload(t *testing.T) {
	durable := uuid.MustParse("01912345-0000-7000-8000-000000000001")

	// Simulates a resumed run: the mapping table is reloaded and resolve
	// must return the persisted identifier, not allocate a fresh one.
	m := New()
	m.Preload([]Entry{{EntityType: "users", LegacyID: "@alice:example.com", MASID: durable}})

	s := m.Session()
	got, err := s.Resolve("users", "@alice:example.com")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != durable {
		t.Errorf("Resolve() = %s, want preloaded %s", got, durable)
	}
	if pending := s.TakePending(); len(pending) != 0 {
		t.Errorf("preloaded mapping produced %d pending entries, want 0", len(pending))
	}
}

func TestLookupDoesNotAllocate(t *testing.T) {
	m := New()
	s := m.Session()

	if _, ok := s.Lookup("users", "@ghost:example.com"); ok {
		t.Error("Lookup() found a mapping that was never resolved")
	}
	if m.Len() != 0 {
		t.Errorf("Lookup() allocated: %d mappings cached", m.Len())
	}

	id, err := s.Resolve("users", "@alice:example.com")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	got, ok := s.Lookup("users", "@alice:example.com")
	if !ok || got != id {
		t.Errorf("Lookup() = %s, %v; want %s, true", got, ok, id)
	}
}

func TestTakePendingDrains(t *testing.T) {
	m := New()
	s := m.Session()

	for _, u := range []string{"@a:x", "@b:x", "@c:x"} {
		if _, err := s.Resolve("users", u); err != nil {
			t.Fatalf("Resolve(%s) error: %v", u, err)
		}
	}

	pending := s.TakePending()
	if len(pending) != 3 {
		t.Fatalf("TakePending() = %d entries, want 3", len(pending))
	}
	if again := s.TakePending(); len(again) != 0 {
		t.Errorf("second TakePending() = %d entries, want 0", len(again))
	}

	// A later allocation lands in the next pending set.
	if _, err := s.Resolve("users", "@d:x"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if next := s.TakePending(); len(next) != 1 || next[0].LegacyID != "@d:x" {
		t.Errorf("TakePending() after new allocation = %+v", next)
	}
}

func TestConcurrentResolveSingleAllocation(t *testing.T) {
	m := New()
	s := m.Session()

	const workers = 16
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Resolve("users", "@alice:example.com")
			if err != nil {
				t.Errorf("Resolve() error: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
	if got := len(s.TakePending()); got != 1 {
		t.Errorf("pending entries = %d, want exactly 1", got)
	}
}

package session

import (
	"sync"
	"testing"
)

func TestRegistryAllocateUnique(t *testing.T) {
	r := NewRegistry()

	const workers = 50
	const perWorker = 20

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := r.Allocate()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id allocated: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	id := r.Allocate()
	s := newTestSession(id)

	if err := r.Add(id, s); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(id, s); err == nil {
		t.Error("expected error adding duplicate id")
	}

	got, ok := r.Get(id)
	if !ok || got != s {
		t.Fatalf("Get(%s) = %v, %v", id, got, ok)
	}
	if _, ok := r.Get("s_999999"); ok {
		t.Error("Get returned a session for an unknown id")
	}

	r.Remove(id)
	if _, ok := r.Get(id); ok {
		t.Error("session still present after Remove")
	}
	// Removing again is a no-op.
	r.Remove(id)
}

func TestRegistryConcurrentInterleaving(t *testing.T) {
	r := NewRegistry()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := r.Allocate()
				s := newTestSession(id)
				s.onClosed = func(s *Session) { r.Remove(s.ID) }

				if err := r.Add(id, s); err != nil {
					t.Errorf("Add(%s) failed: %v", id, err)
					continue
				}
				if got, ok := r.Get(id); !ok || got != s {
					t.Errorf("Get(%s) = %v, %v after Add", id, got, ok)
				}
				for _, live := range r.List() {
					if live.State() == StateClosed {
						t.Errorf("List contains closed session %s", live.ID)
					}
				}

				s.Close()
				<-s.Done()
				if _, ok := r.Get(id); ok {
					t.Errorf("Get(%s) returned a session after teardown removal", id)
				}
			}
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("registry holds %d sessions after all teardowns, want 0", r.Len())
	}
}

func TestRegistryListSnapshot(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		id := r.Allocate()
		if err := r.Add(id, newTestSession(id)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}

	// Mutating the registry must not affect the returned slice.
	r.Remove(list[0].ID)
	if len(list) != 3 {
		t.Error("List result changed after Remove")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d after Remove, want 2", r.Len())
	}
}

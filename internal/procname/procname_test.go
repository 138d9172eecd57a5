package procname

import (
	"os"
	"testing"
)

func TestResolveTree_InvalidPID(t *testing.T) {
	if names := ResolveTree(0); names != nil {
		t.Fatalf("expected nil for pid 0, got %v", names)
	}
	if names := ResolveTree(-5); names != nil {
		t.Fatalf("expected nil for negative pid, got %v", names)
	}
}

func TestResolveTree_Self(t *testing.T) {
	names := ResolveTree(os.Getpid())
	if len(names) == 0 {
		t.Fatal("expected at least the test binary's own name")
	}
	for _, n := range names {
		if n == "" {
			t.Fatal("resolved an empty process name")
		}
	}
}

func TestResolveTree_GonePID(t *testing.T) {
	// PIDs this large are rejected or unknown on any reasonable system.
	if names := ResolveTree(1 << 30); len(names) != 0 {
		t.Fatalf("expected empty result for unknown pid, got %v", names)
	}
}

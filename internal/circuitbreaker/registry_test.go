package circuitbreaker

import (
	"sync"
	"testing"
)

func TestRegistryPerEndpoint(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())

	chat := r.GetOrCreate("/chat/completions")
	if chat == nil {
		t.Fatal("GetOrCreate returned nil")
	}
	if r.GetOrCreate("/chat/completions") != chat {
		t.Fatal("same endpoint must return the same breaker")
	}
	if r.GetOrCreate("/responses") == chat {
		t.Fatal("endpoints must not share a breaker")
	}
}

func TestRegistryIsolatesEndpoints(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{ErrorThreshold: 0.5, MinSamples: 2, WindowSeconds: 60, OpenTimeout: 0})

	chat := r.GetOrCreate("/chat/completions")
	chat.RecordError(1.0)
	chat.RecordError(1.0)
	if chat.State() != StateOpen {
		t.Fatalf("chat breaker state = %v, want open", chat.State())
	}

	// An open chat circuit must not block embeddings traffic.
	if !r.GetOrCreate("/embeddings").Allow() {
		t.Fatal("embeddings breaker tripped by chat failures")
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	breakers := make([]*Breaker, 8)

	var wg sync.WaitGroup
	for i := range breakers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			breakers[i] = r.GetOrCreate("/responses")
		}()
	}
	wg.Wait()

	for i := 1; i < len(breakers); i++ {
		if breakers[i] != breakers[0] {
			t.Fatal("concurrent GetOrCreate returned distinct breakers")
		}
	}
}

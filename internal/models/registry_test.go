package models

import (
	"context"
	"errors"
	"testing"
)

type fakeFetcher struct {
	models []Model
	err    error
	calls  int
}

func (f *fakeFetcher) ListModels(context.Context) ([]Model, error) {
	f.calls++
	return f.models, f.err
}

func TestListCachesFetch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{models: []Model{{ID: "gpt-4.1"}}}
	r := NewRegistry(f)

	for i := 0; i < 3; i++ {
		list, err := r.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("list = %+v", list)
		}
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
}

func TestListServesStaleOnError(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{models: []Model{{ID: "m"}}}
	r := NewRegistry(f)
	if _, err := r.List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}

	f.err = errors.New("upstream down")
	r.fetchedAt = r.fetchedAt.Add(-2 * refreshInterval)
	list, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("stale serve failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestRequiresResponses(t *testing.T) {
	t.Parallel()

	responsesOnly := Model{ID: "a", SupportedEndpoints: []string{"/responses"}}
	both := Model{ID: "b", SupportedEndpoints: []string{"/responses", "/chat/completions"}}
	undeclared := Model{ID: "c"}

	if !responsesOnly.RequiresResponses() {
		t.Error("responses-only model should require bridge")
	}
	if both.RequiresResponses() {
		t.Error("dual-endpoint model should not require bridge")
	}
	if undeclared.RequiresResponses() {
		t.Error("undeclared endpoints default to chat completions")
	}
}

func TestFindFallbackSameFamilyLowerTier(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Seed([]Model{
		{ID: "gpt-5.1", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "gpt-5", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "claude-sonnet-4", SupportedEndpoints: []string{"/chat/completions"}},
	})

	got, ok := r.FindFallback(context.Background(), "gpt-5.2", "/chat/completions")
	if !ok || got != "gpt-5.1" {
		t.Errorf("fallback = %q ok=%v, want gpt-5.1", got, ok)
	}
}

func TestFindFallbackSuffixStripping(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Seed([]Model{
		{ID: "gpt-5.1-codex", SupportedEndpoints: []string{"/responses"}},
	})

	got, ok := r.FindFallback(context.Background(), "gpt-5.1-codex-max", "/responses")
	if !ok || got != "gpt-5.1-codex" {
		t.Errorf("fallback = %q ok=%v, want gpt-5.1-codex", got, ok)
	}
}

func TestFindFallbackRubric(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Seed([]Model{
		{ID: "claude-haiku-4", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "gpt-4o-preview", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "gpt-4o", SupportedEndpoints: []string{"/chat/completions"}},
	})

	// Same vendor beats other vendors; non-preview beats preview.
	got, ok := r.FindFallback(context.Background(), "gpt-4o-audio", "/chat/completions")
	if !ok || got != "gpt-4o" {
		t.Errorf("fallback = %q ok=%v, want gpt-4o", got, ok)
	}
}

func TestFindFallbackNoCandidate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Seed([]Model{{ID: "only", SupportedEndpoints: []string{"/embeddings"}}})
	if got, ok := r.FindFallback(context.Background(), "only", "/chat/completions"); ok {
		t.Errorf("unexpected fallback %q", got)
	}
}

func TestStrippedVariants(t *testing.T) {
	t.Parallel()

	got := strippedVariants("gpt-5.1-codex-max")
	want := map[string]bool{"gpt-5.1-codex": false, "gpt-5.1": false}
	for _, v := range got {
		if _, ok := want[v]; ok {
			want[v] = true
		}
	}
	for v, seen := range want {
		if !seen {
			t.Errorf("variant %q missing from %v", v, got)
		}
	}
}

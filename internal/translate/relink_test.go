package translate

import (
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

func asstWithCalls(ids ...string) gateway.Message {
	m := gateway.Message{Role: "assistant"}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, gateway.ToolCall{ID: id, Type: "function", Function: gateway.FunctionCall{Name: "f", Arguments: "{}"}})
	}
	return m
}

func toolReply(id string) gateway.Message {
	return gateway.Message{Role: "tool", ToolCallID: id, Content: gateway.TextContent("ok")}
}

func TestRelinkPositionalOnStaleIDs(t *testing.T) {
	t.Parallel()

	out := RelinkToolResults([]gateway.Message{
		asstWithCalls("A", "B"),
		toolReply("stale-1"),
		toolReply("stale-2"),
	})
	if len(out) != 3 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[1].ToolCallID != "A" || out[2].ToolCallID != "B" {
		t.Errorf("relinked ids = %q, %q", out[1].ToolCallID, out[2].ToolCallID)
	}
}

func TestRelinkLeavesMatchedAlone(t *testing.T) {
	t.Parallel()

	in := []gateway.Message{
		asstWithCalls("A", "B"),
		toolReply("A"),
		toolReply("B"),
	}
	out := RelinkToolResults(in)
	if len(out) != 3 || out[1].ToolCallID != "A" || out[2].ToolCallID != "B" {
		t.Errorf("matched conversation modified: %+v", out)
	}
}

func TestRelinkDropsUnmatchedOnCountMismatch(t *testing.T) {
	t.Parallel()

	out := RelinkToolResults([]gateway.Message{
		asstWithCalls("A", "B"),
		toolReply("A"),
		toolReply("stale"),
	})
	// A stays answered; B has no reply and is stripped; the stale reply drops.
	if len(out) != 2 {
		t.Fatalf("got %d messages: %+v", len(out), out)
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].ID != "A" {
		t.Errorf("kept calls = %+v", out[0].ToolCalls)
	}
	if out[1].ToolCallID != "A" {
		t.Errorf("kept reply = %q", out[1].ToolCallID)
	}
}

func TestRelinkDropsEmptyAssistant(t *testing.T) {
	t.Parallel()

	// All calls unanswered and no text content: the assistant message drops.
	out := RelinkToolResults([]gateway.Message{
		{Role: "user", Content: gateway.TextContent("q")},
		asstWithCalls("A"),
	})
	if len(out) != 1 || out[0].Role != "user" {
		t.Errorf("out = %+v", out)
	}
}

func TestRelinkNonToolConversationUntouched(t *testing.T) {
	t.Parallel()

	in := []gateway.Message{
		{Role: "user", Content: gateway.TextContent("q")},
		{Role: "assistant", Content: gateway.TextContent("a")},
	}
	out := RelinkToolResults(in)
	if len(out) != 2 {
		t.Errorf("out = %+v", out)
	}
}

package translate

import (
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestToolIDRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}

	for _, id := range []string{"tool.x/42@abc", "a", "with spaces", "unicode-日本"} {
		encoded := m.Normalize(id)
		if decoded := m.Denormalize(encoded); decoded != id {
			t.Errorf("round trip %q -> %q -> %q", id, encoded, decoded)
		}
	}
}

func TestToolIDKnownEncoding(t *testing.T) {
	t.Parallel()

	m, err := NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	got := m.Normalize("tool.x/42@abc")
	if got != "call_x_dG9vbC54LzQyQGFiYw" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestToolIDNativePassthrough(t *testing.T) {
	t.Parallel()

	m, err := NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	if got := m.Normalize("call_abc123"); got != "call_abc123" {
		t.Errorf("native id rewritten to %q", got)
	}
	if got := m.Denormalize("call_abc123"); got != "call_abc123" {
		t.Errorf("unknown native id rewritten to %q", got)
	}
}

func TestDenormalizeWithoutPriorNormalize(t *testing.T) {
	t.Parallel()

	// The deterministic scheme works on a fresh mapper (restart survival).
	m, err := NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	if got := m.Denormalize("call_x_dG9vbC54LzQyQGFiYw"); got != "tool.x/42@abc" {
		t.Errorf("Denormalize = %q", got)
	}
}

func TestDenormalizeMessagesRewritesConversation(t *testing.T) {
	t.Parallel()

	m, err := NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}
	encoded := m.Normalize("up-1")

	msgs := m.DenormalizeMessages([]gateway.Message{
		{Role: "assistant", ToolCalls: []gateway.ToolCall{{ID: encoded, Type: "function", Function: gateway.FunctionCall{Name: "f", Arguments: "{}"}}}},
		{Role: "tool", ToolCallID: encoded, Content: gateway.TextContent("out")},
	})
	if msgs[0].ToolCalls[0].ID != "up-1" {
		t.Errorf("assistant id = %q", msgs[0].ToolCalls[0].ID)
	}
	if msgs[1].ToolCallID != "up-1" {
		t.Errorf("tool reply id = %q", msgs[1].ToolCallID)
	}
}

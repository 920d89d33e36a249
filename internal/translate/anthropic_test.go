package translate

import (
	"encoding/json"
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestParseAnthropicRequest(t *testing.T) {
	t.Parallel()

	req, err := ParseAnthropicRequest([]byte(`{
		"model": "claude-sonnet",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found"}
			]}
		],
		"tools": [{"name": "lookup", "description": "d", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "any"}
	}`))
	if err != nil {
		t.Fatalf("ParseAnthropicRequest: %v", err)
	}

	if req.Messages[0].Role != "system" || req.Messages[0].Content.AsString() != "be brief" {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	asst := req.Messages[2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"q": "x"}` {
		t.Errorf("arguments = %q", asst.ToolCalls[0].Function.Arguments)
	}
	toolMsg := req.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "toolu_1" || toolMsg.Content.AsString() != "found" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if string(req.ToolChoice) != `"required"` {
		t.Errorf("tool_choice = %s", req.ToolChoice)
	}

	var tools []map[string]any
	if err := json.Unmarshal(req.Tools, &tools); err != nil {
		t.Fatalf("tools: %v", err)
	}
	fn := tools[0]["function"].(map[string]any)
	if fn["name"] != "lookup" {
		t.Errorf("tool name = %v", fn["name"])
	}
}

func TestAnthropicSystemBlockList(t *testing.T) {
	t.Parallel()

	req, err := ParseAnthropicRequest([]byte(`{
		"model": "m", "max_tokens": 10,
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "q"}]
	}`))
	if err != nil {
		t.Fatalf("ParseAnthropicRequest: %v", err)
	}
	if got := req.Messages[0].Content.AsString(); got != "one\ntwo" {
		t.Errorf("system = %q", got)
	}
}

func TestAnthropicToolChoiceNamed(t *testing.T) {
	t.Parallel()

	req, err := ParseAnthropicRequest([]byte(`{
		"model": "m", "max_tokens": 10,
		"messages": [{"role": "user", "content": "q"}],
		"tool_choice": {"type": "tool", "name": "lookup"}
	}`))
	if err != nil {
		t.Fatalf("ParseAnthropicRequest: %v", err)
	}
	want := `{"function":{"name":"lookup"},"type":"function"}`
	if string(req.ToolChoice) != want {
		t.Errorf("tool_choice = %s, want %s", req.ToolChoice, want)
	}
}

func TestToAnthropicResponse(t *testing.T) {
	t.Parallel()

	resp := &gateway.ChatResponse{
		ID:    "resp-1",
		Model: "m",
		Choices: []gateway.Choice{{
			Message: gateway.Message{
				Role:    "assistant",
				Content: gateway.TextContent("calling"),
				ToolCalls: []gateway.ToolCall{{
					ID: "toolu_1", Type: "function",
					Function: gateway.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5},
	}

	out := ToAnthropicResponse(resp)
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
	if len(out.Content) != 2 {
		t.Fatalf("content blocks = %d", len(out.Content))
	}
	if out.Content[0].Type != "text" || out.Content[0].Text != "calling" {
		t.Errorf("text block = %+v", out.Content[0])
	}
	tu := out.Content[1]
	if tu.Type != "tool_use" || tu.ID != "toolu_1" || string(tu.Input) != `{"q":"x"}` {
		t.Errorf("tool_use block = %+v", tu)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestAnthropicRoundTripStructural(t *testing.T) {
	t.Parallel()

	// Anthropic -> internal -> Anthropic preserves text and tool blocks.
	req, err := ParseAnthropicRequest([]byte(`{
		"model": "m", "max_tokens": 10,
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "t"},
				{"type": "tool_use", "id": "toolu_9", "name": "f", "input": {}}
			]}
		]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp := &gateway.ChatResponse{
		Model:   "m",
		Choices: []gateway.Choice{{Message: req.Messages[0], FinishReason: "tool_calls"}},
	}
	out := ToAnthropicResponse(resp)
	if out.Content[0].Text != "t" || out.Content[1].ID != "toolu_9" || out.Content[1].Name != "f" {
		t.Errorf("round trip lost structure: %+v", out.Content)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"other":         "other",
	}
	for in, want := range cases {
		if got := MapStopReason(in); got != want {
			t.Errorf("MapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"stop":       "end_turn",
		"":           "end_turn",
		"length":     "max_tokens",
		"tool_calls": "tool_use",
		"other":      "other",
	}
	for in, want := range cases {
		if got := MapFinishReason(in); got != want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

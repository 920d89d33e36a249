package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// ParseAnthropicRequest converts an Anthropic Messages API payload to the
// canonical internal request.
func ParseAnthropicRequest(body []byte) (*gateway.ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	root := gjson.ParseBytes(body)

	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("%w: missing model", gateway.ErrBadRequest)
	}

	req := &gateway.ChatRequest{
		Model:  model,
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("stop_sequences"); v.Exists() {
		req.Stop = json.RawMessage(v.Raw)
	}

	if sys := root.Get("system"); sys.Exists() {
		req.Messages = append(req.Messages, gateway.Message{
			Role:    "system",
			Content: gateway.TextContent(anthropicSystemText(sys)),
		})
	}

	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return nil, fmt.Errorf("%w: messages must be an array", gateway.ErrBadRequest)
	}
	parsed, err := parseMessages(msgs)
	if err != nil {
		return nil, err
	}
	req.Messages = append(req.Messages, parsed...)

	if tools := root.Get("tools"); tools.IsArray() {
		req.Tools = convertAnthropicTools(tools)
	}
	if tc := root.Get("tool_choice"); tc.Exists() {
		req.ToolChoice = convertAnthropicToolChoice(tc)
	}

	return req, nil
}

// anthropicSystemText flattens an Anthropic system prompt (string or list of
// text blocks) to a single string.
func anthropicSystemText(sys gjson.Result) string {
	if sys.Type == gjson.String {
		return sys.String()
	}
	var b strings.Builder
	sys.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// convertAnthropicTools maps {name, description, input_schema} tool entries
// to the OpenAI function-tool shape.
func convertAnthropicTools(tools gjson.Result) json.RawMessage {
	out := make([]map[string]any, 0, len(tools.Array()))
	tools.ForEach(func(_, t gjson.Result) bool {
		fn := map[string]any{"name": t.Get("name").String()}
		if d := t.Get("description"); d.Exists() {
			fn["description"] = d.String()
		}
		if s := t.Get("input_schema"); s.Exists() {
			fn["parameters"] = json.RawMessage(s.Raw)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	data, _ := json.Marshal(out)
	return data
}

// convertAnthropicToolChoice maps the Anthropic tool_choice object to the
// OpenAI form.
func convertAnthropicToolChoice(tc gjson.Result) json.RawMessage {
	if tc.Type == gjson.String {
		return json.RawMessage(tc.Raw)
	}
	switch tc.Get("type").String() {
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		out, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Get("name").String()},
		})
		return out
	case "auto", "none", "required":
		data, _ := json.Marshal(tc.Get("type").String())
		return data
	}
	return json.RawMessage(tc.Raw)
}

// AnthropicResponse is the Anthropic Messages API response body.
type AnthropicResponse struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Role       string              `json:"role"`
	Model      string              `json:"model"`
	Content    []AnthropicBlock    `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      AnthropicUsage      `json:"usage"`
}

// AnthropicBlock is one response content block.
type AnthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AnthropicUsage is the Anthropic token usage shape.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToAnthropicResponse converts the canonical response to the Anthropic wire
// shape. Tool-call ids are preserved verbatim.
func ToAnthropicResponse(resp *gateway.ChatResponse) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	if text := choice.Message.Content.AsString(); text != "" {
		out.Content = append(out.Content, AnthropicBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input, _ = json.Marshal(tc.Function.Arguments)
		}
		out.Content = append(out.Content, AnthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	out.StopReason = MapFinishReason(choice.FinishReason)
	return out
}

// MapFinishReason converts OpenAI finish reasons to Anthropic stop reasons.
// The inverse of MapStopReason.
func MapFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return reason
	}
}

// MapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

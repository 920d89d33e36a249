package translate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// The responses bridge: some models only accept the upstream "responses"
// dialect. ToResponsesRequest converts the canonical message list into it;
// FromResponsesOutput converts the result back to chat-completion shape.

// ResponsesRequest is the upstream responses-dialect request body.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           []any           `json:"input"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// ResponsesTool is the responses-dialect function tool shape.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict"`
}

// ToResponsesRequest bridges a chat-completion request into the responses
// dialect. System and developer messages collapse into top-level
// instructions; tool traffic becomes function_call/function_call_output
// items.
func ToResponsesRequest(req *gateway.ChatRequest) *ResponsesRequest {
	out := &ResponsesRequest{
		Model:           req.Model,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		Stream:          req.Stream,
		ToolChoice:      req.ToolChoice,
		Input:           []any{},
	}

	var instructions []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			instructions = append(instructions, m.Content.AsString())
		case "user":
			out.Input = append(out.Input, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": responsesContent(m.Content, "input_text"),
			})
		case "assistant":
			if !m.Content.IsEmpty() {
				out.Input = append(out.Input, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": responsesContent(m.Content, "output_text"),
				})
			}
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				})
			}
		case "tool":
			out.Input = append(out.Input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Content.AsString(),
			})
		}
	}
	out.Instructions = strings.Join(instructions, "\n\n")

	if len(req.Tools) > 0 {
		out.Tools = convertResponsesTools(req.Tools)
	}
	return out
}

// responsesContent renders canonical content as responses-dialect typed
// parts.
func responsesContent(c gateway.Content, textType string) []map[string]any {
	if c.Kind != gateway.ContentParts {
		return []map[string]any{{"type": textType, "text": c.AsString()}}
	}
	out := make([]map[string]any, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			out = append(out, map[string]any{"type": textType, "text": p.Text})
		case "image_url":
			if p.ImageURL != nil {
				part := map[string]any{"type": "input_image", "image_url": p.ImageURL.URL}
				if p.ImageURL.Detail != "" {
					part["detail"] = p.ImageURL.Detail
				}
				out = append(out, part)
			}
		}
	}
	return out
}

// convertResponsesTools maps OpenAI function tools to the responses shape.
// Strict is explicitly null, not false.
func convertResponsesTools(tools json.RawMessage) []ResponsesTool {
	var out []ResponsesTool
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			fn = t
		}
		tool := ResponsesTool{
			Type:        "function",
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		out = append(out, tool)
		return true
	})
	return out
}

// FromResponsesOutput converts a responses-dialect result body back into
// chat-completion shape. function_call output items become tool_calls.
func FromResponsesOutput(data []byte) *gateway.ChatResponse {
	root := gjson.ParseBytes(data)

	msg := gateway.Message{Role: "assistant", Content: gateway.Content{Kind: gateway.ContentNull}}
	var text strings.Builder
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, gateway.ToolCall{
				ID:   item.Get("call_id").String(),
				Type: "function",
				Function: gateway.FunctionCall{
					Name:      item.Get("name").String(),
					Arguments: NormalizeArguments(item.Get("arguments")),
				},
			})
		case "output_text":
			text.WriteString(item.Get("text").String())
		}
		return true
	})
	if text.Len() > 0 {
		msg.Content = gateway.TextContent(text.String())
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	resp := &gateway.ChatResponse{
		ID:      root.Get("id").String(),
		Object:  "chat.completion",
		Created: root.Get("created_at").Int(),
		Model:   root.Get("model").String(),
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if u := root.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		resp.Usage = &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return resp
}

// Package translate converts between the three wire dialects the proxy
// speaks: OpenAI chat completions, Anthropic messages, and the upstream
// responses dialect. All translators consume and produce the canonical
// internal form in the gateway package; dialect-specific shapes live only
// here.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// ParseChatRequest normalizes a polymorphic chat-completion payload into the
// canonical envelope. Missing messages fall back to prompt, then input.
func ParseChatRequest(body []byte) (*gateway.ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", gateway.ErrBadRequest)
	}
	root := gjson.ParseBytes(body)

	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("%w: missing model", gateway.ErrBadRequest)
	}

	req := &gateway.ChatRequest{Model: model}
	decodeOptions(root, req)

	msgs := root.Get("messages")
	switch {
	case msgs.Exists() && !msgs.IsArray():
		return nil, fmt.Errorf("%w: messages must be an array", gateway.ErrBadRequest)
	case msgs.Exists():
		parsed, err := parseMessages(msgs)
		if err != nil {
			return nil, err
		}
		req.Messages = parsed
	case root.Get("prompt").Exists():
		req.Messages = []gateway.Message{{
			Role:    "user",
			Content: gateway.TextContent(root.Get("prompt").String()),
		}}
	case root.Get("input").Exists():
		parsed, err := parseInput(root.Get("input"))
		if err != nil {
			return nil, err
		}
		req.Messages = parsed
	default:
		return nil, fmt.Errorf("%w: missing messages", gateway.ErrBadRequest)
	}

	return req, nil
}

// decodeOptions copies the sampling/behavior envelope off the raw payload.
func decodeOptions(root gjson.Result, req *gateway.ChatRequest) {
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	} else if v := root.Get("max_output_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("presence_penalty"); v.Exists() {
		f := v.Float()
		req.PresencePenalty = &f
	}
	if v := root.Get("frequency_penalty"); v.Exists() {
		f := v.Float()
		req.FrequencyPenalty = &f
	}
	if v := root.Get("seed"); v.Exists() {
		n := int(v.Int())
		req.Seed = &n
	}
	req.N = int(root.Get("n").Int())
	req.Stream = root.Get("stream").Bool()
	req.User = root.Get("user").String()
	if v := root.Get("stream_options.include_usage"); v.Exists() {
		req.StreamOptions = &gateway.StreamOptions{IncludeUsage: v.Bool()}
	}
	for key, dst := range map[string]*json.RawMessage{
		"stop":            &req.Stop,
		"logit_bias":      &req.LogitBias,
		"logprobs":        &req.Logprobs,
		"tools":           &req.Tools,
		"tool_choice":     &req.ToolChoice,
		"response_format": &req.ResponseFormat,
	} {
		if v := root.Get(key); v.Exists() {
			*dst = json.RawMessage(v.Raw)
		}
	}
}

// parseMessages normalizes each element of a messages array. One incoming
// message may fan out into several internal messages (tool_result blocks
// become tool-role messages).
func parseMessages(msgs gjson.Result) ([]gateway.Message, error) {
	var out []gateway.Message
	var parseErr error
	msgs.ForEach(func(_, m gjson.Result) bool {
		expanded, err := parseMessage(m)
		if err != nil {
			parseErr = err
			return false
		}
		out = append(out, expanded...)
		return true
	})
	return out, parseErr
}

func parseMessage(m gjson.Result) ([]gateway.Message, error) {
	role := m.Get("role").String()
	if role == "" {
		return nil, fmt.Errorf("%w: message missing role", gateway.ErrBadRequest)
	}

	msg := gateway.Message{
		Role:       role,
		Name:       m.Get("name").String(),
		ToolCallID: m.Get("tool_call_id").String(),
	}

	content, toolCalls, toolMsgs := normalizeContent(m.Get("content"))
	msg.Content = content

	if tc := m.Get("tool_calls"); tc.IsArray() {
		tc.ForEach(func(_, c gjson.Result) bool {
			msg.ToolCalls = append(msg.ToolCalls, parseToolCall(c))
			return true
		})
	}
	// tool_use blocks embedded in assistant content.
	if role == "assistant" {
		msg.ToolCalls = append(msg.ToolCalls, toolCalls...)
	}

	out := []gateway.Message{msg}
	// tool_result blocks embedded in user content become tool-role messages.
	if role == "user" && len(toolMsgs) > 0 {
		if msg.Content.IsEmpty() {
			out = out[:0]
		}
		out = append(out, toolMsgs...)
	}
	return out, nil
}

// parseToolCall reads one tool_calls element, normalizing its arguments to a
// string.
func parseToolCall(c gjson.Result) gateway.ToolCall {
	return gateway.ToolCall{
		ID:   c.Get("id").String(),
		Type: "function",
		Function: gateway.FunctionCall{
			Name:      c.Get("function.name").String(),
			Arguments: NormalizeArguments(c.Get("function.arguments")),
		},
	}
}

// parseInput maps the responses-dialect input field to internal messages:
// a bare string, an object, or an array of typed items.
func parseInput(input gjson.Result) ([]gateway.Message, error) {
	if input.Type == gjson.String {
		return []gateway.Message{{Role: "user", Content: gateway.TextContent(input.String())}}, nil
	}

	items := []gjson.Result{input}
	if input.IsArray() {
		items = input.Array()
	}

	var out []gateway.Message
	for _, item := range items {
		switch item.Get("type").String() {
		case "input_text":
			out = append(out, gateway.Message{Role: "user", Content: gateway.TextContent(item.Get("text").String())})
		case "output_text":
			out = append(out, gateway.Message{Role: "assistant", Content: gateway.TextContent(item.Get("text").String())})
		case "message", "":
			expanded, err := parseMessage(item)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
		default:
			out = append(out, gateway.Message{Role: "user", Content: gateway.TextContent(item.Raw)})
		}
	}
	return out, nil
}

// NormalizeArguments forces a tool call's arguments into a JSON string. A
// non-string value is serialized. A string that fails to parse gets one
// repair pass (escape bare backslashes); if it still fails, the original is
// passed through so the agent loop is not broken worse than it already is.
func NormalizeArguments(args gjson.Result) string {
	if !args.Exists() {
		return "{}"
	}
	if args.Type != gjson.String {
		return args.Raw
	}
	s := args.String()
	if s == "" {
		return "{}"
	}
	if json.Valid([]byte(s)) {
		return s
	}
	if repaired := escapeBareBackslashes(s); json.Valid([]byte(repaired)) {
		return repaired
	}
	return s
}

// escapeBareBackslashes doubles backslashes not followed by a valid JSON
// escape character.
func escapeBareBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && isJSONEscape(s[i+1]) {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func isJSONEscape(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}

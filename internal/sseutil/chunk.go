package sseutil

import (
	"encoding/json"

	gateway "github.com/eugener/shadowfax/internal"
)

// BuildDeltaChunk builds an OpenAI-format streaming chunk JSON.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": NilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildRoleChunk builds the opening chunk of a synthesized stream (role-only
// delta).
func BuildRoleChunk(id, model string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, "")
}

// BuildContentChunk builds a content-delta chunk.
func BuildContentChunk(id, model, content string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{"content": content}, "")
}

// BuildToolCallChunk builds a full tool-call delta chunk (id, name, and
// complete arguments), index-keyed for synthesized streams.
func BuildToolCallChunk(id, model string, index int, call gateway.ToolCall) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": index,
					"id":    call.ID,
					"type":  "function",
					"function": map[string]any{
						"name":      call.Function.Name,
						"arguments": call.Function.Arguments,
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildFinishChunk builds a chunk with an empty delta and finish_reason set.
// Usage is attached when non-nil.
func BuildFinishChunk(id, model, finishReason string, usage *gateway.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	if usage != nil {
		chunk["usage"] = map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		}
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

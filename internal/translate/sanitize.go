package translate

import (
	"encoding/json"

	gateway "github.com/eugener/shadowfax/internal"
)

// applyPatchSchema is the fixed parameter schema substituted for the custom
// apply_patch tool shape, which upstream rejects.
var applyPatchSchema = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"The entire contents of the apply_patch command"}},"required":["input"]}`)

// SanitizeTools rewrites the client tool list into shapes upstream accepts:
// web_search tools are dropped, the custom apply_patch tool becomes a
// function tool with a fixed schema, and every parameter schema is pruned of
// fields upstream chokes on.
func SanitizeTools(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	var list []map[string]any
	if err := json.Unmarshal(tools, &list); err != nil {
		return tools
	}

	out := make([]map[string]any, 0, len(list))
	for _, tool := range list {
		name := toolName(tool)
		if name == "web_search" || asString(tool["type"]) == "web_search" {
			continue
		}
		if asString(tool["type"]) == "custom" && name == "apply_patch" {
			fn := map[string]any{
				"name":       "apply_patch",
				"parameters": applyPatchSchema,
			}
			if d, ok := tool["description"]; ok {
				fn["description"] = d
			}
			out = append(out, map[string]any{"type": "function", "function": fn})
			continue
		}
		if fn, ok := tool["function"].(map[string]any); ok {
			if params, ok := fn["parameters"].(map[string]any); ok {
				fn["parameters"] = PruneSchema(params)
			}
		}
		out = append(out, tool)
	}
	if len(out) == 0 {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return tools
	}
	return data
}

// PruneSchema strips additionalProperties, $schema, and title from a JSON
// schema, recursing through properties, items, anyOf, oneOf, and allOf.
func PruneSchema(schema map[string]any) map[string]any {
	delete(schema, "additionalProperties")
	delete(schema, "$schema")
	delete(schema, "title")

	if props, ok := schema["properties"].(map[string]any); ok {
		for k, v := range props {
			if sub, ok := v.(map[string]any); ok {
				props[k] = PruneSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		schema["items"] = PruneSchema(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		variants, ok := schema[key].([]any)
		if !ok {
			continue
		}
		for i, v := range variants {
			if sub, ok := v.(map[string]any); ok {
				variants[i] = PruneSchema(sub)
			}
		}
	}
	return schema
}

// SanitizeRequest applies the upstream payload rules in place: tool list
// rewriting plus clearing empty tool lists. Content parts are already
// canonical (cache_control and friends are dropped during normalization).
func SanitizeRequest(req *gateway.ChatRequest) {
	req.Tools = SanitizeTools(req.Tools)
	if len(req.Tools) == 0 {
		req.ToolChoice = nil
	}
}

func toolName(tool map[string]any) string {
	if fn, ok := tool["function"].(map[string]any); ok {
		if n := asString(fn["name"]); n != "" {
			return n
		}
	}
	return asString(tool["name"])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

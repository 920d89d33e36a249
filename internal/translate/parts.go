package translate

import (
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// normalizeContent maps a dialect content value (string, null, or array of
// tagged blocks) to the canonical form. Assistant tool_use blocks come back
// as tool calls; user tool_result blocks come back as tool-role messages.
func normalizeContent(content gjson.Result) (gateway.Content, []gateway.ToolCall, []gateway.Message) {
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		return gateway.Content{Kind: gateway.ContentNull}, nil, nil
	case content.Type == gjson.String:
		return gateway.TextContent(content.String()), nil, nil
	case !content.IsArray():
		return gateway.TextContent(content.Raw), nil, nil
	}

	var parts []gateway.Part
	var toolCalls []gateway.ToolCall
	var toolMsgs []gateway.Message

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text", "input_text":
			parts = append(parts, gateway.Part{Type: "text", Text: block.Get("text").String()})
		case "thinking":
			if t := block.Get("thinking"); t.Exists() {
				parts = append(parts, gateway.Part{Type: "text", Text: t.String()})
			}
		case "image_url":
			parts = append(parts, imagePart(block.Get("image_url.url").String(), block.Get("image_url.detail").String()))
		case "input_image":
			if u := block.Get("image_url"); u.Exists() {
				parts = append(parts, imagePart(u.String(), block.Get("detail").String()))
			} else if src := block.Get("source"); src.Exists() {
				parts = append(parts, imagePart(dataURL(src), ""))
			}
		case "image":
			if src := block.Get("source"); src.Exists() {
				parts = append(parts, imagePart(dataURL(src), ""))
			}
		case "tool_use":
			toolCalls = append(toolCalls, gateway.ToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: gateway.FunctionCall{
					Name:      block.Get("name").String(),
					Arguments: NormalizeArguments(block.Get("input")),
				},
			})
		case "tool_result":
			toolMsgs = append(toolMsgs, gateway.Message{
				Role:       "tool",
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    gateway.TextContent(stringifyBlockContent(block.Get("content"))),
			})
		default:
			parts = append(parts, gateway.Part{Type: "text", Text: block.Raw})
		}
		return true
	})

	if len(parts) == 0 {
		return gateway.Content{Kind: gateway.ContentNull}, toolCalls, toolMsgs
	}
	// A pure-text part list collapses to plain string content.
	if len(parts) == 1 && parts[0].Type == "text" {
		return gateway.TextContent(parts[0].Text), toolCalls, toolMsgs
	}
	return gateway.PartsContent(parts), toolCalls, toolMsgs
}

func imagePart(url, detail string) gateway.Part {
	ref := &gateway.ImageRef{URL: url}
	switch detail {
	case "low", "high", "auto":
		ref.Detail = detail
	}
	return gateway.Part{Type: "image_url", ImageURL: ref}
}

// dataURL synthesizes a data URL from an Anthropic base64 image source.
func dataURL(src gjson.Result) string {
	if src.Get("type").String() == "url" {
		return src.Get("url").String()
	}
	return fmt.Sprintf("data:%s;base64,%s", src.Get("media_type").String(), src.Get("data").String())
}

// stringifyBlockContent flattens a tool_result content value (string or
// block list) to plain text.
func stringifyBlockContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var out string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				out += block.Get("text").String()
			} else {
				out += block.Raw
			}
			return true
		})
		return out
	}
	if !content.Exists() {
		return ""
	}
	return content.Raw
}

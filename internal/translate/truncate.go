package translate

import (
	"log/slog"

	gateway "github.com/eugener/shadowfax/internal"
)

// Truncation drops the oldest conversation turns when the estimated prompt
// exceeds the model's budget. The system set and the trailing tool-call turn
// are never dropped, and the sweep afterwards guarantees no dangling
// tool-call references survive.

// minKeptMessages is the truncation floor.
const minKeptMessages = 2

// defaultOutputReserve is the output reservation when the model declares no
// max output tokens.
const defaultOutputReserve = 4096

// EstimateTokens approximates prompt size at four characters per token plus
// a small per-message framing overhead. The proxy carries no tokenizer; the
// estimate only drives truncation.
func EstimateTokens(msgs []gateway.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 // framing
		total += len(m.Content.AsString()) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Function.Name) + len(tc.Function.Arguments)) / 4
		}
	}
	return total
}

// ResolveBudget computes the prompt-token budget from model metadata. Zero
// values mean undeclared; a zero return disables truncation.
func ResolveBudget(maxPromptTokens, contextWindow, maxOutputTokens int) int {
	if maxPromptTokens > 0 {
		return maxPromptTokens
	}
	if contextWindow <= 0 {
		return 0
	}
	tenth := contextWindow / 10
	reserve := max(defaultOutputReserve, tenth)
	if maxOutputTokens > 0 {
		reserve = min(maxOutputTokens, tenth)
	}
	return contextWindow - reserve
}

// TruncateMessages removes the oldest non-system messages until the
// estimate fits the budget. A budget of zero is a no-op. The returned list
// has been orphan-swept.
func TruncateMessages(msgs []gateway.Message, budget int) []gateway.Message {
	if budget <= 0 || EstimateTokens(msgs) <= budget {
		return msgs
	}

	out := make([]gateway.Message, len(msgs))
	copy(out, msgs)

	protected := trailingToolTurn(out)
	for EstimateTokens(out) > budget {
		idx := oldestRemovable(out, protected)
		if idx < 0 {
			break
		}
		removed := 1
		if out[idx].Role == "assistant" && len(out[idx].ToolCalls) > 0 {
			removed += len(toolRepliesOf(out[idx:]))
		}
		out = append(out[:idx], out[idx+removed:]...)
		protected = trailingToolTurn(out)
	}

	out = SweepOrphans(out)
	slog.Debug("truncated prompt", "kept", len(out), "dropped", len(msgs)-len(out), "budget", budget)
	return out
}

// oldestRemovable finds the first message that is not system-set, not inside
// the protected trailing tool turn, and whose removal keeps the floor.
func oldestRemovable(msgs []gateway.Message, protectedFrom int) int {
	if len(msgs) <= minKeptMessages {
		return -1
	}
	for i, m := range msgs {
		if m.Role == "system" || m.Role == "developer" {
			continue
		}
		if i >= protectedFrom {
			return -1
		}
		return i
	}
	return -1
}

// trailingToolTurn returns the index where the most recent tool-call turn
// begins (the last assistant with tool_calls plus its contiguous tool
// replies), or len(msgs) when the conversation does not end in one.
func trailingToolTurn(msgs []gateway.Message) int {
	i := len(msgs) - 1
	for i >= 0 && msgs[i].Role == "tool" {
		i--
	}
	if i >= 0 && msgs[i].Role == "assistant" && len(msgs[i].ToolCalls) > 0 {
		return i
	}
	return len(msgs)
}

// toolRepliesOf counts the tool replies immediately following msgs[0] that
// answer its tool_calls. msgs[0] must be an assistant with tool_calls.
func toolRepliesOf(msgs []gateway.Message) []gateway.Message {
	declared := make(map[string]bool, len(msgs[0].ToolCalls))
	for _, tc := range msgs[0].ToolCalls {
		declared[tc.ID] = true
	}
	var replies []gateway.Message
	for _, m := range msgs[1:] {
		if m.Role != "tool" || !declared[m.ToolCallID] {
			break
		}
		replies = append(replies, m)
	}
	return replies
}

// SweepOrphans drops tool-role messages whose ids no preceding assistant
// declares and strips tool_calls whose replies are missing. An assistant
// message left with neither text nor calls is dropped.
func SweepOrphans(msgs []gateway.Message) []gateway.Message {
	declared := make(map[string]bool)
	pass1 := make([]gateway.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				declared[tc.ID] = true
			}
		}
		if m.Role == "tool" && !declared[m.ToolCallID] {
			continue
		}
		pass1 = append(pass1, m)
	}

	answered := make(map[string]bool)
	for _, m := range pass1 {
		if m.Role == "tool" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]gateway.Message, 0, len(pass1))
	for _, m := range pass1 {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var kept []gateway.ToolCall
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content.IsEmpty() {
				continue
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}

package translate

import (
	gateway "github.com/eugener/shadowfax/internal"
)

// DenormalizeMessages rewrites client-echoed tool-call ids back to upstream
// form across a conversation, then reconciles tool replies with their
// declaring assistant turns so no dangling references go upstream.
func (m *IDMapper) DenormalizeMessages(msgs []gateway.Message) []gateway.Message {
	for i := range msgs {
		for j := range msgs[i].ToolCalls {
			msgs[i].ToolCalls[j].ID = m.Denormalize(msgs[i].ToolCalls[j].ID)
		}
		if msgs[i].ToolCallID != "" {
			msgs[i].ToolCallID = m.Denormalize(msgs[i].ToolCallID)
		}
	}
	return RelinkToolResults(msgs)
}

// NormalizeResponse rewrites upstream tool-call ids in a response to the
// client-safe form.
func (m *IDMapper) NormalizeResponse(resp *gateway.ChatResponse) {
	for i := range resp.Choices {
		for j := range resp.Choices[i].Message.ToolCalls {
			tc := &resp.Choices[i].Message.ToolCalls[j]
			tc.ID = m.Normalize(tc.ID)
		}
	}
}

// RelinkToolResults repairs tool-reply linkage after id denormalization.
// When an assistant turn declares tool_calls and the following contiguous
// run of tool-role messages carries ids that do not match, equal counts mean
// the client echoed stale ids and the run is relinked positionally. Unequal
// counts reconcile by dropping unmatched replies and stripping unanswered
// calls; dangling references send agent clients into retry loops.
func RelinkToolResults(msgs []gateway.Message) []gateway.Message {
	out := make([]gateway.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}

		run := toolRun(msgs[i+1:])
		declared := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			declared[tc.ID] = true
		}
		overlap := 0
		for _, r := range run {
			if declared[r.ToolCallID] {
				overlap++
			}
		}

		switch {
		case overlap == len(run) && len(run) == len(m.ToolCalls):
			// Fully linked.
			out = append(out, m)
			out = append(out, run...)
		case overlap == 0 && len(run) == len(m.ToolCalls):
			// Stale ids, same shape: relink positionally.
			out = append(out, m)
			for k, r := range run {
				r.ToolCallID = m.ToolCalls[k].ID
				out = append(out, r)
			}
		default:
			// Counts differ or partial overlap: keep matched pairs only.
			var kept []gateway.ToolCall
			answered := make(map[string]bool)
			for _, r := range run {
				if declared[r.ToolCallID] {
					answered[r.ToolCallID] = true
				}
			}
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) > 0 || !m.Content.IsEmpty() {
				out = append(out, m)
			}
			for _, r := range run {
				if answered[r.ToolCallID] {
					out = append(out, r)
				}
			}
		}
		i += len(run)
	}
	return out
}

// toolRun returns the leading contiguous tool-role messages.
func toolRun(msgs []gateway.Message) []gateway.Message {
	for i, m := range msgs {
		if m.Role != "tool" {
			return msgs[:i]
		}
	}
	return msgs
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/translate"
)

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := translate.ParseAnthropicRequest(body)
	if err != nil {
		status, typ := errorStatus(err)
		writeError(w, status, typ, err.Error(), "")
		return
	}

	res, err := s.deps.Relay.Chat(r.Context(), req, app.Options{Type: queue.TypeMessage})
	if err != nil {
		writeRelayError(w, err)
		return
	}

	switch {
	case res.Stream != nil:
		s.streamAnthropic(w, r, req.Model, res.Stream)
	case req.Stream:
		s.synthesizeAnthropicStream(w, translate.ToAnthropicResponse(res.Response))
	default:
		writeJSON(w, http.StatusOK, translate.ToAnthropicResponse(res.Response))
	}
}

// anthropicStream translates OpenAI-dialect chunks into the Anthropic
// named-event sequence. Block indices are assigned in arrival order: the text
// block first if any text streams, then one tool_use block per distinct
// tool-call index.
type anthropicStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id    string
	model string

	started   bool
	blockOpen bool
	nextBlock int
	curBlock  int
	toolBlock map[int]int // OpenAI tool-call index -> Anthropic block index
	inText    bool

	outputTokens int
	inputTokens  int
	stopReason   string
}

func (s *server) streamAnthropic(w http.ResponseWriter, r *http.Request, model string, ch <-chan gateway.StreamChunk) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	as := &anthropicStream{
		w:         w,
		flusher:   flusher,
		model:     model,
		toolBlock: make(map[int]int),
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				as.finish()
				return
			}
			switch {
			case chunk.Ping:
				as.ping()

			case chunk.Err != nil:
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				as.fail(chunk.Err)
				return

			case chunk.Done:
				as.finish()
				return

			case len(chunk.Data) > 0:
				as.consume(chunk.Data)
			}

		case <-keepAlive.C:
			as.ping()

		case <-r.Context().Done():
			return
		}
	}
}

func (as *anthropicStream) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode stream event", "event", name, "error", err)
		return
	}
	writeSSEEvent(as.w, name, data)
	as.flusher.Flush()
}

func (as *anthropicStream) ping() {
	as.event("ping", map[string]string{"type": "ping"})
}

// start emits message_start once the response id and model are known.
func (as *anthropicStream) start() {
	if as.started {
		return
	}
	as.started = true
	as.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            as.id,
			"type":          "message",
			"role":          "assistant",
			"model":         as.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  as.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func (as *anthropicStream) closeBlock() {
	if !as.blockOpen {
		return
	}
	as.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": as.curBlock,
	})
	as.blockOpen = false
	as.inText = false
}

func (as *anthropicStream) openTextBlock() {
	if as.blockOpen && as.inText {
		return
	}
	as.closeBlock()
	as.curBlock = as.nextBlock
	as.nextBlock++
	as.blockOpen = true
	as.inText = true
	as.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         as.curBlock,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (as *anthropicStream) openToolBlock(toolIdx int, id, name string) {
	as.closeBlock()
	idx, known := as.toolBlock[toolIdx]
	if !known {
		idx = as.nextBlock
		as.nextBlock++
		as.toolBlock[toolIdx] = idx
		as.curBlock = idx
		as.blockOpen = true
		as.event("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{},
			},
		})
		return
	}
	as.curBlock = idx
	as.blockOpen = true
}

// consume translates one OpenAI chunk into zero or more Anthropic events.
func (as *anthropicStream) consume(data []byte) {
	parsed := gjson.ParseBytes(data)
	if id := parsed.Get("id").String(); id != "" {
		as.id = id
	}
	if m := parsed.Get("model").String(); m != "" {
		as.model = m
	}
	if u := parsed.Get("usage"); u.Exists() {
		as.inputTokens = int(u.Get("prompt_tokens").Int())
		as.outputTokens = int(u.Get("completion_tokens").Int())
	}

	delta := parsed.Get("choices.0.delta")
	if delta.Exists() {
		as.start()

		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			as.openTextBlock()
			as.event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": as.curBlock,
				"delta": map[string]string{"type": "text_delta", "text": text.String()},
			})
		}

		delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			toolIdx := int(call.Get("index").Int())
			as.openToolBlock(toolIdx, call.Get("id").String(), call.Get("function.name").String())
			if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
				as.event("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": as.curBlock,
					"delta": map[string]string{"type": "input_json_delta", "partial_json": args.String()},
				})
			}
			return true
		})
	}

	if fr := parsed.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		as.stopReason = translate.MapFinishReason(fr.String())
	}
}

// finish closes any open block and emits the terminal message_delta and
// message_stop pair.
func (as *anthropicStream) finish() {
	as.start()
	as.closeBlock()
	stop := as.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	as.event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stop,
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": as.outputTokens},
	})
	as.event("message_stop", map[string]string{"type": "message_stop"})
}

// fail surfaces an upstream error as an Anthropic error event, then ends the
// stream cleanly so clients do not hang on a half-open connection.
func (as *anthropicStream) fail(err error) {
	as.event("error", map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errTypeOverloaded,
			"message": err.Error(),
		},
	})
	if as.started {
		as.closeBlock()
		as.stopReason = "end_turn"
		as.finish()
	}
}

// synthesizeAnthropicStream renders a complete Anthropic response as a valid
// event sequence.
func (s *server) synthesizeAnthropicStream(w http.ResponseWriter, resp *translate.AnthropicResponse) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	as := &anthropicStream{
		w:       w,
		flusher: flusher,
		id:      resp.ID,
		model:   resp.Model,
	}
	as.inputTokens = resp.Usage.InputTokens
	as.outputTokens = resp.Usage.OutputTokens
	as.start()

	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			as.event("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			as.event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]string{"type": "text_delta", "text": block.Text},
			})
		case "tool_use":
			as.event("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": i,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    block.ID,
					"name":  block.Name,
					"input": map[string]any{},
				},
			})
			as.event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]string{"type": "input_json_delta", "partial_json": string(block.Input)},
			})
		}
		as.event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": i,
		})
	}

	as.stopReason = resp.StopReason
	as.started = true
	as.blockOpen = false
	as.finish()
}

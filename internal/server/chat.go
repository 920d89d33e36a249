package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/sseutil"
	"github.com/eugener/shadowfax/internal/translate"
)

// maxRequestBody bounds client request bodies (10 MB).
const maxRequestBody = 10 << 20

// keepAliveInterval paces idle-stream keep-alive frames.
const keepAliveInterval = 15 * time.Second

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "unable to read request body", "")
		return nil, false
	}
	return body, true
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := translate.ParseChatRequest(body)
	if err != nil {
		status, typ := errorStatus(err)
		writeError(w, status, typ, err.Error(), "")
		return
	}

	res, err := s.deps.Relay.Chat(r.Context(), req, app.Options{Type: queue.TypeChat})
	if err != nil {
		writeRelayError(w, err)
		return
	}

	switch {
	case res.Stream != nil:
		s.streamOpenAI(w, r, req.Model, res.Stream)
	case req.Stream:
		// Upstream answered in full; synthesize the stream the client asked for.
		s.synthesizeOpenAIStream(w, res.Response)
	default:
		writeJSON(w, http.StatusOK, res.Response)
	}
}

// streamOpenAI forwards an upstream chunk stream as OpenAI SSE frames.
//
// Keep-alives are SSE comments until the first real chunk, then empty-delta
// frames carrying the current response id and model. A mid-stream upstream
// error is shaped into a terminator the client can digest: the finish reason
// is always "stop" (a tool_calls finish after partial deltas would make
// clients execute incomplete arguments), and once tool-call deltas have been
// emitted no content delta is injected.
func (s *server) streamOpenAI(w http.ResponseWriter, r *http.Request, model string, ch <-chan gateway.StreamChunk) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var (
		started     bool
		sawTools    bool
		streamID    string
		streamModel = model
	)

	emitKeepAlive := func() {
		if !started {
			writeSSEKeepAlive(w)
		} else {
			writeSSEData(w, sseutil.BuildDeltaChunk(streamID, streamModel, map[string]any{}, ""))
		}
		flusher.Flush()
	}

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			switch {
			case chunk.Ping:
				emitKeepAlive()

			case chunk.Err != nil:
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				if !sawTools {
					writeSSEData(w, sseutil.BuildContentChunk(streamID, streamModel,
						"\n\n[stream error: "+chunk.Err.Error()+"]"))
				}
				writeSSEData(w, sseutil.BuildFinishChunk(streamID, streamModel, "stop", nil))
				writeSSEDone(w)
				flusher.Flush()
				return

			case chunk.Done:
				writeSSEDone(w)
				flusher.Flush()
				return

			case len(chunk.Data) > 0:
				started = true
				parsed := gjson.ParseBytes(chunk.Data)
				if id := parsed.Get("id").String(); id != "" {
					streamID = id
				}
				if m := parsed.Get("model").String(); m != "" {
					streamModel = m
				}
				if parsed.Get("choices.0.delta.tool_calls").Exists() {
					sawTools = true
				}
				writeSSEData(w, chunk.Data)
				flusher.Flush()
			}

		case <-keepAlive.C:
			emitKeepAlive()

		case <-r.Context().Done():
			// Client went away; emit the sentinel so a half-open reader does
			// not reconnect, and swallow the write error.
			writeSSEDone(w)
			return
		}
	}
}

// synthesizeOpenAIStream renders a complete response as a valid streaming
// sequence: role delta, content delta, tool-call deltas, terminal chunk with
// finish reason and usage, then the sentinel.
func (s *server) synthesizeOpenAIStream(w http.ResponseWriter, resp *gateway.ChatResponse) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	writeSSEData(w, sseutil.BuildRoleChunk(resp.ID, resp.Model))

	finish := "stop"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := choice.Message.Content.AsString(); text != "" {
			writeSSEData(w, sseutil.BuildContentChunk(resp.ID, resp.Model, text))
		}
		for i, call := range choice.Message.ToolCalls {
			writeSSEData(w, sseutil.BuildToolCallChunk(resp.ID, resp.Model, i, call))
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	writeSSEData(w, sseutil.BuildFinishChunk(resp.ID, resp.Model, finish, resp.Usage))
	writeSSEDone(w)
	flusher.Flush()
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/queue"
)

// handleResponses passes the responses dialect through without translation.
// Only model and stream are inspected; the body is forwarded verbatim.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "invalid JSON body", "")
		return
	}
	root := gjson.ParseBytes(body)
	model := root.Get("model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "missing model", "")
		return
	}
	stream := root.Get("stream").Bool()

	res, err := s.deps.Relay.RawResponses(r.Context(), body, model, stream, app.Options{Type: queue.TypeChat})
	if err != nil {
		writeRelayError(w, err)
		return
	}

	if res.Stream == nil {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(res.Raw)
		return
	}

	// Raw event passthrough: upstream frames are re-emitted as received.
	writeSSEHeaders(w)
	flusher, fok := w.(http.Flusher)
	if !fok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-res.Stream:
			if !open {
				return
			}
			switch {
			case chunk.Ping:
				writeSSEKeepAlive(w)
				flusher.Flush()
			case chunk.Err != nil:
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				// Tell the client instead of leaving a silent EOF.
				payload, _ := json.Marshal(map[string]any{
					"type": "error",
					"error": map[string]string{
						"type":    errTypeStream,
						"message": chunk.Err.Error(),
					},
				})
				writeSSEEvent(w, "error", payload)
				writeSSEDone(w)
				flusher.Flush()
				return
			case chunk.Done:
				writeSSEDone(w)
				flusher.Flush()
				return
			case len(chunk.Data) > 0:
				if chunk.Event != "" {
					writeSSEEvent(w, chunk.Event, chunk.Data)
				} else {
					writeSSEData(w, chunk.Data)
				}
				flusher.Flush()
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

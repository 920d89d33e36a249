package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// ReadSSEStream reads SSE lines from resp and sends them as StreamChunks on
// ch. Named events are carried through on StreamChunk.Event so dialect
// handlers can remap them; ping events become keep-alive chunks. The
// standard "[DONE]" sentinel terminates the stream, and usage is extracted
// from the final data chunk when present. The channel is closed when done.
func ReadSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	var pendingEvent string
	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		event, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			pendingEvent = event
			if event == "ping" {
				pendingEvent = ""
				if !send(ctx, ch, gateway.StreamChunk{Ping: true}) {
					return
				}
			}
			continue
		}
		if data == "[DONE]" {
			send(ctx, ch, gateway.StreamChunk{Done: true})
			return
		}

		chunk := gateway.StreamChunk{Event: pendingEvent, Data: []byte(data)}
		pendingEvent = ""
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}
		if !send(ctx, ch, chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("upstream: read stream: %w", err)})
	}
}

// send delivers a chunk unless ctx is cancelled first. Once the consumer
// hangs up nothing more is sent; the deferred close signals the end.
func send(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

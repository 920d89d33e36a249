package sseutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line        string
		event, data string
		ok          bool
	}{
		{"data: hello", "", "hello", true},
		{"data:hello", "", "hello", true},
		{"event: message_start", "message_start", "", true},
		{": keep-alive", "", "", false},
		{"", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tc := range cases {
		event, data, ok := ParseSSELine(tc.line)
		if event != tc.event || data != tc.data || ok != tc.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, event, data, ok, tc.event, tc.data, tc.ok)
		}
	}
}

func TestReadSSEStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: ping\n\n"))
		w.Write([]byte("data: {\"id\":\"c1\"}\n\n"))
		w.Write([]byte("event: message_delta\ndata: {\"id\":\"c2\"}\n\n"))
		w.Write([]byte("data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	ch := make(chan gateway.StreamChunk, 16)
	go ReadSSEStream(context.Background(), resp, ch)

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != 5 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if !chunks[0].Ping {
		t.Error("first chunk should be a ping")
	}
	if gjson.GetBytes(chunks[1].Data, "id").String() != "c1" {
		t.Errorf("chunk 1 data = %s", chunks[1].Data)
	}
	if chunks[2].Event != "message_delta" {
		t.Errorf("chunk 2 event = %q", chunks[2].Event)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 5 {
		t.Errorf("chunk 3 usage = %+v", chunks[3].Usage)
	}
	if !chunks[4].Done {
		t.Error("last chunk should be Done")
	}
}

func TestReadSSEStreamStopsOnCancel(t *testing.T) {
	t.Parallel()

	var body strings.Builder
	for i := range 64 {
		fmt.Fprintf(&body, "data: {\"n\":%d}\n\n", i)
	}
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body.String()))}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan gateway.StreamChunk, 2)
	done := make(chan struct{})
	go func() {
		ReadSSEStream(ctx, resp, ch)
		close(done)
	}()

	// Fill the buffer, then hang up without ever draining it.
	deadline := time.After(2 * time.Second)
	for len(ch) < cap(ch) {
		select {
		case <-deadline:
			t.Fatal("buffer never filled")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader still running after context cancellation")
	}
}

func TestBuildChunks(t *testing.T) {
	t.Parallel()

	role := gjson.ParseBytes(BuildRoleChunk("id1", "m"))
	if role.Get("choices.0.delta.role").String() != "assistant" {
		t.Errorf("role chunk = %s", role.Raw)
	}
	if role.Get("choices.0.finish_reason").Type != gjson.Null {
		t.Errorf("role chunk finish = %s", role.Get("choices.0.finish_reason").Raw)
	}

	content := gjson.ParseBytes(BuildContentChunk("id1", "m", "hi"))
	if content.Get("choices.0.delta.content").String() != "hi" {
		t.Errorf("content chunk = %s", content.Raw)
	}

	tc := gjson.ParseBytes(BuildToolCallChunk("id1", "m", 1, gateway.ToolCall{
		ID: "call_1", Type: "function",
		Function: gateway.FunctionCall{Name: "f", Arguments: "{}"},
	}))
	call := tc.Get("choices.0.delta.tool_calls.0")
	if call.Get("index").Int() != 1 || call.Get("id").String() != "call_1" || call.Get("function.name").String() != "f" {
		t.Errorf("tool chunk = %s", tc.Raw)
	}

	fin := gjson.ParseBytes(BuildFinishChunk("id1", "m", "stop", &gateway.Usage{TotalTokens: 7}))
	if fin.Get("choices.0.finish_reason").String() != "stop" || fin.Get("usage.total_tokens").Int() != 7 {
		t.Errorf("finish chunk = %s", fin.Raw)
	}
}

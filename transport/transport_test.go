package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"otcore/internal/testutil"
	"otcore/model"
	"otcore/provider"
	"otcore/stream"
	"otcore/tools"
)

func collect(t *testing.T, frames <-chan stream.Frame) ([]string, error) {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got, nil
			}
			if f.Err != nil {
				return got, f.Err
			}
			got = append(got, string(f.Data))
		case <-timeout:
			t.Fatal("timed out waiting for frames")
			return got, nil
		}
	}
}

func TestFramePayload(t *testing.T) {
	tests := []struct {
		name    string
		framing provider.Framing
		line    string
		want    string
		ok      bool
	}{
		{"sse data", provider.FramingSSE, `data: {"a":1}`, `{"a":1}`, true},
		{"sse no space", provider.FramingSSE, `data:{"a":1}`, `{"a":1}`, true},
		{"sse event line", provider.FramingSSE, "event: message_start", "", false},
		{"sse comment", provider.FramingSSE, ": keep-alive", "", false},
		{"sse empty data", provider.FramingSSE, "data: ", "", false},
		{"ndjson line", provider.FramingNDJSON, ` {"done":true} `, `{"done":true}`, true},
		{"ndjson blank", provider.FramingNDJSON, "   ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := framePayload(tt.framing, tt.line)
			if got != tt.want || ok != tt.ok {
				t.Errorf("framePayload() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHTTPStreams(t *testing.T) {
	tests := []struct {
		name    string
		framing provider.Framing
		body    string
		want    []string
	}{
		{
			name:    "sse",
			framing: provider.FramingSSE,
			body:    "event: delta\ndata: {\"n\":1}\n\n: ping\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n",
			want:    []string{`{"n":1}`, `{"n":2}`, `[DONE]`},
		},
		{
			name:    "ndjson",
			framing: provider.FramingNDJSON,
			body:    "{\"n\":1}\n\n{\"n\":2}\n",
			want:    []string{`{"n":1}`, `{"n":2}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			tr := NewHTTP(srv.Client(), nil)
			target := provider.Target{Provider: "test", URL: srv.URL, Header: http.Header{"Authorization": {"Bearer k"}}, Framing: tt.framing}
			frames, err := tr.OpenStream(context.Background(), target, "req-1", []byte(`{"q":1}`))
			if err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			got, err := collect(t, frames)
			if err != nil {
				t.Fatalf("stream error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("frames = %q, want %q", got, tt.want)
			}
			if gotAuth != "Bearer k" || gotBody != `{"q":1}` {
				t.Errorf("request auth = %q body = %q", gotAuth, gotBody)
			}
		})
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTP(nil, nil)
	_, err := tr.OpenStream(context.Background(), provider.Target{Provider: "openai", URL: srv.URL}, "r", nil)
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("OpenStream() error = %v, want TransportError", err)
	}
	if te.Status != http.StatusUnauthorized || te.Provider != "openai" || !strings.Contains(te.Error(), "bad key") {
		t.Errorf("TransportError = %+v", te)
	}

	_, err = tr.OpenStream(context.Background(), provider.Target{Provider: "openai", URL: "http://127.0.0.1:1"}, "r2", nil)
	if !errors.As(err, &te) {
		t.Errorf("unreachable host error = %v, want TransportError", err)
	}
}

func TestHTTPErrorBodyAfterHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	_, err := NewHTTP(nil, nil).OpenStream(context.Background(), provider.Target{Provider: "openai", URL: srv.URL}, "r", nil)
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("OpenStream() error = %v, want TransportError", err)
	}
	if !strings.Contains(te.Error(), "invalid api key") {
		t.Errorf("TransportError = %q, want provider message", te.Error())
	}
}

func TestHTTPCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTP(nil, nil)
	frames, err := tr.OpenStream(context.Background(), provider.Target{URL: srv.URL, Framing: provider.FramingSSE}, "req-c", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-frames:
		if string(f.Data) != "first" {
			t.Fatalf("first frame = %q", f.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no first frame")
	}

	tr.Cancel("unknown")
	tr.Cancel("req-c")
	got, err := collect(t, frames)
	if err != nil || len(got) != 0 {
		t.Errorf("after cancel got %q, %v; want a clean close", got, err)
	}
}

func bridgeURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBridgeRoundTrip(t *testing.T) {
	upstream := testutil.NewFakeTransport([]string{"one", "two"}, []string{"three"})
	srv := httptest.NewServer(NewBridgeHandler(upstream, nil))
	defer srv.Close()

	b := NewBridge(bridgeURL(srv), nil)
	defer b.Close()

	target := provider.Target{
		Provider: "ollama",
		URL:      "http://localhost:11434/api/chat",
		Header:   http.Header{"Authorization": {"Bearer k"}},
		Framing:  provider.FramingNDJSON,
	}
	frames, err := b.OpenStream(context.Background(), target, "req-1", []byte(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	got, err := collect(t, frames)
	if err != nil || strings.Join(got, ",") != "one,two" {
		t.Fatalf("frames = %q, %v", got, err)
	}

	// the connection is reused for later requests
	frames, err = b.OpenStream(context.Background(), target, "req-2", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	got, err = collect(t, frames)
	if err != nil || strings.Join(got, ",") != "three" {
		t.Fatalf("second frames = %q, %v", got, err)
	}

	reqs := upstream.Requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream saw %d requests", len(reqs))
	}
	r := reqs[0]
	if r.RequestID != "req-1" || r.Target.URL != target.URL || r.Target.Framing != provider.FramingNDJSON {
		t.Errorf("relayed target = %+v", r)
	}
	if r.Target.Header.Get("Authorization") != "Bearer k" || string(r.Body) != `{"model":"m"}` {
		t.Errorf("relayed header/body = %v %s", r.Target.Header, r.Body)
	}
}

func TestBridgeUpstreamError(t *testing.T) {
	upstream := testutil.NewFakeTransport()
	upstream.OpenErr = &model.TransportError{Provider: "openai", Status: 429, Err: errors.New("slow down")}
	srv := httptest.NewServer(NewBridgeHandler(upstream, nil))
	defer srv.Close()

	b := NewBridge(bridgeURL(srv), nil)
	defer b.Close()

	frames, err := b.OpenStream(context.Background(), provider.Target{Provider: "openai"}, "req-e", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = collect(t, frames)
	var te *model.TransportError
	if !errors.As(err, &te) || te.Status != 429 || !strings.Contains(te.Error(), "slow down") {
		t.Errorf("stream error = %v, want TransportError 429", err)
	}
}

func TestBridgeCancel(t *testing.T) {
	upstream := testutil.NewFakeTransport([]string{"first"})
	upstream.HoldOpen(true)
	srv := httptest.NewServer(NewBridgeHandler(upstream, nil))
	defer srv.Close()

	b := NewBridge(bridgeURL(srv), nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := b.OpenStream(ctx, provider.Target{Provider: "x"}, "req-x", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-frames:
		if string(f.Data) != "first" {
			t.Fatalf("frame = %q", f.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame")
	}

	cancel()
	if _, err := collect(t, frames); err != nil {
		t.Errorf("cancelled stream error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range upstream.Cancelled() {
			if id == "req-x" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("upstream never saw the cancel")
}

func TestBridgeDialFailure(t *testing.T) {
	b := NewBridge("ws://127.0.0.1:1/bridge", nil)
	_, err := b.OpenStream(context.Background(), provider.Target{Provider: "x"}, "r", nil)
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Errorf("OpenStream() error = %v, want TransportError", err)
	}
}

func TestHTTPImageJobs(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer img" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			b, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(b), `"prompt":"a red fox"`) {
				http.Error(w, "missing prompt", http.StatusBadRequest)
				return
			}
			io.WriteString(w, `{"id":"job-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
			if polls.Add(1) < 3 {
				io.WriteString(w, `{"status":"running"}`)
				return
			}
			io.WriteString(w, `{"status":"succeeded","result":{"url":"https://img.example/1.png"}}`)
		case r.URL.Path == "/jobs/bad":
			io.WriteString(w, `{"status":"failed","error":"nsfw"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	jobs := NewHTTPImageJobs(srv.URL+"/", "img", nil)
	ctx := context.Background()

	st, err := jobs.Status(ctx, "bad")
	if err != nil || st.State != tools.JobFailed || st.Error != "nsfw" {
		t.Errorf("Status(bad) = %+v, %v", st, err)
	}

	policy := tools.PollPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: 10, Timeout: 5 * time.Second}
	gen := tools.NewGenerateImageTool(jobs, policy, "")
	out, err := gen.Execute(ctx, map[string]any{"prompt": "a red fox"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res := out.(map[string]string)
	if res["job_id"] != "job-1" || res["result_url"] != "https://img.example/1.png" {
		t.Errorf("Execute() = %v", res)
	}
	if polls.Load() != 3 {
		t.Errorf("polled %d times, want 3", polls.Load())
	}

	_, err = NewHTTPImageJobs(srv.URL, "wrong", nil).Submit(ctx, tools.ImageRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), fmt.Sprint(http.StatusUnauthorized)) {
		t.Errorf("Submit() with a bad key error = %v", err)
	}
}

func TestJobState(t *testing.T) {
	tests := map[string]tools.JobState{
		"succeeded": tools.JobSucceeded,
		"COMPLETED": tools.JobSucceeded,
		"failed":    tools.JobFailed,
		"canceled":  tools.JobFailed,
		"queued":    tools.JobPending,
		"rendering": tools.JobRunning,
	}
	for in, want := range tests {
		if got := jobState(in); got != want {
			t.Errorf("jobState(%q) = %q, want %q", in, got, want)
		}
	}
}

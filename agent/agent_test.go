package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/history"
	"otcore/internal/testutil"
	"otcore/model"
	"otcore/provider"
	"otcore/storage"
	"otcore/stream"
	"otcore/tools"
)

func newRouter(t *testing.T) *tools.Router {
	t.Helper()
	plugins := tools.NewStaticBackend(tools.KindPlugin)
	plugins.Add("web", mcptypes.NewTool("fetch",
		mcptypes.WithDescription("Fetch a URL"),
		mcptypes.WithString("url", mcptypes.Required()),
	), func(ctx context.Context, args map[string]any) (any, error) {
		return "fetched " + args["url"].(string), nil
	})

	r := tools.NewRouter(tools.Options{})
	r.Register(tools.KindPlugin, plugins)
	return r
}

func newController(t *testing.T, streamer Streamer, router Dispatcher, opts Options) *Controller {
	t.Helper()
	hist := history.New(storage.NewMemoryStore(), "You are helpful.", history.Options{})
	return New(Deps{Model: streamer, Router: router, History: hist}, opts)
}

func fetchCall(id, url string) model.ToolCall {
	return model.ToolCall{ID: id, Name: "fetch__plugin-web", Arguments: `{"url":"` + url + `"}`}
}

func roles(msgs []model.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return strings.Join(out, ",")
}

func TestReActAnswerWithoutTools(t *testing.T) {
	streamer := testutil.NewFakeStreamer(testutil.Turn{Content: "Hello there."})
	ctrl := newController(t, streamer, newRouter(t), Options{})

	msg, err := ctrl.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if msg.Content != "Hello there." {
		t.Errorf("Chat() = %q, want %q", msg.Content, "Hello there.")
	}

	reqs := streamer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "fetch__plugin-web" {
		t.Errorf("tools = %+v, want fetch__plugin-web", reqs[0].Tools)
	}
	if got := roles(reqs[0].Messages); got != "system,user" {
		t.Errorf("request roles = %s, want system,user", got)
	}

	last := ctrl.LastRun()
	if last.Iteration != 1 || last.CapReached || last.State != StateDone {
		t.Errorf("LastRun() = %+v", last)
	}
	if got := roles(ctrl.History().Messages()); got != "user,assistant" {
		t.Errorf("history roles = %s", got)
	}
}

func TestReActToolResultsInOrder(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Content: "Fetching both.", ToolCalls: []model.ToolCall{fetchCall("c1", "a"), fetchCall("c2", "b")}},
		testutil.Turn{Content: "Both fetched."},
	)
	var events []Event
	ctrl := newController(t, streamer, newRouter(t), Options{OnEvent: func(e Event) { events = append(events, e) }})

	msg, err := ctrl.Chat(context.Background(), "fetch a and b")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if msg.Content != "Both fetched." {
		t.Errorf("Chat() = %q", msg.Content)
	}

	msgs := ctrl.History().Messages()
	if got := roles(msgs); got != "user,assistant,tool,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	if len(msgs[1].ToolCalls) != 2 {
		t.Errorf("assistant tool calls = %d, want 2", len(msgs[1].ToolCalls))
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != "fetched a" {
		t.Errorf("first tool message = %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "c2" || msgs[3].Content != "fetched b" {
		t.Errorf("second tool message = %+v", msgs[3])
	}

	reqs := streamer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if got := roles(reqs[1].Messages); got != "system,user,assistant,tool,tool" {
		t.Errorf("second request roles = %s", got)
	}
	if ctrl.LastRun().Iteration != 2 {
		t.Errorf("iterations = %d, want 2", ctrl.LastRun().Iteration)
	}

	var calls, results int
	for _, e := range events {
		switch e.Kind {
		case EventToolCall:
			calls++
			if e.Purpose != "Fetching both" {
				t.Errorf("purpose = %q", e.Purpose)
			}
		case EventToolResult:
			results++
		}
	}
	if calls != 2 || results != 2 {
		t.Errorf("tool events = %d calls, %d results", calls, results)
	}
}

func TestReActIterationCap(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{ToolCalls: []model.ToolCall{fetchCall("c1", "a")}},
		testutil.Turn{Content: "Here is what I found.", ToolCalls: []model.ToolCall{fetchCall("c2", "b")}},
	)
	ctrl := newController(t, streamer, newRouter(t), Options{MaxIterations: 1})

	msg, err := ctrl.Chat(context.Background(), "fetch a")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if msg.Content != "Here is what I found." || len(msg.ToolCalls) != 0 {
		t.Errorf("final = %+v, want text without tool calls", msg)
	}

	reqs := streamer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) == 0 {
		t.Error("first request should offer tools")
	}
	if len(reqs[1].Tools) != 0 {
		t.Errorf("forced final request offered %d tools", len(reqs[1].Tools))
	}

	last := ctrl.LastRun()
	if !last.CapReached || last.Iteration != 1 {
		t.Errorf("LastRun() = %+v, want cap reached after 1 iteration", last)
	}
}

func TestReActStreamError(t *testing.T) {
	boom := errors.New("boom")
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Err: boom},
		testutil.Turn{Content: "The provider rejected the request."},
	)
	var errEvents int
	ctrl := newController(t, streamer, newRouter(t), Options{OnEvent: func(e Event) {
		if e.Kind == EventError {
			errEvents++
		}
	}})

	_, err := ctrl.Chat(context.Background(), "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("Chat() error = %v, want boom", err)
	}
	if errEvents != 1 {
		t.Errorf("error events = %d, want 1", errEvents)
	}

	msgs := ctrl.History().Messages()
	if got := roles(msgs); got != "user,assistant,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	if !msgs[1].IsError() || !strings.Contains(msgs[1].Content, "boom") {
		t.Errorf("error record = %+v", msgs[1])
	}
	if msgs[2].IsError() || msgs[2].Content != "The provider rejected the request." {
		t.Errorf("diagnostic = %+v", msgs[2])
	}

	reqs := streamer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	diag := reqs[1]
	if len(diag.Tools) != 0 {
		t.Error("diagnostic turn should not offer tools")
	}
	if got := roles(diag.Messages); got != "system,user,user" {
		t.Errorf("diagnostic request roles = %s, error record must be excluded", got)
	}
	if lastMsg := diag.Messages[len(diag.Messages)-1]; !strings.Contains(lastMsg.Content, "boom") {
		t.Errorf("diagnostic prompt = %q", lastMsg.Content)
	}
}

func TestStopDuringToolCalls(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{ToolCalls: []model.ToolCall{fetchCall("c1", "a")}},
	)
	var ctrl *Controller
	ctrl = newController(t, streamer, newRouter(t), Options{OnEvent: func(e Event) {
		if e.Kind == EventToolCall {
			ctrl.Stop()
		}
	}})

	_, err := ctrl.Chat(context.Background(), "fetch a")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Chat() error = %v, want ErrStopped", err)
	}
	if streamer.Stops() != 1 {
		t.Errorf("streamer stops = %d, want 1", streamer.Stops())
	}
	if len(streamer.Requests()) != 1 {
		t.Errorf("requests = %d, want 1", len(streamer.Requests()))
	}

	msgs := ctrl.History().Messages()
	if got := roles(msgs); got != "user,assistant,tool" {
		t.Fatalf("history roles = %s", got)
	}
	if msgs[2].ToolCallID != "c1" || !strings.Contains(msgs[2].Content, "cancelled") {
		t.Errorf("unanswered call = %+v", msgs[2])
	}
	if ctrl.State().Running {
		t.Error("state should not be running after stop")
	}
}

func TestChatCancelledContext(t *testing.T) {
	streamer := testutil.NewFakeStreamer()
	ctrl := newController(t, streamer, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ctrl.Chat(ctx, "hi"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Chat() error = %v, want ErrStopped", err)
	}
	if len(streamer.Requests()) != 0 {
		t.Errorf("requests = %d, want 0", len(streamer.Requests()))
	}
}

func TestStopWhenIdle(t *testing.T) {
	streamer := testutil.NewFakeStreamer()
	ctrl := newController(t, streamer, nil, Options{})
	ctrl.Stop()
	if ctrl.State().Running {
		t.Error("idle controller reports running")
	}
}

func TestNilRouterDropsToolCalls(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Content: "Let me look.", ToolCalls: []model.ToolCall{fetchCall("c1", "a")}},
	)
	ctrl := newController(t, streamer, nil, Options{})

	msg, err := ctrl.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(msg.ToolCalls) != 0 || msg.Content != "Let me look." {
		t.Errorf("final = %+v", msg)
	}
	if reqs := streamer.Requests(); len(reqs) != 1 || len(reqs[0].Tools) != 0 {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestPlanMode(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Content: "1. Find the file\n2. Summarize it"},
		testutil.Turn{Content: "Found notes.txt."},
		testutil.Turn{Content: "Completed successfully."},
		testutil.Turn{Content: "Nothing to summarize."},
		testutil.Turn{Content: "The step failed because the file was empty."},
		testutil.Turn{Content: "The file exists but is empty."},
	)
	var planEvents int
	ctrl := newController(t, streamer, newRouter(t), Options{Mode: ModePlan, OnEvent: func(e Event) {
		if e.Kind == EventPlan {
			planEvents++
		}
	}})

	msg, err := ctrl.Chat(context.Background(), "summarize notes.txt")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if msg.Content != "The file exists but is empty." {
		t.Errorf("Chat() = %q", msg.Content)
	}

	last := ctrl.LastRun()
	if len(last.Plan) != 2 {
		t.Fatalf("plan = %+v", last.Plan)
	}
	if last.Plan[0].Title != "Find the file" || !last.Plan[0].Done || last.Plan[0].Result != "Found notes.txt." {
		t.Errorf("step 1 = %+v", last.Plan[0])
	}
	if !last.Plan[1].Failed || last.Plan[1].Done {
		t.Errorf("step 2 = %+v", last.Plan[1])
	}
	if last.Iteration != 2 || last.CapReached {
		t.Errorf("LastRun() = %+v", last)
	}
	if planEvents != 3 {
		t.Errorf("plan events = %d, want 3", planEvents)
	}

	reqs := streamer.Requests()
	if len(reqs) != 6 {
		t.Fatalf("requests = %d, want 6", len(reqs))
	}
	for i, withTools := range []bool{false, true, false, true, false, false} {
		if got := len(reqs[i].Tools) > 0; got != withTools {
			t.Errorf("request %d offers tools = %v, want %v", i, got, withTools)
		}
	}
	summary := reqs[5].Messages[len(reqs[5].Messages)-1].Content
	for _, want := range []string{"1. [done] Find the file", "2. [failed] Summarize it"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary prompt missing %q:\n%s", want, summary)
		}
	}

	for _, m := range ctrl.History().Messages() {
		if m.Role == model.RoleUser && m.Content != "summarize notes.txt" {
			t.Errorf("instruction stored in history: %q", m.Content)
		}
	}
}

// stoppingStreamer calls stop once the given call has streamed its result.
type stoppingStreamer struct {
	*testutil.FakeStreamer
	after int
	calls int
	stop  func()
}

func (s *stoppingStreamer) Stream(ctx context.Context, req provider.Request, h stream.Handler) (stream.Result, error) {
	res, err := s.FakeStreamer.Stream(ctx, req, h)
	s.calls++
	if s.calls == s.after {
		s.stop()
	}
	return res, err
}

func TestPlanModeStopBetweenTurns(t *testing.T) {
	for _, after := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("after call %d", after), func(t *testing.T) {
			fake := testutil.NewFakeStreamer(
				testutil.Turn{Content: "1. Find the file\n2. Summarize it"},
				testutil.Turn{Content: "Found notes.txt."},
				testutil.Turn{Content: "Completed successfully."},
				testutil.Turn{Content: "Summarized."},
				testutil.Turn{Content: "Completed successfully."},
				testutil.Turn{Content: "Done."},
			)
			var ctrl *Controller
			streamer := &stoppingStreamer{FakeStreamer: fake, after: after, stop: func() { ctrl.Stop() }}
			ctrl = newController(t, streamer, newRouter(t), Options{Mode: ModePlan})

			_, err := ctrl.Chat(context.Background(), "summarize notes.txt")
			if !errors.Is(err, ErrStopped) {
				t.Fatalf("Chat() error = %v, want ErrStopped", err)
			}
			if ctrl.State().Running {
				t.Error("state should not be running after stop")
			}
		})
	}
}

func TestPlanModeCap(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Content: "- first\n- second"},
		testutil.Turn{Content: "did first"},
		testutil.Turn{Content: "Done."},
		testutil.Turn{Content: "Only the first step ran."},
	)
	ctrl := newController(t, streamer, newRouter(t), Options{Mode: ModePlan, MaxIterations: 1})

	msg, err := ctrl.Chat(context.Background(), "do two things")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if msg.Content != "Only the first step ran." {
		t.Errorf("Chat() = %q", msg.Content)
	}

	last := ctrl.LastRun()
	if !last.CapReached {
		t.Error("cap should be reached")
	}
	if !last.Plan[0].Done || last.Plan[1].Done || last.Plan[1].Failed {
		t.Errorf("plan = %+v", last.Plan)
	}

	reqs := streamer.Requests()
	if len(reqs) != 4 {
		t.Fatalf("requests = %d, want 4", len(reqs))
	}
	summary := reqs[3].Messages[len(reqs[3].Messages)-1].Content
	if !strings.Contains(summary, "step limit") || !strings.Contains(summary, "[pending] second") {
		t.Errorf("summary prompt = %q", summary)
	}
}

func TestPlanModeCapOnLastStep(t *testing.T) {
	streamer := testutil.NewFakeStreamer(
		testutil.Turn{Content: "1. only step"},
		testutil.Turn{Content: "did it"},
		testutil.Turn{Content: "Done."},
		testutil.Turn{Content: "All done."},
	)
	ctrl := newController(t, streamer, newRouter(t), Options{Mode: ModePlan, MaxIterations: 1})

	if _, err := ctrl.Chat(context.Background(), "one thing"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if ctrl.LastRun().CapReached {
		t.Error("finishing the last step at the cap is not a cap stop")
	}
}

func TestParseSteps(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"numbered", "1. Read\n2) Write", []string{"Read", "Write"}},
		{"bullets", "Plan:\n- **Read**\n* Write\n• Test", []string{"Read", "Write", "Test"}},
		{"no list", "  Just do it  ", []string{"Just do it"}},
		{"empty", "  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSteps(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("parseSteps() = %+v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].Title != tt.want[i] {
					t.Errorf("step %d = %q, want %q", i, got[i].Title, tt.want[i])
				}
			}
		})
	}
}

func TestEvaluationFailed(t *testing.T) {
	tests := map[string]bool{
		"The step was completed.":        false,
		"It FAILED to open the file.":    true,
		"An error occurred.":             true,
		"No errors, the step succeeded.": true,
	}
	for text, want := range tests {
		if got := evaluationFailed(text); got != want {
			t.Errorf("evaluationFailed(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestCleanLeakedToolCalls(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "  hello  ", "  hello  "},
		{"json object", `Sure. {"name": "search", "arguments": {"q": "go"}}`, "Sure."},
		{"json array", `[{"name": "search", "parameters": {"q": "go"}}] done`, "done"},
		{"xml", "<tool_call><name>x</name><arguments>{}</arguments></tool_call>", ""},
		{"qwen xml", "ok <function=x><parameter=a>1</parameter></function></tool_call>", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanLeakedToolCalls(tt.in); got != tt.want {
				t.Errorf("cleanLeakedToolCalls() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPurpose(t *testing.T) {
	tests := []struct {
		name      string
		reasoning string
		call      model.ToolCall
		want      string
	}{
		{"first sentence", "I will search the web. Then summarize.", fetchCall("c", "x"), "I will search the web"},
		{"from arguments", "", fetchCall("c", "example.com"), "url: example.com"},
		{"tool name", "", model.ToolCall{Name: "list__plugin-fs", Arguments: "{}"}, "Execute list"},
		{"builtin", "", model.ToolCall{Name: "generate_image", Arguments: "{}"}, "Execute generate_image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := purpose(tt.reasoning, tt.call); got != tt.want {
				t.Errorf("purpose() = %q, want %q", got, tt.want)
			}
		})
	}
}

package ui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"otcore/agent"
	"otcore/history"
	"otcore/internal/testutil"
	"otcore/model"
	"otcore/storage"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  string
	}{
		{"short", "hello", 20, "hello"},
		{"collapses whitespace", "a\n\n  b\tc", 20, "a b c"},
		{"truncates", "abcdefghij", 8, "abcde..."},
		{"wide runes", "日本語テキスト", 9, "日本語..."},
		{"no limit", "abcdefghij", 0, "abcdefghij"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.text, tt.width); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatFooter(t *testing.T) {
	got := FormatFooter("Enter", "Send", "Esc")
	if !strings.HasPrefix(got, "Enter ") || !strings.Contains(got, "Send") || strings.Contains(got, "Esc") {
		t.Errorf("FormatFooter() = %q", got)
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown("# Title\n\nSome **bold** text and https://example.com", 60)
	for _, want := range []string{"Title", "bold", "example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestFrameCodeBlocks(t *testing.T) {
	in := "before\n" + codeBar + " x := 1\n" + codeBar + " y := 2\nafter"
	out := frameCodeBlocks(in, 30)
	if strings.Contains(out, codeBar) {
		t.Errorf("bar left in output:\n%s", out)
	}
	for _, want := range []string{"[code]", "x := 1", "y := 2", "after"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderMessage(t *testing.T) {
	errRecord := model.NewMessage(model.RoleAssistant, "Error: boom")
	errRecord.Type = model.TypeError
	call := model.NewMessage(model.RoleAssistant, "")
	call.ToolCalls = []model.ToolCall{{ID: "c1", Name: "search__kb-docs", Arguments: `{"query":"go"}`}}

	tests := []struct {
		name string
		msg  model.Message
		want []string
	}{
		{"user", model.NewMessage(model.RoleUser, "hi there"), []string{"You", "hi there"}},
		{"assistant", model.NewMessage(model.RoleAssistant, "answer"), []string{"Assistant", "answer"}},
		{"tool call", call, []string{"search__kb-docs", "query"}},
		{"tool result", model.NewToolMessage("c1", "result\ntext"), []string{"result text"}},
		{"error", errRecord, []string{"Error", "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := RenderMessage(tt.msg, 80)
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("RenderMessage() missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestRenderPlan(t *testing.T) {
	out := RenderPlan([]agent.Step{{Title: "read", Done: true}, {Title: "write", Failed: true}, {Title: "test"}})
	for _, want := range []string{"1. read", "2. write", "3. test", "[ ]"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderPlan() missing %q:\n%s", want, out)
		}
	}
}

func newTestREPL(t *testing.T, turns ...testutil.Turn) (*REPL, *testutil.FakeStreamer) {
	t.Helper()
	streamer := testutil.NewFakeStreamer(turns...)
	sink := NewSink()
	t.Cleanup(sink.Close)
	hist := history.New(storage.NewMemoryStore(), "", history.Options{})
	ctrl := agent.New(agent.Deps{Model: streamer, History: hist}, agent.Options{OnEvent: sink.Send})
	return NewREPL(context.Background(), ctrl, sink), streamer
}

func TestREPLSubmit(t *testing.T) {
	r, streamer := newTestREPL(t, testutil.Turn{Content: "Hi!"})

	r.input.SetValue("hello")
	_, cmd := r.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil || !r.busy {
		t.Fatal("Enter should start a run")
	}
	if r.input.Value() != "" {
		t.Errorf("input not reset: %q", r.input.Value())
	}

	// run the chat directly; its events and the done message queue in the sink
	final, err := r.ctrl.Chat(context.Background(), "hello")
	if err != nil || final.Content != "Hi!" {
		t.Fatalf("Chat() = %+v, %v", final, err)
	}
	if len(streamer.Requests()) != 1 {
		t.Errorf("requests = %d", len(streamer.Requests()))
	}

	r.Update(eventMsg{event: agent.Event{Kind: agent.EventContent, Content: "Hi"}})
	if got := r.streaming.String(); got != "Hi" {
		t.Errorf("streaming = %q", got)
	}
	if !strings.Contains(r.View(), "Hi") {
		t.Errorf("View() should show streamed text:\n%s", r.View())
	}

	r.Update(doneMsg{final: final})
	if r.busy || r.streaming.Len() != 0 {
		t.Errorf("after done: busy=%v streaming=%q", r.busy, r.streaming.String())
	}
}

func TestREPLIgnoresEmptyAndBusyInput(t *testing.T) {
	r, _ := newTestREPL(t)

	r.input.SetValue("   ")
	if _, cmd := r.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil || r.busy {
		t.Error("blank input should do nothing")
	}

	r.busy = true
	r.input.SetValue("again")
	if _, cmd := r.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("input while busy should be ignored")
	}
}

func TestREPLCommands(t *testing.T) {
	r, _ := newTestREPL(t)
	if _, err := r.ctrl.History().Push(context.Background(), model.NewMessage(model.RoleUser, "old")); err != nil {
		t.Fatal(err)
	}

	r.input.SetValue("/clear")
	r.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if n := len(r.ctrl.History().Messages()); n != 0 {
		t.Errorf("messages after /clear = %d", n)
	}
	if r.busy {
		t.Error("/clear should not start a run")
	}

	r.input.SetValue("/quit")
	_, cmd := r.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("/quit should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("/quit should quit")
	}
	select {
	case <-r.sink.done:
	default:
		t.Error("/quit should close the sink")
	}
}

func TestREPLFinishStates(t *testing.T) {
	r, _ := newTestREPL(t)

	r.busy = true
	r.Update(doneMsg{err: agent.ErrStopped})
	if r.busy {
		t.Error("stopped run should clear busy")
	}

	r.busy = true
	r.streaming.WriteString("partial")
	r.Update(doneMsg{err: errors.New("boom")})
	if r.busy || r.streaming.Len() != 0 {
		t.Error("failed run should clear state")
	}
}

func TestSinkCloseUnblocksSend(t *testing.T) {
	s := &Sink{ch: make(chan tea.Msg), done: make(chan struct{})}
	s.Close()
	s.Send(agent.Event{Kind: agent.EventContent, Content: "x"})
	s.Close()
}

func TestStatusText(t *testing.T) {
	tests := map[agent.State]string{
		agent.StateThinkAct:     "thinking",
		agent.StateObserve:      "running tools",
		agent.StatePlan:         "planning",
		agent.StateEvaluateStep: "checking the step",
		agent.StateSummarize:    "summarizing",
		agent.StateDone:         "done",
	}
	for state, want := range tests {
		if got := statusText(state); got != want {
			t.Errorf("statusText(%s) = %q, want %q", state, got, want)
		}
	}
}

func TestPassphrasePrompt(t *testing.T) {
	p := NewPassphrasePrompt("~/.ssh/id_ed25519")

	m, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	p = m.(PassphrasePrompt)
	if cmd != nil || p.err == "" {
		t.Error("empty passphrase should be rejected without quitting")
	}

	p.input.SetValue("secret")
	m, cmd = p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	p = m.(PassphrasePrompt)
	if cmd == nil || p.Passphrase() != "secret" {
		t.Errorf("Passphrase() = %q", p.Passphrase())
	}
	if !strings.Contains(p.View(), "id_ed25519") {
		t.Errorf("View() should name the key:\n%s", p.View())
	}

	m, _ = p.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if got := m.(PassphrasePrompt).Passphrase(); got != "" {
		t.Errorf("cancelled prompt returned %q", got)
	}
}

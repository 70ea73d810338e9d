// Package ui is the terminal front end: markdown rendering of transcripts
// and an interactive chat loop driven by agent events.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"otcore/agent"
	"otcore/model"
)

// Sink carries controller events into the program. Pass Send as the
// controller's OnEvent.
type Sink struct {
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once
}

func NewSink() *Sink {
	return &Sink{ch: make(chan tea.Msg, 256), done: make(chan struct{})}
}

// Send delivers e, blocking until the program reads it or the sink closes.
func (s *Sink) Send(e agent.Event) {
	s.put(eventMsg{event: e})
}

func (s *Sink) put(msg tea.Msg) {
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

// Close releases a controller blocked in Send.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

type eventMsg struct {
	event agent.Event
}

// doneMsg travels through the sink behind the run's events, so it is
// always handled after them.
type doneMsg struct {
	final model.Message
	err   error
}

// REPL is the interactive chat program.
type REPL struct {
	ctx  context.Context
	ctrl *agent.Controller
	sink *Sink

	input   textinput.Model
	spinner spinner.Model
	width   int

	busy      bool
	status    string
	streaming strings.Builder
}

// NewREPL returns the program model. ctrl must have been built with
// sink.Send as its OnEvent.
func NewREPL(ctx context.Context, ctrl *agent.Controller, sink *Sink) *REPL {
	in := textinput.New()
	in.Placeholder = "Ask anything, /help for commands"
	in.Prompt = "› "
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = AssistantStyle

	return &REPL{ctx: ctx, ctrl: ctrl, sink: sink, input: in, spinner: sp, width: 80}
}

// Run starts the program and returns when the user quits.
func Run(ctx context.Context, ctrl *agent.Controller, sink *Sink) error {
	defer sink.Close()
	_, err := tea.NewProgram(NewREPL(ctx, ctrl, sink), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *REPL) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, r.wait())
}

func (r *REPL) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-r.sink.ch:
			return msg
		case <-r.sink.done:
			return nil
		}
	}
}

func (r *REPL) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.input.Width = msg.Width - 4
		return r, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if r.busy {
				r.ctrl.Stop()
			}
			r.sink.Close()
			return r, tea.Quit
		case tea.KeyEsc:
			if r.busy {
				r.ctrl.Stop()
				r.status = "stopping"
			}
			return r, nil
		case tea.KeyEnter:
			return r, r.submit()
		}

	case eventMsg:
		return r, tea.Sequence(r.handleEvent(msg.event), r.wait())

	case doneMsg:
		return r, tea.Sequence(r.finish(msg), r.wait())

	case spinner.TickMsg:
		if !r.busy {
			return r, nil
		}
		var cmd tea.Cmd
		r.spinner, cmd = r.spinner.Update(msg)
		return r, cmd
	}

	var cmd tea.Cmd
	r.input, cmd = r.input.Update(msg)
	return r, cmd
}

const helpText = `Commands:
  /help    show this help
  /clear   forget the conversation so far
  /quit    exit
Keys: Enter sends, Esc stops the running answer, Ctrl+C quits.`

func (r *REPL) submit() tea.Cmd {
	if r.busy {
		return nil
	}
	text := strings.TrimSpace(r.input.Value())
	if text == "" {
		return nil
	}
	r.input.Reset()

	switch text {
	case "/quit", "/exit":
		r.sink.Close()
		return tea.Quit
	case "/help":
		return tea.Println(DimStyle.Render(helpText))
	case "/clear":
		if err := r.ctrl.History().Clear(r.ctx); err != nil {
			return tea.Println(ErrorStyle.Render("clear failed: " + err.Error()))
		}
		return tea.Println(DimStyle.Render("Conversation cleared."))
	}

	r.busy = true
	r.status = "thinking"
	r.streaming.Reset()

	ctx, ctrl, sink := r.ctx, r.ctrl, r.sink
	run := func() tea.Msg {
		final, err := ctrl.Chat(ctx, text)
		sink.put(doneMsg{final: final, err: err})
		return nil
	}
	echo := tea.Println(RenderMessage(model.NewMessage(model.RoleUser, text), r.width) + "\n")
	return tea.Batch(echo, run, r.spinner.Tick)
}

// flush prints the text streamed so far as a finished block.
func (r *REPL) flush() tea.Cmd {
	text := strings.TrimSpace(r.streaming.String())
	r.streaming.Reset()
	if text == "" {
		return nil
	}
	return tea.Println(AssistantStyle.Render("Assistant") + "\n" + RenderMarkdown(text, r.width) + "\n")
}

func (r *REPL) handleEvent(e agent.Event) tea.Cmd {
	switch e.Kind {
	case agent.EventContent:
		r.streaming.WriteString(e.Content)
		return nil
	case agent.EventState:
		r.status = statusText(e.State)
		return r.flush()
	case agent.EventToolCall:
		r.status = "running " + e.Tool
		line := ToolStyle.Render("→ "+e.Purpose) + " " + DimStyle.Render("("+e.Tool+")")
		return tea.Sequence(r.flush(), tea.Println(line))
	case agent.EventToolResult:
		style := DimStyle
		if e.Failed {
			style = ErrorStyle
		}
		return tea.Println(ToolStyle.Render("← ") + style.Render(Preview(e.Content, r.width-4)))
	case agent.EventPlan:
		return tea.Sequence(r.flush(), tea.Println(RenderPlan(e.Plan)+"\n"))
	case agent.EventError:
		return tea.Sequence(r.flush(), tea.Println(ErrorStyle.Render("Error: "+e.Content)))
	}
	return nil
}

func (r *REPL) finish(msg doneMsg) tea.Cmd {
	r.busy = false
	r.status = ""
	cmds := []tea.Cmd{r.flush()}

	switch {
	case errors.Is(msg.err, agent.ErrStopped):
		cmds = append(cmds, tea.Println(DimStyle.Render("Stopped.")))
	case msg.err != nil:
		// already shown by the error event
	case r.ctrl.LastRun().CapReached:
		cmds = append(cmds, tea.Println(ToolStyle.Render("Iteration limit reached, the answer may be incomplete.")))
	}
	return tea.Sequence(cmds...)
}

func statusText(s agent.State) string {
	switch s {
	case agent.StateThinkAct, agent.StateExecuteStep:
		return "thinking"
	case agent.StateObserve:
		return "running tools"
	case agent.StatePlan:
		return "planning"
	case agent.StateEvaluateStep, agent.StateUpdateStatus:
		return "checking the step"
	case agent.StateSummarize:
		return "summarizing"
	}
	return strings.ToLower(string(s))
}

func (r *REPL) View() string {
	var b strings.Builder
	if r.busy {
		if text := r.streaming.String(); text != "" {
			b.WriteString(tail(text, 12))
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s %s\n", r.spinner.View(), StatusStyle.Render(r.status))
	}
	b.WriteString(r.input.View())
	b.WriteString("\n")
	b.WriteString(StatusStyle.Render(FormatFooter("Enter", "Send", "Esc", "Stop", "Ctrl+C", "Quit")))
	return b.String()
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

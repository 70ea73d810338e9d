package stream

import (
	"fmt"
	"strings"

	"otcore/model"
	"otcore/provider"
)

// ToolCallFragment is a tool call still being streamed.
type ToolCallFragment struct {
	ID    string
	Index int
	Name  string
	args  strings.Builder
}

// Arguments returns the arguments merged so far.
func (f *ToolCallFragment) Arguments() string {
	return f.args.String()
}

// Accumulator folds the deltas of one turn into content and tool calls.
type Accumulator struct {
	content      strings.Builder
	fragments    []*ToolCallFragment
	latest       map[int]*ToolCallFragment
	finishReason string
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{latest: make(map[int]*ToolCallFragment)}
}

// Add applies one delta.
func (a *Accumulator) Add(d provider.Delta) {
	a.content.WriteString(d.Content)
	if d.FinishReason != "" {
		a.finishReason = d.FinishReason
	}
	for _, tc := range d.ToolCalls {
		a.addToolCall(tc)
	}
}

func (a *Accumulator) addToolCall(tc provider.ToolCallDelta) {
	if tc.ID != "" {
		f := &ToolCallFragment{ID: tc.ID, Index: tc.Index, Name: tc.Name}
		f.args.WriteString(tc.Arguments)
		a.fragments = append(a.fragments, f)
		a.latest[tc.Index] = f
		return
	}

	f, ok := a.latest[tc.Index]
	if !ok {
		// Some OpenAI-compatible servers never send an id. Open the
		// fragment anyway so the call is not lost.
		f = &ToolCallFragment{ID: fmt.Sprintf("call_%d_%d", tc.Index, len(a.fragments)), Index: tc.Index}
		a.fragments = append(a.fragments, f)
		a.latest[tc.Index] = f
	}
	if f.Name == "" {
		f.Name = tc.Name
	}
	f.args.WriteString(tc.Arguments)
}

// Content returns the text streamed so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// FinishReason returns the last finish reason seen.
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}

// Fragments returns the open fragments in opening order.
func (a *Accumulator) Fragments() []*ToolCallFragment {
	return a.fragments
}

// ToolCalls finalizes the fragments into tool calls, in opening order.
func (a *Accumulator) ToolCalls() []model.ToolCall {
	if len(a.fragments) == 0 {
		return nil
	}
	calls := make([]model.ToolCall, 0, len(a.fragments))
	for _, f := range a.fragments {
		calls = append(calls, model.ToolCall{ID: f.ID, Name: f.Name, Arguments: f.Arguments()})
	}
	return calls
}

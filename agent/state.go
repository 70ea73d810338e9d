package agent

// State is a node of the ReAct or Plan-Execute state machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateThinkAct     State = "THINK_ACT"
	StateObserve      State = "OBSERVE"
	StatePlan         State = "PLAN"
	StateExecuteStep  State = "EXECUTE_STEP"
	StateEvaluateStep State = "EVALUATE_STEP"
	StateUpdateStatus State = "UPDATE_STATUS"
	StateAdvance      State = "ADVANCE"
	StateSummarize    State = "SUMMARIZE"
	StateDone         State = "DONE"
)

// Step is one entry of a plan.
type Step struct {
	Title  string
	Done   bool
	Failed bool
	Result string
}

// RunState tracks one Chat call.
type RunState struct {
	State      State
	Iteration  int
	Plan       []Step
	Current    int
	Running    bool
	CapReached bool
}

func (s RunState) clone() RunState {
	if s.Plan != nil {
		s.Plan = append([]Step(nil), s.Plan...)
	}
	return s
}

// EventKind tells observers what happened.
type EventKind string

const (
	EventState      EventKind = "state"
	EventContent    EventKind = "content"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventPlan       EventKind = "plan"
	EventError      EventKind = "error"
)

// Event is emitted to Options.OnEvent as a run progresses. Handlers run on
// the loop goroutine and must not block.
type Event struct {
	Kind    EventKind
	State   State
	Content string
	Tool    string
	Purpose string
	Failed  bool
	Step    int
	Plan    []Step
}

package agent

import (
	"context"

	"otcore/model"
)

// runPlan asks for a plan, then executes, evaluates and advances one step
// at a time, and finally summarizes. Tool-enabled turns count against the
// cap; planning, evaluation and the summary do not.
func (c *Controller) runPlan(ctx context.Context, request string) (model.Message, error) {
	c.setState(StatePlan)
	res, err := c.turn(ctx, false, planInstruction)
	if err != nil {
		return model.Message{}, err
	}
	plan := parseSteps(res.Content)
	if len(plan) == 0 {
		plan = []Step{{Title: request}}
	}
	c.publishPlan(plan)
	c.emit(Event{Kind: EventPlan, Plan: append([]Step(nil), plan...)})

	capped := false
	for i := range plan {
		if err := c.checkRunning(ctx); err != nil {
			return model.Message{}, err
		}
		if capped {
			break
		}

		step := plan[i]
		c.mu.Lock()
		c.state.Current = i
		c.mu.Unlock()

		result, atCap, pending, err := c.executeStep(ctx, step, i, len(plan))
		if err != nil {
			return model.Message{}, err
		}
		if atCap && (pending || i < len(plan)-1) {
			c.capReached()
			capped = true
		}

		c.setState(StateEvaluateStep)
		eval, err := c.turn(ctx, false, evaluatePrompt(step))
		if err != nil {
			return model.Message{}, err
		}

		c.setState(StateUpdateStatus)
		failed := evaluationFailed(eval.Content)
		plan[i].Done = !failed
		plan[i].Failed = failed
		plan[i].Result = result
		c.publishPlan(plan)
		c.emit(Event{Kind: EventPlan, Step: i, Plan: append([]Step(nil), plan...)})

		c.setState(StateAdvance)
	}

	if err := c.checkRunning(ctx); err != nil {
		return model.Message{}, err
	}
	c.setState(StateSummarize)
	if _, err := c.turn(ctx, false, summaryPrompt(plan, capped)); err != nil {
		return model.Message{}, err
	}
	return c.final(), nil
}

// publishPlan copies the loop's plan into the observable state. The loop
// owns plan; a concurrent Stop may reset the state at any time.
func (c *Controller) publishPlan(plan []Step) {
	c.mu.Lock()
	if c.state.Running {
		c.state.Plan = append([]Step(nil), plan...)
	}
	c.mu.Unlock()
}

// executeStep runs the step's turn and the continuation turns its tool
// calls need, stopping at the cap. It returns the last turn's text, whether
// the cap was hit and whether tool results were left without a reply.
func (c *Controller) executeStep(ctx context.Context, step Step, index, total int) (string, bool, bool, error) {
	c.setState(StateExecuteStep)
	res, err := c.turn(ctx, true, executePrompt(step, index, total))
	if err != nil {
		return "", false, false, err
	}
	atCap := c.iterate()

	for len(res.ToolCalls) > 0 {
		c.announce(res)
		if err := c.observe(ctx, res.ToolCalls); err != nil {
			return "", false, false, err
		}
		if atCap {
			return res.Content, true, true, nil
		}
		if err := c.checkRunning(ctx); err != nil {
			return "", false, false, err
		}

		c.setState(StateExecuteStep)
		res, err = c.turn(ctx, true, "")
		if err != nil {
			return "", false, false, err
		}
		atCap = c.iterate()
	}
	return res.Content, atCap, false, nil
}

package agent

import (
	"context"

	"otcore/model"
)

// runReAct alternates THINK_ACT and OBSERVE until a turn has no tool calls.
// When the cap is reached with results still unanswered, one final turn
// runs without tools so the model has to answer.
func (c *Controller) runReAct(ctx context.Context) (model.Message, error) {
	for {
		if err := c.checkRunning(ctx); err != nil {
			return model.Message{}, err
		}

		c.setState(StateThinkAct)
		res, err := c.turn(ctx, true, "")
		if err != nil {
			return model.Message{}, err
		}
		atCap := c.iterate()

		if len(res.ToolCalls) == 0 {
			return c.final(), nil
		}

		c.announce(res)
		if err := c.observe(ctx, res.ToolCalls); err != nil {
			return model.Message{}, err
		}

		if atCap {
			c.capReached()
			if err := c.checkRunning(ctx); err != nil {
				return model.Message{}, err
			}
			c.setState(StateThinkAct)
			if _, err := c.turn(ctx, false, ""); err != nil {
				return model.Message{}, err
			}
			return c.final(), nil
		}
	}
}

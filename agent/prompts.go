package agent

import (
	"fmt"
	"strings"
)

const planInstruction = `Break the request above into a short list of concrete steps.
Answer only with a numbered list, one step per line. Do not carry out the steps yet.`

func executePrompt(step Step, index, total int) string {
	return fmt.Sprintf("Carry out step %d of %d: %s\nUse the available tools when they help. Report what you did and what you found.",
		index+1, total, step.Title)
}

func evaluatePrompt(step Step) string {
	return fmt.Sprintf(`Evaluate whether the step "%s" was completed successfully, based on the messages above.
Answer in one or two sentences. If it did not succeed, say that it failed and why.`, step.Title)
}

func summaryPrompt(plan []Step, capReached bool) string {
	var b strings.Builder
	if capReached {
		b.WriteString("The step limit was reached before the plan could be finished. ")
		b.WriteString("Summarize what was accomplished, what is still missing and how the user could continue.\n\n")
	} else {
		b.WriteString("All steps of the plan have been worked through. ")
		b.WriteString("Give the user the final answer to their request, using the results above.\n\n")
	}
	b.WriteString("Plan status:\n")
	for i, s := range plan {
		status := "pending"
		switch {
		case s.Failed:
			status = "failed"
		case s.Done:
			status = "done"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, status, s.Title)
	}
	return b.String()
}

func diagnosticPrompt(err error) string {
	return fmt.Sprintf(`The previous operation failed with this error:

%v

Explain briefly what most likely went wrong and suggest how to recover or what to try next.`, err)
}

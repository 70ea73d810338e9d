package agent

import (
	"fmt"
	"regexp"
	"strings"

	"otcore/model"
	"otcore/tools"
)

var (
	leakedJSONArray = regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"(?:arguments|param|parameters|input)"\s*:\s*\{[^}]*\}\s*\}\s*\]`)
	leakedJSONObj   = regexp.MustCompile(`\{\s*"name"\s*:\s*"[^"]+"\s*,\s*"(?:arguments|param|parameters|input)"\s*:\s*\{[^}]*\}\s*\}`)
	leakedXML       = regexp.MustCompile(`<(?:tool_call|function_call)>\s*<name>[^<]+</name>\s*<arguments>[^<]*</arguments>\s*</(?:tool_call|function_call)>`)
	leakedQwenXML   = regexp.MustCompile(`(?s)<function=[^>]+><parameter=[^>]+>.*?</parameter></function>(?:</tool_call>)?`)

	stepLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+?)\s*$`)
)

// cleanLeakedToolCalls strips tool calls some local models write into the
// text instead of the tool call channel.
func cleanLeakedToolCalls(content string) string {
	cleaned := leakedJSONArray.ReplaceAllString(content, "")
	cleaned = leakedJSONObj.ReplaceAllString(cleaned, "")
	cleaned = leakedXML.ReplaceAllString(cleaned, "")
	cleaned = leakedQwenXML.ReplaceAllString(cleaned, "")
	if cleaned == content {
		return content
	}
	return strings.TrimSpace(cleaned)
}

// parseSteps reads a numbered or bulleted list. Text without a list is one
// step.
func parseSteps(text string) []Step {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		if m := stepLine.FindStringSubmatch(line); m != nil {
			title := strings.Trim(m[1], "*_ ")
			if title != "" {
				steps = append(steps, Step{Title: title})
			}
		}
	}
	if len(steps) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			steps = append(steps, Step{Title: t})
		}
	}
	return steps
}

// evaluationFailed is the step status heuristic: any mention of failure or
// error marks the step failed, including negations such as "no errors".
func evaluationFailed(evaluation string) bool {
	lower := strings.ToLower(evaluation)
	return strings.Contains(lower, "fail") || strings.Contains(lower, "error")
}

// purpose describes why a tool is being called, for progress display. Short
// reasoning before the call wins; otherwise it is built from the arguments.
func purpose(reasoning string, call model.ToolCall) string {
	if content := strings.TrimSpace(reasoning); content != "" && len(content) < 150 {
		if idx := strings.Index(content, "."); idx > 0 && idx < 100 {
			return content[:idx]
		}
		return content
	}

	args, err := tools.ParseArguments(call.Arguments)
	if err == nil {
		for _, key := range []string{"query", "url", "path", "prompt", "task"} {
			if v, ok := args[key].(string); ok && v != "" {
				return fmt.Sprintf("%s: %s", key, v)
			}
		}
	}

	name := call.Name
	var c tools.Codec
	if n, err := c.Decode(call.Name); err == nil {
		name = n.Tool
	}
	return fmt.Sprintf("Execute %s", name)
}

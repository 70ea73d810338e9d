package testutil

import (
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/model"
)

// TestMessages returns a sample conversation for testing
func TestMessages() []model.Message {
	return []model.Message{
		{
			Role:      model.RoleUser,
			Content:   "Hello, how are you?",
			CreatedAt: time.Now(),
		},
		{
			Role:      model.RoleAssistant,
			Content:   "I'm doing well, thank you!",
			CreatedAt: time.Now(),
		},
		{
			Role:      model.RoleUser,
			Content:   "Can you help me with a task?",
			CreatedAt: time.Now(),
		},
	}
}

// TestMCPTools returns sample MCP tools for testing
func TestMCPTools() []mcptypes.Tool {
	return []mcptypes.Tool{
		{
			Name:        "get_weather",
			Description: "Get the current weather for a location",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "The city and state, e.g. San Francisco, CA",
					},
				},
				Required: []string{"location"},
			},
		},
		{
			Name:        "calculate",
			Description: "Perform a mathematical calculation",
			InputSchema: mcptypes.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The mathematical expression to evaluate",
					},
				},
				Required: []string{"expression"},
			},
		},
	}
}

// OpenAIChunks returns SSE payloads for a turn that streams text and then a
// tool call whose arguments arrive in two pieces.
func OpenAIChunks() []string {
	return []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"a","type":"function","function":{"name":"f","arguments":"{\"x\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}
}

// OllamaLines returns NDJSON lines for a plain text turn.
func OllamaLines(words ...string) []string {
	lines := make([]string, 0, len(words)+1)
	for _, w := range words {
		lines = append(lines, `{"model":"m","message":{"role":"assistant","content":"`+w+`"},"done":false}`)
	}
	return append(lines, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
}

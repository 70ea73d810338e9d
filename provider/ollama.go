package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/tidwall/gjson"

	"otcore/model"
)

// Ollama describes a local Ollama server's chat endpoint.
func Ollama() Descriptor {
	return Descriptor{
		Name:            "ollama",
		DefaultEndpoint: "http://localhost:11434",
		DefaultModel:    "llama3.1:latest",
		RequiresKey:     false,
		Framing:         FramingNDJSON,
		OnParseError:    AbortStream,
		Target: func(endpoint, _, _ string) Target {
			h := make(http.Header)
			h.Set("Content-Type", "application/json")
			h.Set("Accept", "application/x-ndjson")
			return Target{URL: strings.TrimRight(endpoint, "/") + "/api/chat", Header: h}
		},
		Shape: shapeOllama,
		Parse: parseOllamaFrame,
	}
}

func shapeOllama(req Request) ([]byte, error) {
	messages, err := ConvertToOllamaMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	stream := true
	chatReq := api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = ConvertToolsToOllama(req.Tools)
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return body, nil
}

// ConvertToOllamaMessages converts messages to Ollama's chat format. Images
// must be data URIs; Ollama only accepts inline image bytes.
func ConvertToOllamaMessages(messages []model.Message) ([]api.Message, error) {
	result := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == model.RoleSystem && msg.Content == "" {
			continue
		}
		out := api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
		for _, img := range msg.Images {
			inline, isData, err := parseDataURI(img)
			if err != nil {
				return nil, err
			}
			if !isData {
				return nil, fmt.Errorf("ollama accepts inline images only, got %q", truncateURL(img))
			}
			out.Images = append(out.Images, api.ImageData(inline.Data))
		}
		for i, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{
					Index:     i,
					Name:      tc.Name,
					Arguments: api.ToolCallFunctionArguments(ParseToolArguments(tc.Arguments)),
				},
			})
		}
		result = append(result, out)
	}
	return result, nil
}

// parseOllamaFrame decodes one NDJSON chat response line. Ollama sends tool
// calls whole and without ids, so each one gets a fresh id here.
func parseOllamaFrame(frame []byte) (Delta, error) {
	if msg := gjson.GetBytes(frame, "error"); msg.Exists() {
		return Delta{Err: errors.New(msg.String())}, nil
	}

	var resp api.ChatResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return Delta{}, err
	}

	d := Delta{
		Content: resp.Message.Content,
		Done:    resp.Done,
	}
	if resp.Done {
		d.FinishReason = resp.DoneReason
	}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return Delta{}, err
		}
		d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
			Index:     i,
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return d, nil
}

func truncateURL(u string) string {
	if len(u) > 60 {
		return u[:60] + "..."
	}
	return u
}

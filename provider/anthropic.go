package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"otcore/model"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic describes the Anthropic messages API.
func Anthropic() Descriptor {
	return Descriptor{
		Name:            "anthropic",
		DefaultEndpoint: "https://api.anthropic.com",
		DefaultModel:    "claude-sonnet-4-5",
		RequiresKey:     true,
		Framing:         FramingSSE,
		OnParseError:    SkipFrame,
		Target: func(endpoint, _, apiKey string) Target {
			h := make(http.Header)
			h.Set("x-api-key", apiKey)
			h.Set("anthropic-version", anthropicVersion)
			h.Set("Content-Type", "application/json")
			h.Set("Accept", "text/event-stream")
			return Target{URL: strings.TrimRight(endpoint, "/") + "/v1/messages", Header: h}
		},
		Shape: shapeAnthropic,
		Parse: parseAnthropicFrame,
	}
}

func shapeAnthropic(req Request) ([]byte, error) {
	messages, err := ConvertToAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
		Tools:       ConvertToolsToAnthropic(req.Tools),
	}
	if system := systemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return sjson.SetBytes(body, "stream", true)
}

// ConvertToAnthropicMessages converts messages to the messages API format.
// System messages are left out; they travel in the system field. Consecutive
// tool results are folded into one user turn.
func ConvertToAnthropicMessages(messages []model.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}
		flush()

		switch msg.Role {
		case model.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, ParseToolArguments(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
			for _, img := range msg.Images {
				inline, isData, err := parseDataURI(img)
				if err != nil {
					return nil, err
				}
				if isData {
					blocks = append(blocks, anthropic.NewImageBlockBase64(inline.MediaType, inline.Base64))
				} else {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img}))
				}
			}
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	flush()
	return result, nil
}

// parseAnthropicFrame decodes one messages API stream event. Content block
// indexes double as tool call indexes.
func parseAnthropicFrame(frame []byte) (Delta, error) {
	if !gjson.ValidBytes(frame) {
		return Delta{}, errMalformedFrame
	}

	event := gjson.ParseBytes(frame)
	switch event.Get("type").String() {
	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return Delta{Content: block.Get("text").String()}, nil
		}
		return Delta{ToolCalls: []ToolCallDelta{{
			Index: int(event.Get("index").Int()),
			ID:    block.Get("id").String(),
			Name:  block.Get("name").String(),
		}}}, nil

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return Delta{Content: delta.Get("text").String()}, nil
		case "input_json_delta":
			return Delta{ToolCalls: []ToolCallDelta{{
				Index:     int(event.Get("index").Int()),
				Arguments: delta.Get("partial_json").String(),
			}}}, nil
		}
		return Delta{}, nil

	case "message_delta":
		return Delta{FinishReason: event.Get("delta.stop_reason").String()}, nil

	case "message_stop":
		return Delta{Done: true}, nil

	case "error":
		return Delta{Err: errors.New(event.Get("error.message").String())}, nil

	case "":
		return Delta{}, errMalformedFrame
	}

	// message_start, content_block_stop, ping
	return Delta{}, nil
}

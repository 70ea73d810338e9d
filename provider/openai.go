package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"otcore/model"
)

var errMalformedFrame = errors.New("malformed frame")

// OpenAI describes the OpenAI chat completions API.
func OpenAI() Descriptor {
	return Descriptor{
		Name:            "openai",
		DefaultEndpoint: "https://api.openai.com/v1",
		DefaultModel:    "gpt-4o-mini",
		RequiresKey:     true,
		Framing:         FramingSSE,
		OnParseError:    SkipFrame,
		Target: func(endpoint, _, apiKey string) Target {
			h := make(http.Header)
			h.Set("Authorization", "Bearer "+apiKey)
			h.Set("Content-Type", "application/json")
			h.Set("Accept", "text/event-stream")
			return Target{URL: strings.TrimRight(endpoint, "/") + "/chat/completions", Header: h}
		},
		Shape: shapeOpenAI,
		Parse: parseOpenAIFrame,
	}
}

func shapeOpenAI(req Request) ([]byte, error) {
	messages, err := ConvertToOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:       req.Model,
		Messages:    messages,
		Tools:       ConvertToolsToOpenAI(req.Tools),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return sjson.SetBytes(body, "stream", true)
}

// ConvertToOpenAIMessages converts messages to the chat completions format.
// Tool results keep their call linkage.
func ConvertToOpenAIMessages(messages []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if msg.Content == "" {
				continue
			}
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			result = append(result, openAIAssistant(msg))
		case model.RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if len(msg.Images) == 0 {
				result = append(result, openai.UserMessage(msg.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(msg.Content)}
			for _, img := range msg.Images {
				if _, isData, err := parseDataURI(img); isData && err != nil {
					return nil, err
				}
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: img}))
			}
			result = append(result, openai.UserMessage(parts))
		}
	}
	return result, nil
}

func openAIAssistant(msg model.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}

	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// parseOpenAIFrame decodes one chat completion chunk. OpenRouter uses the
// same format.
func parseOpenAIFrame(frame []byte) (Delta, error) {
	if strings.TrimSpace(string(frame)) == "[DONE]" {
		return Delta{Done: true}, nil
	}
	if !gjson.ValidBytes(frame) {
		return Delta{}, errMalformedFrame
	}

	chunk := gjson.ParseBytes(frame)
	if e := chunk.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return Delta{Err: errors.New(msg)}, nil
	}

	choice := chunk.Get("choices.0")
	d := Delta{
		Content:      choice.Get("delta.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
	}
	choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
			Index:     int(tc.Get("index").Int()),
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
		return true
	})
	return d, nil
}

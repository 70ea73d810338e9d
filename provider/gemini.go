package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"otcore/model"
)

// geminiRequest is the generateContent body. The genai types carry the
// REST field names in their json tags.
type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// Gemini describes the Gemini generateContent API in SSE mode.
func Gemini() Descriptor {
	return Descriptor{
		Name:            "gemini",
		DefaultEndpoint: "https://generativelanguage.googleapis.com/v1beta",
		DefaultModel:    "gemini-2.5-flash",
		RequiresKey:     true,
		Framing:         FramingSSE,
		OnParseError:    AbortStream,
		Target: func(endpoint, modelName, apiKey string) Target {
			h := make(http.Header)
			h.Set("x-goog-api-key", apiKey)
			h.Set("Content-Type", "application/json")
			u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse",
				strings.TrimRight(endpoint, "/"), url.PathEscape(modelName))
			return Target{URL: u, Header: h}
		},
		Shape: shapeGemini,
		Parse: parseGeminiFrame,
	}
}

func shapeGemini(req Request) ([]byte, error) {
	contents, err := ConvertToGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	body := geminiRequest{
		Contents: contents,
		Tools:    ConvertToolsToGemini(req.Tools),
		GenerationConfig: &genai.GenerationConfig{
			Temperature: genai.Ptr(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system := systemText(req.Messages); system != "" {
		body.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return b, nil
}

// ConvertToGeminiContents converts messages to Gemini contents. Function
// responses are keyed by tool name, which is recovered from the assistant
// turn that issued the call.
func ConvertToGeminiContents(messages []model.Message) ([]*genai.Content, error) {
	names := toolNameByCallID(messages)
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			continue

		case model.RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: ParseToolArguments(tc.Arguments),
				}})
			}
			if len(c.Parts) == 0 {
				c.Parts = append(c.Parts, &genai.Part{Text: ""})
			}
			contents = append(contents, c)

		case model.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     names[msg.ToolCallID],
				Response: geminiToolResponse(msg.Content),
			}}
			// consecutive results share one user turn
			if n := len(contents); n > 0 && contents[n-1].Role == genai.RoleUser && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})

		default:
			c := &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: msg.Content}}}
			for _, img := range msg.Images {
				inline, isData, err := parseDataURI(img)
				if err != nil {
					return nil, err
				}
				if isData {
					c.Parts = append(c.Parts, &genai.Part{InlineData: &genai.Blob{Data: inline.Data, MIMEType: inline.MediaType}})
				} else {
					c.Parts = append(c.Parts, &genai.Part{FileData: &genai.FileData{FileURI: img, MIMEType: guessImageType(img)}})
				}
			}
			contents = append(contents, c)
		}
	}
	return contents, nil
}

func isFunctionResponse(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

// geminiToolResponse wraps a tool result. JSON objects pass through as-is;
// anything else is wrapped under "result".
func geminiToolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": content}
}

// parseGeminiFrame decodes one streamed GenerateContentResponse. Function
// calls arrive whole and without ids.
func parseGeminiFrame(frame []byte) (Delta, error) {
	if !gjson.ValidBytes(frame) {
		return Delta{}, errMalformedFrame
	}

	resp := gjson.ParseBytes(frame)
	if e := resp.Get("error"); e.Exists() {
		return Delta{Err: errors.New(e.Get("message").String())}, nil
	}

	candidate := resp.Get("candidates.0")
	d := Delta{FinishReason: candidate.Get("finishReason").String()}

	var text strings.Builder
	call := 0
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			id := fc.Get("id").String()
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
				Index:     call,
				ID:        id,
				Name:      fc.Get("name").String(),
				Arguments: args,
			})
			call++
			return true
		}
		text.WriteString(part.Get("text").String())
		return true
	})
	d.Content = text.String()
	return d, nil
}

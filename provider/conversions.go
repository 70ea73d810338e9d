package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strings"

	"otcore/model"
)

// ParseToolArguments parses a JSON arguments string into a map. Empty or
// malformed input yields an empty map.
func ParseToolArguments(argsJSON string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args == nil {
		return make(map[string]any)
	}
	return args
}

// inlineImage is an image split out of a data URI.
type inlineImage struct {
	MediaType string
	Data      []byte
	Base64    string
}

// parseDataURI decodes "data:<media>;base64,<payload>". ok is false for
// anything else, typically a plain URL.
func parseDataURI(uri string) (img inlineImage, ok bool, err error) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return inlineImage{}, false, nil
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return inlineImage{}, true, fmt.Errorf("unsupported data URI")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return inlineImage{}, true, fmt.Errorf("invalid image payload: %w", err)
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return inlineImage{MediaType: mediaType, Data: data, Base64: payload}, true, nil
}

// guessImageType picks a media type for an image URL from its extension.
func guessImageType(url string) string {
	ext := path.Ext(strings.SplitN(url, "?", 2)[0])
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

// toolNameByCallID maps tool call ids to tool names across a transcript.
// Providers that key tool results by name instead of id need it.
func toolNameByCallID(messages []model.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

// systemText joins every system message in order.
func systemText(messages []model.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == model.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

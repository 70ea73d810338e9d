package provider

import (
	"net/http"
	"strings"
)

// OpenRouter describes the OpenRouter API. Request and frame formats are the
// OpenAI ones; only the endpoint and attribution headers differ.
func OpenRouter() Descriptor {
	d := OpenAI()
	d.Name = "openrouter"
	d.DefaultEndpoint = "https://openrouter.ai/api/v1"
	d.DefaultModel = "openai/gpt-4o-mini"
	d.Target = func(endpoint, _, apiKey string) Target {
		h := make(http.Header)
		h.Set("Authorization", "Bearer "+apiKey)
		h.Set("Content-Type", "application/json")
		h.Set("Accept", "text/event-stream")
		h.Set("HTTP-Referer", "https://github.com/otcore/otcore")
		h.Set("X-Title", "otcore")
		return Target{URL: strings.TrimRight(endpoint, "/") + "/chat/completions", Header: h}
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultTemplate is written by `otcore config init`.
const DefaultTemplate = `# otcore configuration
# This file uses TOML format: https://toml.io

data_directory = "~/.local/share/otcore"

[agent]
# "react" (think/act/observe) or "plan" (plan then execute step by step)
mode = "react"
max_iterations = 10
temperature = 0.7
# Most recent messages sent to the model; 0 sends everything
max_messages = 40
system_prompt = ""
provider = "ollama"
# vision_provider = "openai"
# vision_model = "gpt-4o-mini"

[[providers]]
id = "ollama"
type = "ollama"
model = "llama3.1:latest"
enabled = true

# [[providers]]
# id = "openai"
# type = "openai"
# model = "gpt-4o-mini"
# enabled = true
# API keys live in credentials.toml or OPENAI_API_KEY

[knowledge]
threshold = 0.5
limit = 5
chunk_size = 1000
chunk_overlap = 200
min_chunk_size = 100
embed_provider = "ollama"
embed_model = "nomic-embed-text"

[image]
# endpoint = "http://localhost:7860"
# model = "sdxl"
# The key, if any, is read from IMAGE_API_KEY or the "image" credential
poll_interval = "500ms"
max_interval = "5s"
timeout = "2m"
max_attempts = 60

# [[mcp_servers]]
# id = "files"
# transport = "stdio"
# command = "npx"
# args = ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
# enabled = true

# [[agents]]
# id = "researcher"
# description = "Looks things up in the knowledge base and summarizes them"
# system_prompt = "You research questions thoroughly and cite your sources."
# mode = "plan"
# max_iterations = 6

[skills]
# dir = "~/.config/otcore/skills"

[storage]
# sqlite, file or memory
backend = "sqlite"

[transport]
# http, or bridge to route model traffic through a local websocket bridge
kind = "http"
# bridge_url = "ws://127.0.0.1:8765/stream"

[security]
# plaintext or ssh_key
method = "plaintext"
# ssh_key_path = "~/.ssh/id_ed25519"
`

// WriteDefault writes DefaultTemplate to path unless a file already exists.
func WriteDefault(path string) error {
	if FileExists(path) {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(DefaultTemplate), 0600)
}

// Command otcore chats with language models that can search knowledge
// bases, run skills, call MCP tool servers and delegate to sub-agents.
//
// Environment variables:
//
//   - OTCORE_DATA_DIR: data directory, overriding the config file
//   - OTCORE_PROVIDER, OTCORE_MODEL: provider id and model for chat
//   - OTCORE_AGENT_MODE, OTCORE_MAX_ITERATIONS: agent loop settings
//   - OTCORE_PASSPHRASE: passphrase for an encrypted SSH key
//   - OTCORE_DEBUG: write debug logs to <data dir>/debug.log
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, ...: provider keys
package main

import (
	"os"

	"otcore/cli"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=v0.2.0"
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}

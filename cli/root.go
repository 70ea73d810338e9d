// Package cli is the otcore command line.
//
// Ask a one-off question:
//
//	otcore chat "what changed in the report?"
//
// Start an interactive session, or resume one:
//
//	otcore chat
//	otcore chat --conversation 3f2a...
//
// Manage knowledge bases:
//
//	otcore kb create docs
//	otcore kb ingest <base-id> notes.md report.txt
//	otcore kb search "quarterly numbers"
package cli

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
}

func (g *globalFlags) open() (*App, error) {
	return openApp(g.configPath)
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "otcore",
		Short: "Chat with language models that use tools, knowledge bases and sub-agents",
		Long: `otcore drives a conversation with a language model. The model can search
knowledge bases, run skills, call external tool servers (MCP) and delegate to
sub-agents, in a think/act loop or by planning and executing step by step.

Configuration lives in ~/.config/otcore/config.toml; run "otcore config init"
to write a commented template.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to the config file (default ~/.config/otcore/config.toml)")

	root.AddCommand(
		buildChatCmd(g),
		buildKBCmd(g),
		buildHistoryCmd(g),
		buildExportCmd(g),
		buildConfigCmd(g),
		buildModelsCmd(g),
		buildBridgeCmd(g),
	)
	return root
}

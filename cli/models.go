package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"otcore/config"
	"otcore/model"
	"otcore/ollama"
)

func buildModelsCmd(g *globalFlags) *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models installed on an Ollama provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			id := firstNonEmpty(providerID, cfg.Agent.Provider)
			pc, ok := cfg.Provider(id)
			if !ok {
				return &model.ConfigurationError{Provider: id, Reason: "provider is not configured"}
			}
			if pc.Type != "ollama" {
				return &model.ConfigurationError{Provider: id, Reason: fmt.Sprintf("cannot list models for provider type %q", pc.Type)}
			}

			client, err := ollama.NewClient(pc.Endpoint, nil)
			if err != nil {
				return err
			}
			models, err := client.Models(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tTOOLS")
			for _, m := range models {
				tools := "no"
				if m.Tools {
					tools = "yes"
				}
				fmt.Fprintf(w, "%s\t%.1f GB\t%s\n", m.Name, float64(m.Size)/1e9, tools)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "Provider id from the config (default agent.provider)")
	return cmd
}

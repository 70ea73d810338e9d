package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otcore/config"
)

func buildConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the config template and store API keys",
	}
	cmd.AddCommand(buildConfigInitCmd(g), buildConfigPathCmd(g), buildConfigSetKeyCmd(g))
	return cmd
}

func (g *globalFlags) configFile() string {
	if g.configPath != "" {
		return config.ExpandPath(g.configPath)
	}
	return config.GetConfigFilePath()
}

func buildConfigInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile()
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}

func buildConfigPathCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file and data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\ndata:   %s\n", g.configFile(), cfg.DataDir())
			return nil
		},
	}
}

func buildConfigSetKeyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider-id> [key]",
		Short: "Store an API key for a provider",
		Long: `Stores an API key in the credential file under the data directory. Without a
key argument the key is read from the OTCORE_API_KEY environment variable so it
stays out of shell history. Use "image" as the id for the image generation
service.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("OTCORE_API_KEY")
			if len(args) == 2 {
				key = args[1]
			}
			if key == "" {
				return fmt.Errorf("no key given for %s", args[0])
			}

			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			creds, err := loadCredentials(cfg)
			if err != nil {
				return err
			}
			creds.Set(args[0], key)
			if err := creds.Save(cfg.DataDir()); err != nil {
				return fmt.Errorf("failed to save credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved key for %s\n", args[0])
			return nil
		},
	}
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"otcore/knowledge"
	"otcore/ui"
)

func buildKBCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(
		buildKBCreateCmd(g),
		buildKBListCmd(g),
		buildKBIngestCmd(g),
		buildKBSearchCmd(g),
		buildKBDeleteCmd(g),
	)
	return cmd
}

func buildKBCreateCmd(g *globalFlags) *cobra.Command {
	var id, description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			base, err := app.Knowledge.CreateBase(cmd.Context(), knowledge.Base{
				ID:          id,
				Name:        args[0],
				Description: description,
				EmbedModel:  app.Config.Knowledge.EmbedModel,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Base id (default a generated UUID)")
	cmd.Flags().StringVar(&description, "description", "", "What the base contains; shown to the model")
	return cmd
}

func buildKBListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			bases, err := app.Knowledge.Bases(cmd.Context())
			if err != nil {
				return err
			}
			if len(bases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No knowledge bases.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
			for _, b := range bases {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Name, ui.Preview(b.Description, 50))
			}
			return w.Flush()
		},
	}
}

func buildKBIngestCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <base-id> <file>...",
		Short: "Chunk, embed and store text files in a knowledge base",
		Long: `Ingest reads each file as UTF-8 text. Form feed characters separate pages,
so text extracted from PDFs keeps its page numbers.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			baseID := args[0]
			if _, err := app.Knowledge.Base(cmd.Context(), baseID); err != nil {
				return fmt.Errorf("knowledge base %s: %w", baseID, err)
			}
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				chunks, err := app.Knowledge.Ingest(cmd.Context(), baseID, knowledge.Document{
					Source: filepath.Base(path),
					Pages:  strings.Split(string(data), "\f"),
				})
				if err != nil {
					return fmt.Errorf("failed to ingest %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", path, len(chunks))
			}
			return nil
		},
	}
}

func buildKBSearchCmd(g *globalFlags) *cobra.Command {
	var bases []string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search knowledge bases by similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			matches, err := app.Knowledge.Search(cmd.Context(), strings.Join(args, " "), bases)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(matches) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			for i, m := range matches {
				md := m.Chunk.Metadata
				fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, m.Score, ui.Preview(m.Chunk.Content, 100))
				fmt.Fprintf(out, "   %s p.%d ¶%d (base %s)\n", md.Source, md.Page, md.Paragraph, m.Chunk.BaseID)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&bases, "base", "b", nil, "Limit the search to these base ids (default all)")
	return cmd
}

func buildKBDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <base-id>",
		Short: "Delete a knowledge base and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Knowledge.DeleteBase(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

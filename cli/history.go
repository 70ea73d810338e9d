package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"otcore/history"
	"otcore/ui"
)

const transcriptWidth = 100

func buildHistoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"conversations"},
		Short:   "List, show and delete stored conversations",
	}
	cmd.AddCommand(buildHistoryListCmd(g), buildHistoryShowCmd(g), buildHistoryDeleteCmd(g))
	return cmd
}

func buildHistoryListCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			convs, err := history.List(cmd.Context(), app.Store)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUPDATED\tMESSAGES\tTITLE")
			for _, c := range convs {
				// sub-agent conversations are hidden unless asked for
				if c.AgentID != "" && !all {
					continue
				}
				title := c.Title
				if c.AgentID != "" {
					title = "[" + c.AgentID + "] " + title
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.MessageCount, title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include sub-agent conversations")
	return cmd
}

func buildHistoryShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			hist, err := history.Load(cmd.Context(), app.Store, args[0], history.Options{Logger: app.Logger})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTranscript(hist.Messages(), transcriptWidth))
			return nil
		},
	}
}

func buildHistoryDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			for _, id := range args {
				hist, err := history.Load(cmd.Context(), app.Store, id, history.Options{Logger: app.Logger})
				if err != nil {
					return err
				}
				if err := hist.Delete(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}

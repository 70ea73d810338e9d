package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	gomarkdown "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/spf13/cobra"

	"otcore/history"
	"otcore/model"
)

func buildExportCmd(g *globalFlags) *cobra.Command {
	var (
		format string
		output string
		latest bool
	)
	cmd := &cobra.Command{
		Use:   "export [conversation-id]",
		Short: "Export a conversation as Markdown or HTML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "md" && format != "html" {
				return fmt.Errorf("unknown format %q, want md or html", format)
			}
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			var id string
			switch {
			case len(args) == 1:
				id = args[0]
			case latest:
				convs, err := history.List(ctx, app.Store)
				if err != nil {
					return err
				}
				for _, c := range convs {
					if c.AgentID == "" {
						id = c.ID
						break
					}
				}
				if id == "" {
					return errors.New("no conversations to export")
				}
			default:
				return errors.New("give a conversation id or --latest")
			}

			hist, err := history.Load(ctx, app.Store, id, history.Options{Logger: app.Logger})
			if err != nil {
				return err
			}
			doc := exportMarkdown(hist.Snapshot())
			if format == "html" {
				doc = exportHTML(doc, "Conversation "+id)
			}

			if output == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc), 0600); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s to %s\n", id, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", `Output format, "md" or "html"`)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	cmd.Flags().BoolVar(&latest, "latest", false, "Export the most recently updated conversation")
	return cmd
}

// exportMarkdown writes the visible transcript. Tool results and error
// records are folded into quoted blocks under the turn that produced them.
func exportMarkdown(conv history.Conversation) string {
	var b strings.Builder
	title := conv.Title
	if title == "" {
		title = "Conversation " + conv.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if !conv.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "_Started %s_\n\n", conv.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	for _, m := range conv.Messages {
		switch {
		case m.IsError():
			fmt.Fprintf(&b, "> **Error:** %s\n\n", oneLine(m.Content))
		case m.Role == model.RoleUser:
			fmt.Fprintf(&b, "## You\n\n%s\n\n", m.Content)
		case m.Role == model.RoleAssistant:
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			b.WriteString("## Assistant\n\n")
			if m.Content != "" {
				b.WriteString(m.Content + "\n\n")
			}
			for _, call := range m.ToolCalls {
				fmt.Fprintf(&b, "- called `%s` with `%s`\n", call.Name, oneLine(call.Arguments))
			}
			if len(m.ToolCalls) > 0 {
				b.WriteString("\n")
			}
		case m.Role == model.RoleTool:
			fmt.Fprintf(&b, "> %s\n\n", oneLine(m.Content))
		}
	}
	return b.String()
}

func exportHTML(md, title string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	r := html.NewRenderer(html.RendererOptions{
		Title: title,
		Flags: html.CommonFlags | html.CompletePage,
	})
	return string(gomarkdown.ToHTML([]byte(md), p, r))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"otcore/agent"
	"otcore/ui"
)

func buildChatCmd(g *globalFlags) *cobra.Command {
	var (
		co       chatOptions
		copyLast bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask a question, or start an interactive session without one",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if len(args) == 0 {
				return runInteractive(ctx, app, co)
			}
			return runOneShot(ctx, cmd, app, co, strings.Join(args, " "), copyLast)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&co.ConversationID, "conversation", "C", "", "Resume a stored conversation by id")
	f.StringVar(&co.Provider, "provider", "", "Provider id from the config (default agent.provider)")
	f.StringVarP(&co.Model, "model", "m", "", "Model name, overriding the provider's")
	f.StringVar(&co.Mode, "mode", "", `Agent mode, "react" or "plan" (default agent.mode)`)
	f.IntVar(&co.MaxIterations, "max-iterations", 0, "Tool iterations before the answer is forced (default agent.max_iterations)")
	f.StringVar(&co.SystemPrompt, "system", "", "System prompt for this conversation")
	f.BoolVar(&copyLast, "copy", false, "Copy the final answer to the clipboard")
	return cmd
}

func runInteractive(ctx context.Context, app *App, co chatOptions) error {
	sink := ui.NewSink()
	ctrl, err := app.NewController(ctx, co, sink.Send)
	if err != nil {
		return err
	}
	if err := ui.Run(ctx, ctrl, sink); err != nil {
		return fmt.Errorf("failed to run interactive session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Conversation %s\n", ctrl.History().ID())
	return nil
}

func runOneShot(ctx context.Context, cmd *cobra.Command, app *App, co chatOptions, text string, copyLast bool) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	ctrl, err := app.NewController(ctx, co, oneShotPrinter(out, errOut))
	if err != nil {
		return err
	}

	final, err := ctrl.Chat(ctx, text)
	fmt.Fprintln(out)
	if errors.Is(err, agent.ErrStopped) {
		fmt.Fprintln(errOut, "stopped")
		return nil
	}
	if err != nil {
		return err
	}
	if ctrl.LastRun().CapReached {
		fmt.Fprintln(errOut, "note: iteration limit reached, the answer may be incomplete")
	}
	fmt.Fprintf(errOut, "conversation %s\n", ctrl.History().ID())

	if copyLast {
		if err := clipboard.WriteAll(final.Content); err != nil {
			fmt.Fprintf(errOut, "warning: could not copy to clipboard: %v\n", err)
		}
	}
	return nil
}

// oneShotPrinter streams answer text to out and progress to errOut. Only
// the first plan event is shown.
func oneShotPrinter(out, errOut io.Writer) func(agent.Event) {
	wrote, planShown := false, false
	return func(e agent.Event) {
		switch e.Kind {
		case agent.EventContent:
			fmt.Fprint(out, e.Content)
			wrote = true
		case agent.EventToolCall:
			if wrote {
				fmt.Fprintln(out)
				wrote = false
			}
			fmt.Fprintf(errOut, "→ %s (%s)\n", e.Purpose, e.Tool)
		case agent.EventToolResult:
			if e.Failed {
				fmt.Fprintf(errOut, "  failed: %s\n", ui.Preview(e.Content, 100))
			}
		case agent.EventPlan:
			if planShown {
				return
			}
			planShown = true
			if wrote {
				fmt.Fprintln(out)
				wrote = false
			}
			fmt.Fprintln(errOut, ui.RenderPlan(e.Plan))
		case agent.EventError:
			fmt.Fprintf(errOut, "error: %s\n", e.Content)
		}
	}
}

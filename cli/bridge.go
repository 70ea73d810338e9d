package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"otcore/transport"
)

func buildBridgeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve model streams to remote clients over a WebSocket",
		Long: `bridge relays streaming requests from clients using the bridge transport
(transport.kind = "bridge") to the providers over plain HTTP. It serves the
WebSocket on /stream and Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bridge listening on ws://%s/stream\n", ln.Addr())
			return serveBridge(ctx, ln, app)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8765", "Address to listen on")
	return cmd
}

func bridgeMux(app *App) *http.ServeMux {
	logger := app.Logger.With("component", "bridge-server")
	mux := http.NewServeMux()
	mux.Handle("/stream", transport.NewBridgeHandler(transport.NewHTTP(nil, logger), logger))
	mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// serveBridge serves until ctx is done, then drains for up to five seconds.
func serveBridge(ctx context.Context, ln net.Listener, app *App) error {
	server := &http.Server{
		Handler:           bridgeMux(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("bridge shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down bridge: %w", err)
	}
	return nil
}

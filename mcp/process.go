package mcp

import (
	"context"
	"log/slog"
	"time"
)

const closeTimeout = time.Second

// closeConnection closes the client and, when the close fails or hangs,
// kills the server process.
func closeConnection(ctx context.Context, conn *Connection, logger *slog.Logger) {
	closed := false
	if conn.Client != nil {
		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- conn.Client.Close()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Warn("close client", "server", conn.ID, "error", err)
			} else {
				closed = true
			}
		case <-closeCtx.Done():
			logger.Warn("close client timed out", "server", conn.ID)
		}
	}

	if !closed && conn.Process != nil && conn.Process.Process != nil {
		logger.Debug("killing server process", "server", conn.ID, "pid", conn.Process.Process.Pid)
		if err := conn.Process.Process.Kill(); err != nil {
			logger.Warn("kill server process", "server", conn.ID, "error", err)
		}
	}
}

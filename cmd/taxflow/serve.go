package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/api"
	"github.com/Veraticus/taxflow/internal/certs"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		certDir string
		useMCP  bool
		useTLS  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classification API over HTTP and MCP",
		Long: `Start the REST API (batches, decisions, audit, review queue) and, unless
--mcp=false, an MCP server on standard input and output for agent tooling.

Batches submitted over HTTP run in the background; they stop dispatching when
the server shuts down and can be resumed with "taxflow resume".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if addr == "" {
				addr = a.settings.ServerAddr
			}
			srv := &http.Server{
				Addr: addr,
				Handler: api.NewHandler(api.Deps{
					Pipeline:   a.orch,
					Strategy:   a.strategy,
					RunContext: ctx,
					Logger:     slog.Default(),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			if useTLS {
				if certDir == "" {
					certDir = filepath.Join(filepath.Dir(a.settings.DatabasePath), "certs")
				}
				cert, err := certs.NewStore(certDir).LoadOrCreate(listenHost(addr)...)
				if err != nil {
					return fmt.Errorf("failed to prepare TLS certificate: %w", err)
				}
				srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			}

			if useMCP {
				stdio := server.NewStdioServer(api.NewMCPServer(a.orch, version))
				go func() {
					if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
						slog.Error("MCP stdio server error", "error", err)
					}
				}()
				slog.Info("MCP server started (stdio transport)")
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("taxflow listening", "addr", addr, "tls", useTLS)
				var err error
				if useTLS {
					err = srv.ListenAndServeTLS("", "")
				} else {
					err = srv.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				slog.Info("shutting down")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().BoolVar(&useMCP, "mcp", true, "serve MCP tools on stdin/stdout")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "serve HTTPS with a self-signed certificate")
	cmd.Flags().StringVar(&certDir, "cert-dir", "", "certificate directory (default: certs next to the database)")
	return cmd
}

// listenHost returns the host of addr when the certificate must name it.
func listenHost(addr string) []string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return nil
	}
	return []string{host}
}

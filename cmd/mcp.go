package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/talkrelay/internal/client"
	"github.com/zjrosen/talkrelay/internal/config"
	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/mcp"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/talk"
	"github.com/zjrosen/talkrelay/internal/tracing"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the stdio MCP tool server",
	Long: `Run the MCP server over stdin/stdout. Add this command to your MCP host
configuration to give the assistant the speech_response and
get_user_messages tools.

By default the tools talk to a relay started with "talkrelay serve" at
tool.api_endpoint (or API_ENDPOINT). With --embedded the relay runs in this
process and also serves HTTP on api.addr.

Logs go to stderr or log.path; stdout carries only protocol messages.`,
	RunE: runMCP,
}

var mcpEmbedded bool

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpEmbedded, "embedded", false,
		"run the relay in-process instead of connecting to tool.api_endpoint")
}

func runMCP(_ *cobra.Command, _ []string) error {
	if err := initLogging(cfg); err != nil {
		return err
	}
	watchConfig(cfg)

	provider, err := tracing.NewProvider(tracingConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	defer shutdownTracing(provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backend relay.Relay
	if mcpEmbedded {
		rl := newRelay(cfg, provider)
		srv, httpMCP, err := newRelayServer(cfg, rl, provider)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				log.ErrorErr(log.CatAPI, "Embedded relay stopped", err)
			}
		}()
		defer func() {
			httpMCP.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
		log.Info(log.CatAPI, "Embedded relay listening", "url", srv.URL())
		backend = rl
	} else {
		backend = client.New(cfg.Tool.APIEndpoint, client.WithTimeout(cfg.Tool.RequestTimeout))
		log.Info(log.CatClient, "Using relay", "endpoint", cfg.Tool.APIEndpoint)
	}

	return serveStdio(ctx, newToolServer(cfg, backend, provider), os.Stdin, os.Stdout)
}

// serveStdio runs srv until input ends or ctx is cancelled.
func serveStdio(ctx context.Context, srv *mcp.Server, in io.Reader, out io.Writer) error {
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(in, out)
	}()

	select {
	case err := <-done:
		srv.Stop()
		if err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		log.Info(log.CatMCP, "Input closed, exiting")
		return nil
	case <-ctx.Done():
		log.Info(log.CatMCP, "Shutting down")
		srv.Stop()
		return nil
	}
}

// newToolServer builds an MCP server exposing the speech tools over backend.
func newToolServer(c config.Config, backend relay.Relay, p *tracing.Provider) *mcp.Server {
	srv := newMCPServer(p)
	talk.NewSession(backend, waitConfig(c, p)).Register(srv)
	return srv
}

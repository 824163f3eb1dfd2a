package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/talkrelay/internal/api"
	"github.com/zjrosen/talkrelay/internal/config"
	"github.com/zjrosen/talkrelay/internal/log"
	"github.com/zjrosen/talkrelay/internal/mcp"
	"github.com/zjrosen/talkrelay/internal/relay"
	"github.com/zjrosen/talkrelay/internal/store"
	"github.com/zjrosen/talkrelay/internal/talk"
	"github.com/zjrosen/talkrelay/internal/tracing"
	"github.com/zjrosen/talkrelay/internal/waiter"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay",
	Long: `Run the HTTP relay that carries messages between the assistant and
the human.

The relay keeps the most recent messages in memory and serves:

  POST/GET /api/mcp/speak         assistant messages
  GET      /api/mcp/user-messages user messages for the tool
  POST/GET /api/user/speak        user messages
  GET      /api/events            server-sent events
  POST     /mcp                   MCP over HTTP
  GET      /health, /metrics

Example:
  talkrelay serve                 # listen on :3000
  talkrelay serve --addr :8080`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides api.addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := initLogging(cfg); err != nil {
		return err
	}
	fileCfg := cfg
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}
	watchConfig(fileCfg)

	provider, err := tracing.NewProvider(tracingConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	defer shutdownTracing(provider)

	rl := newRelay(cfg, provider)
	srv, mcpSrv, err := newRelayServer(cfg, rl, provider)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info(log.CatAPI, "Relay listening", "url", srv.URL(), "retention", cfg.Relay.Retention)
	fmt.Fprintf(os.Stderr, "talkrelay listening on %s\n", srv.URL())

	select {
	case <-ctx.Done():
		log.Info(log.CatAPI, "Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// In-flight MCP waits hold their HTTP requests open; cancel them first.
	mcpSrv.Stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "Error stopping server", err)
	}
	return nil
}

func tracingConfig(c config.Config) tracing.Config {
	return tracing.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		FilePath:     c.Tracing.FilePath,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	}
}

func shutdownTracing(p *tracing.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "Tracing shutdown failed", err)
	}
}

func newRelay(c config.Config, p *tracing.Provider) *relay.Service {
	st := store.NewMemoryStore(store.WithRetention(c.Relay.Retention))
	return relay.NewService(st, relay.WithTracer(p.Tracer()))
}

func waitConfig(c config.Config, p *tracing.Provider) waiter.Config {
	return waiter.Config{
		Interval: c.Tool.PollInterval,
		MaxWait:  c.Tool.MaxWait,
		Tracer:   p.Tracer(),
	}
}

func newMCPServer(p *tracing.Provider) *mcp.Server {
	return mcp.NewServer("talkrelay", version,
		mcp.WithInstructions(talk.Instructions),
		mcp.WithTracer(p.Tracer()),
	)
}

// newRelayServer binds the HTTP relay with the speech tools mounted at /mcp,
// backed directly by rl.
func newRelayServer(c config.Config, rl *relay.Service, p *tracing.Provider) (*api.Server, *mcp.Server, error) {
	mcpSrv := newToolServer(c, rl, p)

	srv, err := api.NewServer(api.ServerConfig{
		Addr:        c.API.Addr,
		ReadTimeout: c.API.ReadTimeout,
		Handler: api.HandlerConfig{
			Relay:          rl,
			MCP:            mcpSrv,
			IdempotencyTTL: c.Relay.IdempotencyTTL,
			AllowedOrigins: c.API.AllowedOrigins,
			Tracer:         p.Tracer(),
		},
	})
	if err != nil {
		mcpSrv.Stop()
		return nil, nil, fmt.Errorf("creating API server: %w", err)
	}
	return srv, mcpSrv, nil
}

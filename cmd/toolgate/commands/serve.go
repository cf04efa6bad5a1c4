package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/agent"
	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/bridge"
	"github.com/toolgate/toolgate/internal/bridgeerr"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/logging"
	"github.com/toolgate/toolgate/internal/permission"
	"github.com/toolgate/toolgate/internal/server"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/pkg/types"
)

var (
	servePort    int
	serveSandbox string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long: `Start the bridge as an HTTP server.

The server exposes /execute for agent turns, /permission endpoints for
operator decisions, sandboxed /file helpers, /health, and an /event
SSE firehose.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveSandbox, "sandbox-root", "", "Sandbox root directory (overrides config)")
}

// engineRunner adapts the concrete engine to the orchestrator's
// runner interface.
type engineRunner struct {
	engine *agent.Engine
}

func (r engineRunner) StartTurn(ctx context.Context, req types.ExecuteRequest) (bridge.Stepper, error) {
	return r.engine.StartTurn(ctx, req)
}

// lateResolver breaks the construction cycle between the websocket
// approval channel and the permission manager: the channel needs a
// resolver before the manager exists.
type lateResolver struct {
	target atomic.Pointer[permission.Manager]
}

func (l *lateResolver) Resolve(reply types.PermissionReply) {
	if m := l.target.Load(); m != nil {
		m.Resolve(reply)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// A missing .env is fine; explicit environment wins either way.
	godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveSandbox != "" {
		cfg.Sandbox.Root = serveSandbox
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: prettyLogs || cfg.Log.Pretty,
	})

	logger.Info().
		Str("version", Version).
		Int("port", cfg.Server.Port).
		Str("sandboxRoot", cfg.Sandbox.Root).
		Msg("starting toolgate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	defer bus.Close()

	// Approval channel selection is the one composition decision the
	// permission manager never sees.
	var (
		channel  approval.Channel
		deferred *lateResolver
		ws       *approval.WSChannel
	)
	switch cfg.Approval.Mode {
	case "websocket":
		deferred = &lateResolver{}
		ws = approval.NewWSChannel(cfg.Approval.URL, deferred, logger)
		channel = ws
	default:
		channel = approval.NewBusChannel(bus)
	}

	permissions := permission.NewManager(cfg.Permission, channel, bus, logger)
	if deferred != nil {
		deferred.target.Store(permissions)
		if err := ws.Start(ctx); err != nil {
			return fmt.Errorf("approval channel: %w", err)
		}
	}

	adm := admission.NewController(cfg.Admission, logger)
	cfg.Sandbox.Root = expandHome(cfg.Sandbox.Root)
	sandbox, err := admission.NewSandbox(cfg.Sandbox)
	if err != nil {
		return err
	}

	streams := stream.NewManager(cfg.Stream, bus, logger)
	adm.SetStreamCounter(streams.ActiveCount)

	engine, err := agent.Start(ctx, cfg.Agent, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	recovery := bridgeerr.NewCoordinator(logger)
	orch := bridge.New(adm, streams, permissions, engineRunner{engine}, recovery, bus, logger)

	// Background sweeps: permission cache expiry and stream health.
	go permissions.Cache().Run(ctx, cfg.Permission.CacheTTL.Std()/2)
	go streams.Run(ctx)

	srv := server.New(cfg.Server, orch, permissions, sandbox, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}

	logger.Info().Msg("stopped")
	return nil
}

// expandHome is a convenience for sandbox roots given as "~/...".
func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

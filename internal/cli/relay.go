package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"physiquest-session/internal/config"
	transport "physiquest-session/internal/transport/http"
)

// NewRelayCmd builds the CLI subcommand that runs the WebSocket relay.
func NewRelayCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the WebSocket relay that carries session channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), *configPath, *port)
		},
	}
}

func runRelay(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	relayCfg := transport.DefaultRelayConfig()
	relayCfg.PingInterval = config.Duration(cfg.Server.PingInterval, relayCfg.PingInterval)
	if relayCfg.PingInterval >= relayCfg.PongWait {
		relayCfg.PongWait = relayCfg.PingInterval * 10 / 9
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		relayCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	}

	gin.SetMode(gin.ReleaseMode)
	relay := transport.NewRelay(relayCfg)
	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     relay.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("starting relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down relay...")
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

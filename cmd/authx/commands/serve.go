package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	authx "github.com/bionicotaku/citydash-authx"
	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the auth API",
		Long:  "Serve the session endpoints of the dashboard API: token issuance (dev only), /me, revoke and health.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, opts, false, false, true)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(ctx, a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	deps := apiDeps{
		cfg:     a.cfg,
		service: a.service,
		logger:  a.logger,
	}

	switch list := a.revocations.(type) {
	case *authx.RedisRevocationList:
		store, err := redisstore.NewStoreWithOptions(list.Client(), limiter.StoreOptions{
			Prefix: "authx:ratelimit",
		})
		if err != nil {
			return fmt.Errorf("failed to create rate limit store: %w", err)
		}
		deps.limiterStore = store
		deps.health = list.Ping
	case *authx.MemoryRevocationList:
		deps.limiterStore = memorystore.NewStore()
		a.logger.Warn("using_in_memory_revocation_list",
			zap.String("hint", "revocations are lost on restart and not shared between instances"),
		)
		go list.Run(ctx, a.cfg.Server.PruneInterval)
	default:
		deps.limiterStore = memorystore.NewStore()
	}

	if a.cfg.Server.DevIssue {
		a.logger.Warn("dev_token_issuance_enabled")
	}
	if a.cfg.Server.DevBypass {
		a.logger.Warn("dev_auth_bypass_enabled")
	}

	handler, err := newRouter(deps)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server_starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server_exited")
	return nil
}

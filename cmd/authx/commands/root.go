package commands

import (
	"context"
	"fmt"
	"os"

	authx "github.com/bionicotaku/citydash-authx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootOptions struct {
	configPath string
	debug      bool
}

// app bundles what every subcommand needs.
type app struct {
	cfg         *authx.Config
	logger      *zap.Logger
	service     *authx.Service
	revocations authx.RevocationList
	closers     []func() error
}

// NewRootCmd creates the authx command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "authx",
		Short:         "Session token tool for the city dashboard API",
		Long:          "Issue, validate and revoke the bearer tokens that represent dashboard sessions, or serve the demo auth API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("AUTHX_CONFIG"), "Path to YAML config (env AUTHX_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewKeygenCmd())
	rootCmd.AddCommand(NewIssueCmd(opts))
	rootCmd.AddCommand(NewValidateCmd(opts))
	rootCmd.AddCommand(NewRevokeCmd(opts))
	rootCmd.AddCommand(NewServeCmd(opts))
	return rootCmd
}

func newLogger(debug, console bool) (*zap.Logger, error) {
	if console {
		config := zap.NewDevelopmentConfig()
		if debug {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		return config.Build()
	}

	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}

// setup loads configuration and builds the service. requireRedis fails when
// no shared revocation list is configured; memoryFallback uses an in-process
// list instead.
func setup(ctx context.Context, opts *rootOptions, console, requireRedis, memoryFallback bool) (*app, error) {
	cfg, err := authx.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(opts.debug, console)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	switch {
	case cfg.Redis.URL != "":
		list, err := authx.OpenRedisRevocationList(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.revocations = list
		a.closers = append(a.closers, list.Close)
		logger.Debug("connected_to_redis")
	case requireRedis:
		a.close()
		return nil, fmt.Errorf("AUTHX_REDIS_URL (or redis.url) is required")
	case memoryFallback:
		a.revocations = authx.NewMemoryRevocationList(nil)
	}

	serviceOpts := []authx.ServiceOption{authx.WithLogger(logger)}
	if a.revocations != nil {
		serviceOpts = append(serviceOpts, authx.WithRevocationList(a.revocations))
	}
	svc, err := authx.NewService(cfg.Service, serviceOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to build token service: %w", err)
	}
	a.service = svc
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: close: %v\n", err)
		}
	}
}

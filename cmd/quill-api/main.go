package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/auth"
	"github.com/MarcoPoloResearchLab/quill/internal/config"
	"github.com/MarcoPoloResearchLab/quill/internal/logging"
	"github.com/MarcoPoloResearchLab/quill/internal/scheduler"
	"github.com/MarcoPoloResearchLab/quill/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quill-api",
		Short: "Quill view tracking and publishing service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSweepCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL of the view counter store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfigAndLogger() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var operators server.OperatorValidator
	if appConfig.AdminEnabled() {
		validator, err := auth.NewOperatorValidator(auth.OperatorValidatorConfig{
			SigningSecret: []byte(appConfig.Admin.SigningSecret),
		})
		if err != nil {
			return err
		}
		operators = validator
	} else {
		logger.Info("admin routes disabled, no signing secret configured")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tracker:        app.tracker,
		Sweeps:         app.runner,
		Operators:      operators,
		HealthChecks:   app.healthChecks(),
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return app.runner.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newSweepCommand() *cobra.Command {
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a background sweep once and exit",
	}
	for _, entry := range []struct {
		use   string
		task  string
		short string
	}{
		{use: "reconcile", task: taskReconcileViews, short: "Fold buffered view counters into post totals"},
		{use: "publish", task: taskPublishScheduled, short: "Publish scheduled posts that are due"},
	} {
		entry := entry
		sweepCmd.AddCommand(&cobra.Command{
			Use:   entry.use,
			Short: entry.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSweepOnce(cmd.Context(), entry.task)
			},
		})
	}
	return sweepCmd
}

func runSweepOnce(ctx context.Context, task string) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.runner.RunNow(signalCtx, task); err != nil {
		if errors.Is(err, scheduler.ErrTaskBusy) {
			return fmt.Errorf("sweep %s is already running", task)
		}
		return err
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AdminEnabled() {
				return fmt.Errorf("admin.signing_secret is required to mint operator tokens")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Admin.SigningSecret),
				TokenTTL:      appConfig.Admin.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueOperatorToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	if err := tokenCmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return tokenCmd
}

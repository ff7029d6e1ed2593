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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lexrelay/lexrelay/internal/auth"
	"github.com/lexrelay/lexrelay/internal/config"
	"github.com/lexrelay/lexrelay/internal/database"
	"github.com/lexrelay/lexrelay/internal/identity"
	"github.com/lexrelay/lexrelay/internal/logging"
	"github.com/lexrelay/lexrelay/internal/messaging"
	"github.com/lexrelay/lexrelay/internal/presence"
	"github.com/lexrelay/lexrelay/internal/server"
	"github.com/lexrelay/lexrelay/internal/signaling"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lexrelay",
		Short: "Realtime presence, messaging, and call-signaling service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("token.issuer"), "Expected connect-token issuer")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("token.audience"), "Expected connect-token audience")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("transport.send_buffer"), "Per-connection outbound frame buffer")
	cmd.PersistentFlags().String("signing-secret", "", "Connect-token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.issuer", "token-issuer")
	bindFlag(cmd, "token.audience", "token-audience")
	bindFlag(cmd, "transport.send_buffer", "send-buffer")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(presence.RegistryConfig{Logger: logger})

	store, err := messaging.NewStore(messaging.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := messaging.NewDispatcher(messaging.DispatcherConfig{
		Resolver: resolver,
		Registry: registry,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	relay, err := signaling.NewRelay(signaling.RelayConfig{
		Registry: registry,
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       registry,
		Dispatcher:     dispatcher,
		Relay:          relay,
		Resolver:       resolver,
		TokenValidator: validator,
		MessageStore:   store,
		Logger:         logger,
		SendBufferSize: appConfig.SendBufferSize,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newMintTokenCommand mints a connect token for local development. Real
// deployments receive tokens from the marketplace auth system.
func newMintTokenCommand() *cobra.Command {
	var (
		principalID int64
		kind        string
		displayName string
		observer    bool
		ttlMinutes  int
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a development connect token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			principalKind, err := identity.ParseKind(kind)
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			token, err := issuer.IssueConnectToken(
				identity.Identity{PrincipalID: principalID, Kind: principalKind},
				displayName,
				observer,
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&principalID, "principal-id", 0, "Internal principal id")
	cmd.Flags().StringVar(&kind, "kind", "user", "Principal kind (user or lawyer)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name hint")
	cmd.Flags().BoolVar(&observer, "observer", false, "Grant the observer role")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "Token lifetime in minutes")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/bridge"
	"github.com/MarcoPoloResearchLab/roomsync/internal/config"
	"github.com/MarcoPoloResearchLab/roomsync/internal/database"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ddp"
	"github.com/MarcoPoloResearchLab/roomsync/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/roomsync/internal/logging"
	"github.com/MarcoPoloResearchLab/roomsync/internal/mentions"
	"github.com/MarcoPoloResearchLab/roomsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/roomsync/internal/remote"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/server"
	"github.com/MarcoPoloResearchLab/roomsync/internal/store"
	"github.com/MarcoPoloResearchLab/roomsync/internal/users"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomsync",
		Short: "Local mirror of chat rooms and subscriptions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newInitCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Chat server URL (http, https, ws or wss)")
	cmd.PersistentFlags().String("resume-token", "", "Resume token used to log in")
	cmd.PersistentFlags().String("user-id", "", "User id for REST calls made before the first login")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Delay before each reconciliation while disconnected")
	cmd.PersistentFlags().String("api-address", defaults.GetString("api.address"), "Local API listen address (empty disables the API)")
	cmd.PersistentFlags().String("api-signing-secret", "", "Local API signing secret (overrides env)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.resume_token", "resume-token")
	bindFlag(cmd, "auth.user_id", "user-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "api.address", "api-address")
	bindFlag(cmd, "api.signing_secret", "api-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("roomsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newInitCommand() *cobra.Command {
	var (
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter TOML configuration",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("api.signing_secret")
			if secret == "" {
				secret = uuid.NewString()
			}
			file := config.Template(viper.GetString("server.url"), viper.GetString("auth.resume_token"), secret)
			file.Auth.UserID = viper.GetString("auth.user_id")
			if err := config.WriteFile(output, file, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "roomsync.toml", "Where to write the configuration")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("api.signing_secret")),
				Issuer:        auth.DefaultIssuer,
				Audience:      auth.DefaultAudience,
				TokenTTL:      time.Duration(viper.GetInt("api.token_ttl_minutes")) * time.Minute,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local", "Subject recorded in the token")
	return cmd
}

func runDaemon(ctx context.Context) error {
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

	localStore, err := store.New(store.Config{Database: db, Logger: logger.Named("store")})
	if err != nil {
		return err
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	pipeline, err := rooms.NewService(rooms.ServiceConfig{
		Store:    localStore,
		Notifier: dispatcher,
		Logger:   logger.Named("rooms"),
	})
	if err != nil {
		return err
	}

	transport, err := ddp.NewClient(ddp.Config{
		URL:                appConfig.ServerURL,
		ResumeToken:        appConfig.ResumeToken,
		CallTimeout:        appConfig.CallTimeout,
		AutoReconnect:      true,
		ReconnectBaseDelay: appConfig.ReconnectBaseDelay,
		ReconnectMaxDelay:  appConfig.ReconnectMaxDelay,
		Logger:             logger.Named("ddp"),
	})
	if err != nil {
		return err
	}
	defer transport.Close() //nolint:errcheck

	restCaller, err := remote.NewRESTCaller(remote.RESTConfig{
		BaseURL: appConfig.ServerURL,
		Credentials: func() (string, string) {
			if userID := transport.UserID(); userID != "" {
				return userID, appConfig.ResumeToken
			}
			return appConfig.UserID, appConfig.ResumeToken
		},
		HTTPClient: &http.Client{Timeout: appConfig.FetchTimeout},
		Logger:     logger.Named("rest"),
	})
	if err != nil {
		return err
	}
	remoteClient, err := remote.NewClient(remote.Failover{
		Primary:   transport,
		Secondary: restCaller,
		IsOffline: func(err error) bool { return errors.Is(err, ddp.ErrNotConnected) },
		Logger:    logger.Named("remote"),
	}, logger.Named("remote"))
	if err != nil {
		return err
	}

	loop, err := reconcile.NewLoop(reconcile.Config{
		Fetcher:      remoteClient,
		Applier:      pipeline,
		Checkpoints:  localStore,
		Interval:     appConfig.SyncInterval,
		FetchTimeout: appConfig.FetchTimeout,
		Logger:       logger.Named("reconcile"),
	})
	if err != nil {
		return err
	}
	defer loop.Close()
	if err := loop.Restore(ctx); err != nil {
		logger.Warn("starting without a persisted checkpoint", zap.Error(err))
	}
	lifecycle.Bind(transport, loop)

	feeds, err := bridge.New(bridge.Config{
		Transport: transport,
		Pipeline:  pipeline,
		Logger:    logger.Named("bridge"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport.On(ddp.EventLogged, func(json.RawMessage) {
		userID := transport.UserID()
		go func() {
			if err := feeds.Start(signalCtx, userID); err != nil {
				logger.Error("event bridge failed to start", zap.String("user_id", userID), zap.Error(err))
			}
		}()
	})

	connectCtx, cancelConnect := context.WithTimeout(signalCtx, appConfig.CallTimeout)
	err = transport.ConnectWithRetry(connectCtx)
	cancelConnect()
	if err != nil {
		logger.Warn("server unavailable at startup, reconciling until it is back",
			zap.String("operation", "ddp.connect"),
			zap.Error(err))
	}

	errCh := make(chan error, 1)
	var httpServer *http.Server
	if appConfig.APIEnabled() {
		httpServer, err = newAPIServer(appConfig, localStore, loop, transport, feeds, directory, remoteClient, dispatcher, logger)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("api starting", zap.String("address", appConfig.APIAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newAPIServer(
	appConfig config.AppConfig,
	localStore *store.Store,
	loop *reconcile.Loop,
	transport *ddp.Client,
	feeds *bridge.Bridge,
	directory *users.Service,
	remoteClient *remote.Client,
	dispatcher *server.RealtimeDispatcher,
	logger *zap.Logger,
) (*http.Server, error) {
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.APISigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.APITokenTTL,
	})
	if err != nil {
		return nil, err
	}

	searcher, err := mentions.NewSearcher(mentions.Config{
		Directory:     directory,
		Subscriptions: localStore,
		Spotlight:     remoteClient,
		Emojis:        appConfig.Emojis,
		CustomEmojis:  appConfig.CustomEmojis,
		Logger:        logger.Named("mentions"),
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenIssuer,
		Store:     localStore,
		Loop:      loop,
		Transport: transport,
		Bridge:    feeds,
		Mentions:  searcher,
		Users:     directory,
		Realtime:  dispatcher,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:              appConfig.APIAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernlight/worldsync/internal/auth"
	"github.com/tavernlight/worldsync/internal/config"
	"github.com/tavernlight/worldsync/internal/database"
	"github.com/tavernlight/worldsync/internal/logging"
	"github.com/tavernlight/worldsync/internal/players"
	"github.com/tavernlight/worldsync/internal/server"
	"github.com/tavernlight/worldsync/internal/world"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "worldsync-api",
		Short: "Worldsync tabletop synchronization backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSeedCommand())

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
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

	playerService, err := players.NewService(players.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	worldService, err := world.NewService(world.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: world.NewUUIDProvider(),
		Players:    playerService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionIssuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		Audience:      appConfig.SessionAudience,
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		WorldService: worldService,
		Players:      playerService,
		Sessions:     sessionIssuer,
		Logger:       logger,
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

// newSeedCommand provisions a campaign with its master and players. Campaigns
// are administrative objects; no HTTP endpoint creates them.
func newSeedCommand() *cobra.Command {
	var (
		campaignID   string
		campaignName string
		master       string
		playerCreds  []string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision a campaign with its master and players",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			return seedCampaign(cmd.Context(), db, logger, campaignID, campaignName, master, playerCreds)
		},
	}

	cmd.Flags().StringVar(&campaignID, "campaign-id", "", "Campaign identifier")
	cmd.Flags().StringVar(&campaignName, "campaign-name", "", "Campaign display name")
	cmd.Flags().StringVar(&master, "master", "", "Game master credentials as username:password")
	cmd.Flags().StringArrayVar(&playerCreds, "player", nil, "Player credentials as username:password (repeatable)")
	_ = cmd.MarkFlagRequired("campaign-id")
	_ = cmd.MarkFlagRequired("campaign-name")
	_ = cmd.MarkFlagRequired("master")

	return cmd
}

func seedCampaign(ctx context.Context, db *gorm.DB, logger *zap.Logger, campaignID, campaignName, master string, playerCreds []string) error {
	playerService, err := players.NewService(players.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	campaign := world.Campaign{
		CampaignID:    campaignID,
		Name:          campaignName,
		UpdatedMicros: time.Now().UTC().UnixMicro(),
	}
	if err := db.WithContext(ctx).Create(&campaign).Error; err != nil {
		return fmt.Errorf("campaign create failed: %w", err)
	}

	ensureAccount := func(credentials string) (string, error) {
		username, password, ok := strings.Cut(credentials, ":")
		if !ok {
			return "", fmt.Errorf("credentials must be username:password, got %q", credentials)
		}
		account, err := playerService.Create(ctx, username, username, password)
		if errors.Is(err, players.ErrDuplicateUsername) {
			return "", fmt.Errorf("username %q already registered", username)
		}
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(account.ID, 10), nil
	}

	masterID, err := ensureAccount(master)
	if err != nil {
		return err
	}
	memberships := []world.CampaignProperty{
		{CampaignID: campaignID, UserID: masterID, Name: world.PropertyIsMaster, Value: "true"},
		{CampaignID: campaignID, UserID: masterID, Name: world.PropertyIsPlayer, Value: "true"},
	}
	for _, credentials := range playerCreds {
		playerID, err := ensureAccount(credentials)
		if err != nil {
			return err
		}
		memberships = append(memberships, world.CampaignProperty{
			CampaignID: campaignID, UserID: playerID, Name: world.PropertyIsPlayer, Value: "true",
		})
	}
	if err := db.WithContext(ctx).Create(&memberships).Error; err != nil {
		return fmt.Errorf("membership create failed: %w", err)
	}

	logger.Info("campaign seeded",
		zap.String("campaign_id", campaignID),
		zap.Int("players", len(memberships)-1))
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chipgpt/mcp-server/internal/config"
	"github.com/chipgpt/mcp-server/internal/instrumentation"
	"github.com/chipgpt/mcp-server/internal/mcp"
	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/security"
	"github.com/chipgpt/mcp-server/internal/sessioncache"
	"github.com/chipgpt/mcp-server/internal/storage"
	"github.com/chipgpt/mcp-server/internal/storage/memory"
	valkeystore "github.com/chipgpt/mcp-server/internal/storage/valkey"
	"github.com/chipgpt/mcp-server/internal/vault"
)

// userIdentityHeader carries the authenticated end-user identity set by the
// upstream auth proxy. Authorization requests without it are rejected.
const userIdentityHeader = "X-Auth-Request-User"

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OAuth and MCP server",
	Long: `Starts the HTTP server hosting the OAuth 2.1 authorization endpoints
and the streamable MCP transport for the profile and vault services.

Configuration is read from a YAML file (see --config); every setting has a
default, so the server starts without one.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	issuer := cfg.OAuth.Issuer
	if issuer == "" {
		issuer = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	websiteURL := cfg.Server.WebsiteURL
	if websiteURL == "" {
		websiteURL = issuer
	}

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := buildSessionCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "chipgpt-mcp",
		ServiceVersion: rootCmd.Version,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	auditor := security.NewAuditor(logger, true)

	oauthServer, err := oauth.New(store, store, store, &oauth.Config{
		Issuer:               issuer,
		ResourceURL:          issuer,
		AuthorizationCodeTTL: cfg.OAuth.AuthorizationCodeTTL.Std(),
		AccessTokenTTL:       cfg.OAuth.AccessTokenTTL.Std(),
		RefreshTokenTTL:      cfg.OAuth.RefreshTokenTTL.Std(),
		RequirePKCE:          true,
		AllowInsecureHTTP:    cfg.OAuth.AllowInsecureHTTP,
		TrustProxy:           cfg.Server.TrustProxy,
		EnableURLClientIDs:   cfg.OAuth.URLClientIDsEnabled(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create oauth server: %w", err)
	}
	oauthServer.SetAuditor(auditor)
	oauthServer.SetMetrics(inst.Metrics())
	oauthServer.SetUserIdentityFunc(func(r *http.Request) string {
		return r.Header.Get(userIdentityHeader)
	})

	metadataLimiter := security.NewRateLimiter(10, time.Minute, 1000, logger)
	defer metadataLimiter.Stop()
	oauthServer.SetMetadataFetchRateLimiter(metadataLimiter)

	vaultService := vault.NewService(store, logger)
	vaultService.SetAuditor(auditor)
	vaultService.SetMetrics(inst.Metrics())

	manager := mcp.NewManager(&mcp.Registry{
		Users:      store,
		Vault:      vaultService,
		WebsiteURL: websiteURL,
		Logger:     logger,
	}, cache, logger)
	manager.SetAuditor(auditor)
	manager.SetMetrics(inst.Metrics())
	manager.SetSessionTTL(cfg.Sessions.TTL.Std())

	var mcpLimiter *security.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		mcpLimiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute, cfg.RateLimit.MaxLimiters, logger)
		defer mcpLimiter.Stop()
	}

	mcpHandler := mcp.NewHandler(mcp.HandlerConfig{
		OAuthServer: oauthServer,
		Manager:     manager,
		RateLimiter: mcpLimiter,
		Auditor:     auditor,
		Metrics:     inst.Metrics(),
		Logger:      logger,
		TrustProxy:  cfg.Server.TrustProxy,
		ResourceURL: issuer,
	})

	mux := http.NewServeMux()
	oauthServer.RegisterHandlers(mux)
	mcpHandler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			"addr", srv.Addr,
			"issuer", issuer,
			"storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildStore creates the configured storage backend.
func buildStore(cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendValkey:
		store, err := valkeystore.New(valkeystore.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			KeyPrefix: cfg.Storage.Valkey.Prefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create valkey storage: %w", err)
		}
		return store, store.Close, nil
	default:
		store := memory.New()
		store.SetLogger(logger)
		return store, store.Stop, nil
	}
}

// buildSessionCache creates the session cache matching the storage backend,
// so multi-instance deployments share session state through Valkey.
func buildSessionCache(cfg config.Config, logger *slog.Logger) (sessioncache.Cache, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendValkey:
		cache, err := sessioncache.NewValkey(sessioncache.ValkeyConfig{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			KeyPrefix: cfg.Storage.Valkey.Prefix + ":session:",
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create valkey session cache: %w", err)
		}
		return cache, func() { _ = cache.Close() }, nil
	default:
		cache := sessioncache.NewMemory()
		return cache, func() { _ = cache.Close() }, nil
	}
}

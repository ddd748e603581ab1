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

	"github.com/avasquez/calbridge/internal/calkit"
	"github.com/avasquez/calbridge/internal/web"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "calbridge",
		Short:   "Google Calendar bridge with OAuth sign-in, per-user refresh credentials, and event APIs",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8000", "HTTP listen address")
	rootCmd.Flags().String("app_origin", "http://localhost:5173", "Front-end origin for redirects and CORS")
	rootCmd.Flags().String("auth_flow", "code", "Credential flow: code (refresh tokens) or implicit (client-submitted access token)")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("google_redirect_uri", "", "OAuth redirect URI registered with Google")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 secret for session cookies; empty disables sessions")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Session cookie TTL")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "OAuth state lifetime")
	rootCmd.Flags().String("token_file", "tokens.json", "Path of the JSON credential file")
	rootCmd.Flags().String("store_url", "", "Credential store URL (sqlite:// or postgres://; empty uses the JSON file)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Extra allowed origins besides app_origin")
	rootCmd.Flags().Int("upcoming_limit", calkit.DefaultUpcomingLimit, "Default cap for upcoming-event listings")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("app_origin", rootCmd.Flags().Lookup("app_origin"))
	_ = viper.BindPFlag("auth_flow", rootCmd.Flags().Lookup("auth_flow"))
	_ = viper.BindPFlag("google_client_id", rootCmd.Flags().Lookup("google_client_id"))
	_ = viper.BindPFlag("google_client_secret", rootCmd.Flags().Lookup("google_client_secret"))
	_ = viper.BindPFlag("google_redirect_uri", rootCmd.Flags().Lookup("google_redirect_uri"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("session_ttl", rootCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("state_ttl", rootCmd.Flags().Lookup("state_ttl"))
	_ = viper.BindPFlag("token_file", rootCmd.Flags().Lookup("token_file"))
	_ = viper.BindPFlag("store_url", rootCmd.Flags().Lookup("store_url"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("upcoming_limit", rootCmd.Flags().Lookup("upcoming_limit"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "calbridge_session"
	sessionIssuer     = "calbridge"

	configCodeMissingAppOrigin        = "config.missing_app_origin"
	configCodeInvalidAuthFlow         = "config.invalid_auth_flow"
	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingGoogleSecret     = "config.missing_google_client_secret"
	configCodeMissingRedirectURI      = "config.missing_google_redirect_uri"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates viper-backed settings into a ServerConfig.
// The implicit flow needs no Google client settings; the code flow fails
// fast without them.
func LoadServerConfig() (calkit.ServerConfig, error) {
	appOrigin := viper.GetString("app_origin")
	if appOrigin == "" {
		return calkit.ServerConfig{}, configError(configCodeMissingAppOrigin, "app_origin must be provided")
	}

	flow := calkit.AuthFlow(viper.GetString("auth_flow"))
	switch flow {
	case calkit.AuthFlowCode, calkit.AuthFlowImplicit:
	case "":
		flow = calkit.AuthFlowCode
	default:
		return calkit.ServerConfig{}, configError(configCodeInvalidAuthFlow, "auth_flow must be code or implicit")
	}

	serverConfig := calkit.ServerConfig{
		AppOrigin:         appOrigin,
		Flow:              flow,
		SessionIssuer:     sessionIssuer,
		SessionCookieName: sessionCookieName,
		SessionTTL:        viper.GetDuration("session_ttl"),
		StateTTL:          viper.GetDuration("state_ttl"),
		UpcomingLimit:     viper.GetInt("upcoming_limit"),
	}
	if serverConfig.UpcomingLimit <= 0 {
		serverConfig.UpcomingLimit = calkit.DefaultUpcomingLimit
	}

	if flow == calkit.AuthFlowImplicit {
		return serverConfig, nil
	}

	serverConfig.GoogleClientID = viper.GetString("google_client_id")
	if serverConfig.GoogleClientID == "" {
		return calkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}
	serverConfig.GoogleClientSecret = viper.GetString("google_client_secret")
	if serverConfig.GoogleClientSecret == "" {
		return calkit.ServerConfig{}, configError(configCodeMissingGoogleSecret, "google_client_secret must be provided")
	}
	serverConfig.GoogleRedirectURI = viper.GetString("google_redirect_uri")
	if serverConfig.GoogleRedirectURI == "" {
		return calkit.ServerConfig{}, configError(configCodeMissingRedirectURI, "google_redirect_uri must be provided")
	}

	if signingKey := viper.GetString("jwt_signing_key"); signingKey != "" {
		serverConfig.SessionSigningKey = []byte(signingKey)
		if serverConfig.SessionTTL <= 0 {
			return calkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
		}
	}
	if serverConfig.StateTTL <= 0 {
		return calkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	return serverConfig, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(calkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	corsOrigins := append([]string{serverConfig.AppOrigin}, viper.GetStringSlice("cors_allowed_origins")...)
	corsMiddleware, corsErr := web.ConfigureCORS(logger, corsOrigins)
	if corsErr != nil {
		return corsErr
	}
	router.Use(corsMiddleware)

	deps := calkit.RouterDeps{
		Gateway: calkit.NewCalendarGateway(logger),
		Logger:  logger,
		Metrics: calkit.NewCounterMetrics(),
	}

	if serverConfig.Flow == calkit.AuthFlowImplicit {
		staticTokens := calkit.NewStaticCredentialSource()
		deps.StaticTokens = staticTokens
		deps.Credentials = staticTokens
		logger.Info("using implicit flow with in-process access token")
	} else {
		store, storeErr := buildCredentialStore(command.Context(), logger)
		if storeErr != nil {
			return storeErr
		}
		verifier := calkit.NewGoogleIdentityVerifier(serverConfig.GoogleClientID)
		manager := calkit.NewAuthManager(serverConfig, verifier, store, logger)
		deps.Manager = manager
		deps.Credentials = manager
		deps.States = calkit.NewMemoryStateStore(serverConfig.StateTTL)
	}

	calkit.MountRoutes(router, serverConfig, deps)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("flow", string(serverConfig.Flow)))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildCredentialStore(ctx context.Context, logger *zap.Logger) (calkit.CredentialStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if storeURL := viper.GetString("store_url"); storeURL != "" {
		persistentStore, storeErr := calkit.NewDatabaseCredentialStore(ctx, storeURL)
		if storeErr != nil {
			return nil, storeErr
		}
		logger.Info("using database credential store", zap.String("driver", persistentStore.Driver()))
		return persistentStore, nil
	}
	tokenFile := viper.GetString("token_file")
	logger.Info("using file credential store", zap.String("path", tokenFile))
	return calkit.NewFileCredentialStore(tokenFile, logger), nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

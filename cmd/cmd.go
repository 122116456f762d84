package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imfree-backend/internal/config"
	"imfree-backend/internal/docstore"
	"imfree-backend/internal/handlers"
	"imfree-backend/internal/middleware"
	"imfree-backend/internal/repository"
	"imfree-backend/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	// Connect to database
	db, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	// Document store with realtime change notifications
	store := docstore.NewPostgres(db)
	if err := store.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start document store")
	}
	defer store.Close()

	// Initialize repositories
	sessionRepo := repository.NewSessionRepository(store)
	profileRepo := repository.NewProfileRepository(store)

	// Initialize services
	var avatarService *services.AvatarService
	if cfg.AWS.AvatarBucket != "" {
		avatarService, err = services.NewAvatarService(
			context.Background(),
			cfg.AWS.Region,
			cfg.AWS.AvatarBucket,
			cfg.AWS.AccessKey,
			cfg.AWS.SecretKey,
			cfg.AWS.Endpoint,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create avatar service")
		}
	}

	notifier, err := services.NewNotifier(
		cfg.APNs.CertPath,
		cfg.APNs.CertPassword,
		cfg.APNs.Topic,
		cfg.APNs.Production,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create notifier")
	}

	sharingService := services.NewSharingService(profileRepo, sessionRepo)
	coordinationService := services.NewCoordinationService(
		sessionRepo,
		profileRepo,
		sharingService,
		notifier,
		cfg.Presence.SessionLifetime(),
	)
	watcher := services.NewPresenceWatcher(store, profileRepo, sessionRepo, avatarService)

	// Background expiry sweep
	reaper := services.NewReaper(sessionRepo, profileRepo, sharingService, cfg.Presence.SweepInterval())
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go reaper.Run(reaperCtx)

	// Initialize handlers
	availabilityHandler := handlers.NewAvailabilityHandler(coordinationService)
	profileHandler := handlers.NewProfileHandler(profileRepo)
	wsHandler := handlers.NewWebSocketHandler(watcher, cfg.JWT.Secret)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
			r.Post("/availability", availabilityHandler.Start)
			r.Delete("/availability", availabilityHandler.Stop)
			r.Post("/availability/join", availabilityHandler.Join)
			r.Post("/availability/terminate", availabilityHandler.Terminate)
			r.Put("/profile/push-token", profileHandler.UpdatePushToken)
		})
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	stopReaper()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

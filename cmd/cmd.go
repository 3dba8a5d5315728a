package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geo-photo-backend/internal/config"
	"geo-photo-backend/internal/geocoding"
	"geo-photo-backend/internal/handlers"
	"geo-photo-backend/internal/middleware"
	"geo-photo-backend/internal/repository"
	"geo-photo-backend/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	configPath := os.Getenv("GEOPHOTO_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	ctx := context.Background()

	// Connect to database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	objects, err := services.NewS3ObjectStore(ctx, cfg.AWS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create object store")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	photoRepo := repository.NewPhotoRepository(db)

	// Initialize services
	geocoder := geocoding.NewNominatimClient(geocoding.Options{
		BaseURL:           cfg.Geocoding.BaseURL,
		UserAgent:         cfg.Geocoding.UserAgent,
		Language:          cfg.Geocoding.Language,
		Timeout:           cfg.Geocoding.Timeout,
		RequestsPerSecond: cfg.Geocoding.RequestsPerS,
	})
	userService := services.NewUserService(userRepo, cfg.JWT.Secret, cfg.JWT.TTL)
	photoService := services.NewPhotoService(photoRepo, objects)
	addresses := services.NewAddressResolver(geocoder)
	places := services.NewPlaceSearchService(geocoder, cfg.Geocoding.SearchLimit)
	hub := services.NewViewHub()

	// Initialize handlers
	userHandler := handlers.NewUserHandler(userService)
	photoHandler := handlers.NewPhotoHandler(photoService, addresses, hub)
	wsHandler := handlers.NewWebSocketHandler(
		hub,
		userService,
		photoService,
		addresses,
		places,
		services.SessionOptions{
			GeolocationTimeout: cfg.Session.GeolocationTimeout,
			HighAccuracy:       cfg.Session.HighAccuracy,
		},
		cfg.Map.ClusterZoom,
	)

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
		// Public routes
		r.Post("/auth/register", userHandler.Register)
		r.Post("/auth/login", userHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(userService))
			r.Get("/photos", photoHandler.GetPhotos)
			r.Post("/photos", photoHandler.UploadPhoto)
			r.Get("/photos/with-gps", photoHandler.GetPhotosWithLocation)
			r.Get("/photos/without-gps", photoHandler.GetPhotosWithoutLocation)
			r.Get("/photos/{photo_id}", photoHandler.GetPhoto)
			r.Delete("/photos/{photo_id}", photoHandler.DeletePhoto)
			r.Put("/photos/{photo_id}/location", photoHandler.SetLocation)
		})
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; they close
	// with the process.
	if err := srv.Shutdown(shutdownCtx); err != nil {
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

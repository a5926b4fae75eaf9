package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"trailcast/api"
	"trailcast/config"
	"trailcast/handlers"
	"trailcast/internal/database"
	"trailcast/internal/gate"
	"trailcast/services/appletrailers"
	"trailcast/services/archive"
	"trailcast/services/cache"
	"trailcast/services/itunes"
	"trailcast/services/metadata"
	"trailcast/services/resolver"
	"trailcast/services/tracker"
	"trailcast/services/warmup"
	"trailcast/services/ytdlp"
	"trailcast/utils/urlcheck"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("🚀 Trailcast starting...")

	cfgManager, err := config.NewManager("")
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	settings := cfgManager.Get()
	if *portOverride > 0 {
		settings.Port = *portOverride
	}

	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSizeMB,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAgeDays,
				Compress:   true,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("logging to file: %s", settings.Log.File)
		}
	}

	if dir := filepath.Dir(settings.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create data directory: %v", err)
		}
	}
	store, err := database.Open(settings.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	checker := urlcheck.New(nil)
	trackerService := tracker.NewService(store)
	cacheService := cache.NewService(store, checker)

	hydrateCtx, cancelHydrate := context.WithTimeout(context.Background(), 30*time.Second)
	cacheService.Hydrate(hydrateCtx)
	if err := trackerService.HydrateFromStore(hydrateCtx); err != nil {
		log.Printf("warning: stat hydration failed: %v", err)
	}
	cancelHydrate()

	if settings.TMDBAPIKey == "" {
		log.Printf("warning: TMDB_API_KEY not set; resolution will be cache-only")
	}
	metadataService := metadata.NewService(settings.TMDBAPIKey, nil)
	itunesService := itunes.NewService(nil, trackerService)
	ytdlpService := ytdlp.NewService(settings.YtdlpPath, settings.Proxies, trackerService)
	cookieManager := archive.NewCookieManager(store)
	archiveService := archive.NewService(nil, trackerService, cookieManager, checker)
	appleService := appletrailers.NewService(nil)

	resolverService := resolver.NewService(
		cacheService,
		metadataService,
		itunesService,
		ytdlpService,
		archiveService,
		appleService,
		trackerService,
	)
	requestGate := gate.New()

	warmupCtx, cancelWarmup := context.WithCancel(context.Background())
	warmupService := warmup.NewService(metadataService, resolverService, cacheService, trackerService)
	go warmupService.Run(warmupCtx)

	handler := handlers.New(resolverService, requestGate, cacheService, trackerService, cookieManager)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", settings.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[server] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("🛑 shutdown signal received, cleaning up...")
	cancelWarmup()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("✅ shutdown complete")
}

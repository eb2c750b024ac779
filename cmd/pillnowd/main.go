package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillnow-orchestrator/config"
	"pillnow-orchestrator/internal/api"
	"pillnow-orchestrator/internal/db"
	"pillnow-orchestrator/internal/device"
	"pillnow-orchestrator/internal/engine"
	"pillnow-orchestrator/internal/model"
	"pillnow-orchestrator/internal/notification"
	"pillnow-orchestrator/internal/planner"
	"pillnow-orchestrator/internal/schedule"
	"pillnow-orchestrator/internal/store"
	"pillnow-orchestrator/internal/verify"

	"github.com/SherClockHolmes/webpush-go"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "pillnowd ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Println("VAPID keys are not configured; caregiver push alerts disabled")
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	// Schedule backend adapter
	adapter, err := schedule.NewAdapter(cfg.Backend, schedule.UserContext{
		UserID:  cfg.Backend.UserID,
		ElderID: cfg.Backend.ElderID,
	})
	if err != nil {
		logger.Fatalf("failed to initialize schedule adapter: %v", err)
	}

	// Notification worker pool for missed-dose caregiver alerts
	var notifier schedule.MissedNotifier
	if webpushOptions != nil {
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		notifier = pool
	}

	// Image verification client
	verifier := verify.NewClient(cfg.Verifier.BaseURL, cfg.Verifier.Timeout)

	// Dispenser link and alarm plan sync
	link := device.NewSerialLink(cfg.Device.Address, cfg.Device.ConnectTimeout)
	plan := planner.New(link)

	// Dose lifecycle engine
	eng := engine.New(engine.Options{
		TriggerCooldown:  cfg.Engine.TriggerCooldown,
		StopCooldown:     cfg.Engine.StopCooldown,
		PostCaptureDelay: cfg.Engine.PostCaptureDelay,
		AlertingTimeout:  cfg.Engine.AlertingTimeout,
		ExpectedPills:    cfg.Engine.ExpectedPillCount,
	}, adapter, verifier, appStore)
	go eng.Run(ctx, link)

	// Periodic schedule maintenance; every reload re-syncs the device alarms.
	sweeper := schedule.NewSweeper(adapter, cfg.Sweep, notifier)
	sweeper.OnReload(func(ctx context.Context, schedules []model.Schedule) {
		if err := plan.Sync(schedules, false); err != nil {
			logger.Printf("alarm sync failed: %v", err)
		}
	})
	go sweeper.Run(ctx)

	// Keep the dispenser link alive.
	go superviseLink(ctx, logger, cfg, link, eng, plan, adapter)

	// Initialize router
	router := api.NewRouter(cfg.Server, eng, sweeper, appStore, link, webpushOptions)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	cancel()
	link.Close()

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}

// superviseLink reconnects the dispenser whenever the transport drops. A
// drop aborts every in-flight dose cycle; a fresh connection gets a forced
// alarm sync so the device's stored plan matches the backend again.
func superviseLink(ctx context.Context, logger *log.Logger, cfg *config.Config, link *device.SerialLink, eng *engine.Engine, plan *planner.Planner, adapter *schedule.Adapter) {
	wasActive := false
	ticker := time.NewTicker(cfg.Device.ReconnectInterval)
	defer ticker.Stop()

	for {
		if link.IsActive() {
			wasActive = true
		} else {
			if wasActive {
				logger.Println("dispenser link lost, aborting in-flight dose cycles")
				eng.ResetAll()
				wasActive = false
			}
			if err := link.Connect(ctx); err != nil {
				logger.Printf("dispenser connect failed: %v", err)
			} else {
				logger.Println("dispenser connected")
				wasActive = true
				if schedules, err := adapter.FetchActiveSchedules(ctx, false); err == nil {
					if err := plan.Sync(schedules, true); err != nil {
						logger.Printf("alarm sync after reconnect failed: %v", err)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanHub server. Coordinates long-lived authenticated WebSocket sessions
// with MRI acquisition devices: registration, status tracking, scan command
// dispatch, and chunked result uploads into the data lake.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kardianos/service"

	"github.com/scanhub-os/scanhub/common/config"
	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/server/storage"
	"github.com/scanhub-os/scanhub/server/taskapi"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	svcFlag := flag.String("service", "", "Control the system service: install, uninstall, start, stop, run")
	addDevice := flag.String("add-device", "", "Provision a new device with the given name, print its credentials, and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scanhub-server %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	if *addDevice != "" {
		if err := provisionDevice(*addDevice); err != nil {
			fmt.Fprintf(os.Stderr, "failed to provision device: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *svcFlag != "" {
		prg := &program{}
		svc, err := service.New(prg, getServiceConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize service: %v\n", err)
			os.Exit(1)
		}

		switch *svcFlag {
		case "run":
			if err := svc.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
				os.Exit(1)
			}
		case "install", "uninstall", "start", "stop":
			if err := service.Control(svc, *svcFlag); err != nil {
				fmt.Fprintf(os.Stderr, "service %s failed: %v\n", *svcFlag, err)
				os.Exit(1)
			}
			fmt.Printf("service %s: done\n", *svcFlag)
		default:
			fmt.Fprintf(os.Stderr, "unknown service action: %s\n", *svcFlag)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runServer(ctx)
}

// runServer is the shared entry point for interactive and service mode.
func runServer(ctx context.Context) {
	cfg, cfgPath, err := loadServerConfig()
	if err != nil {
		logFatal("Configuration error", "error", err)
	}

	logDir, err := config.GetLogDirectory("server", !service.Interactive())
	if err != nil {
		logDir = ""
	}
	serverLogger = logger.New(logger.ParseLevel(cfg.Logging.Level), logDir, 1000)
	serverLogger.SetFileName("server.log")
	serverLogger.SetConsoleOutput(cfg.Logging.Console)
	defer serverLogger.Close()

	logInfo("ScanHub server starting", "version", Version, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataLake.Directory, 0755); err != nil {
		logFatal("Could not create data lake directory", "dir", cfg.DataLake.Directory, "error", err)
	}

	store, err := storage.NewStore(&cfg.Database)
	if err != nil {
		logFatal("Could not open device store", "error", err)
	}
	defer store.Close()

	tasks := taskapi.NewClient(cfg.TaskAPI.BaseURL)
	registry := NewSessionRegistry()
	liveness := NewLivenessMonitor(store)
	hub := NewDeviceHub(store, tasks, registry, liveness, cfg.DataLake.Directory)

	go liveness.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/device/ws", hub.HandleWebSocket)
	mux.HandleFunc("/api/v1/device/start-scan", hub.HandleStartScan)
	mux.HandleFunc("/api/v1/device/samples", hub.HandleSamples)
	mux.HandleFunc("/api/v1/device/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, registry.Len())
	})

	server := &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logInfo("Listening", "address", cfg.Listen.Address, "tls", cfg.Listen.CertFile != "")
		if cfg.Listen.CertFile != "" && cfg.Listen.KeyFile != "" {
			errCh <- server.ListenAndServeTLS(cfg.Listen.CertFile, cfg.Listen.KeyFile)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logInfo("Shutdown requested")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logError("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logWarn("HTTP shutdown incomplete", "error", err)
	}
	logInfo("ScanHub server stopped")
}

// provisionDevice creates a device record with a fresh UUID and credential
// and prints both. The credential is only shown once; the store keeps a hash.
func provisionDevice(name string) error {
	cfg, _, err := loadServerConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewStore(&cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return fmt.Errorf("failed to generate credential: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	id := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.CreateDevice(ctx, &storage.Device{ID: id, Name: name}, token); err != nil {
		return err
	}

	fmt.Printf("device provisioned\n  name:  %s\n  id:    %s\n  token: %s\n", name, id, token)
	return nil
}

// ScanHub device agent. Connects an MRI acquisition device to the ScanHub
// server, executes scan tasks, and uploads results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/scanhub-os/scanhub/common/config"
	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/common/ws"
	"github.com/scanhub-os/scanhub/device/client"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	svcFlag := flag.String("service", "", "Control the system service: install, uninstall, start, stop, run")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scanhub-device %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
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
	runInteractive(ctx)
}

// runInteractive is the shared entry point for both interactive and service
// mode: it runs the device client until ctx is cancelled.
func runInteractive(ctx context.Context) {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logDir, err := config.GetLogDirectory("device", !service.Interactive())
	if err != nil {
		logDir = ""
	}
	log := logger.New(logger.ParseLevel(cfg.Logging.Level), logDir, 1000)
	log.SetFileName("device.log")
	log.SetConsoleOutput(cfg.Logging.Console)
	defer log.Close()

	log.Info("ScanHub device agent starting", "version", Version, "config", cfgPath)

	handler, err := client.NewHandler(cfg.Server.URL, cfg.Server.DeviceID, cfg.Server.DeviceToken, cfg.Server.CAPath, log)
	if err != nil {
		log.Error("Could not create connection handler", "error", err)
		os.Exit(1)
	}

	details := ws.DeviceDetails{
		Name:         cfg.Details.Name,
		SerialNumber: cfg.Details.SerialNumber,
		Manufacturer: cfg.Details.Manufacturer,
		Modality:     cfg.Details.Modality,
		Site:         cfg.Details.Site,
	}

	c := client.New(handler, details, log)
	c.SetScanCallback(simulatedScan(c, log))
	c.SetFeedbackHandler(func(message string) {
		log.Info("Server feedback", "message", message)
	})

	if err := c.Start(); err != nil {
		log.Error("Could not start device client", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("Shutdown requested")
	if err := c.Stop(); err != nil {
		log.Warn("Shutdown completed with error", "error", err)
	}
}

// simulatedScan is the built-in acquisition callback used when the agent runs
// without real scanner hardware: it reports progress, writes a small result
// file, and queues it for upload.
func simulatedScan(c *client.Client, log *logger.Logger) client.ScanCallback {
	return func(ctx context.Context, payload ws.AcquisitionPayload) error {
		log.Info("Simulated scan started", "task_id", payload.ID, "sequence_id", payload.SequenceID)

		for progress := 10; progress <= 90; progress += 20 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			c.SendScanningStatus(progress, payload.ID, payload.AccessToken)
		}

		dir, err := config.GetDataDirectory("device", !service.Interactive())
		if err != nil {
			return fmt.Errorf("no data directory for scan result: %w", err)
		}

		result := map[string]interface{}{
			"task_id":     payload.ID,
			"sequence_id": payload.SequenceID,
			"acquired_at": time.Now().UTC().Format(time.RFC3339),
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}

		path := filepath.Join(dir, payload.ID+".json")
		if err := os.WriteFile(path, raw, 0644); err != nil {
			return fmt.Errorf("could not write scan result: %w", err)
		}

		return c.UploadFileResult(path, "acquisition-"+payload.ID, payload.DeviceParameter, payload.ID, payload.AccessToken)
	}
}

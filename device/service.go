package main

import (
	"context"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("ScanHub Device service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	runInteractive(p.ctx)
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("ScanHub Device service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("ScanHub Device service stopped with timeout")
		}
	}
	return nil
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	return &service.Config{
		Name:        "ScanHubDevice",
		DisplayName: "ScanHub Device Agent",
		Description: "ScanHub MRI acquisition device agent. Maintains a session with the ScanHub server, executes scan tasks, and uploads acquisition results.",
		Arguments:   []string{"--service", "run"},
		Option: service.KeyValue{
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"OnFailure":         "restart",
		},
	}
}

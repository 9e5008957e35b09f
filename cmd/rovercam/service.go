package main

import (
	"context"
	"log"
	"os"

	"github.com/kardianos/service"

	"rovercam/internal/config"
)

// program implements service.Interface around run.
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	// Start must not block; discovery and serving happen in the background.
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := run(ctx, p.cfg); err != nil && ctx.Err() == nil {
			log.Printf("application failure: %v", err)
			// Let the service manager restart us.
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	log.Println("Shutting down...")
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"rovercam/internal/api"
	"rovercam/internal/config"
	"rovercam/internal/notify"
	"rovercam/internal/registry"
	"rovercam/internal/session"
	"rovercam/internal/signaling"
	"rovercam/internal/sink"
	"rovercam/internal/supervisor"
	"rovercam/internal/version"
	"rovercam/pkg/models"
	"rovercam/pkg/telemetry"
)

// run wires the manager together and serves the display API until ctx is
// cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log.Printf("rovercam %s starting", version.String())

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.Options{
		Endpoint:       cfg.TelemetryEndpoint,
		Insecure:       cfg.TelemetryInsecure,
		Headers:        cfg.TelemetryHeaders,
		SampleRatio:    cfg.TelemetrySampleRatio,
		ServiceVersion: version.String(),
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer provider: %v", err)
			}
		}()
		log.Printf("Telemetry enabled with endpoint: %s", cfg.TelemetryEndpoint)
	} else {
		log.Println("Telemetry disabled (no endpoint configured)")
	}

	loggerFactory := cfg.LoggerFactory()

	signaler, err := newSignaler(cfg, loggerFactory)
	if err != nil {
		return fmt.Errorf("signaling client init failed: %w", err)
	}
	defer signaler.Close()
	log.Printf("Using %s signaling at %s", cfg.SignalingTransport, cfg.ControlAddr())

	webrtcAPI, err := session.NewAPI(session.APIConfig{
		MinPort:       cfg.WebRTCMinPort,
		MaxPort:       cfg.WebRTCMaxPort,
		PLIInterval:   cfg.PLIInterval,
		LoggerFactory: cfg.PionLoggerFactory(),
	})
	if err != nil {
		return fmt.Errorf("webrtc init failed: %w", err)
	}

	notifier := notify.NewChannel(cfg.NotificationTTL)
	appLog := loggerFactory.NewLogger("rovercam")
	unsubscribe := notifier.Subscribe(func(n notify.Notification, active bool) {
		if active {
			appLog.Infof("notification: %s", n.Message)
		}
	})
	defer unsubscribe()

	sup := supervisor.New(supervisor.Config{
		Registry:    registry.New(signaler, loggerFactory),
		Signaler:    signaler,
		NewPeer:     session.PionPeerFactory(webrtcAPI, webrtcConfiguration(cfg)),
		Sinks:       sinkProvider(cfg, loggerFactory),
		Notifier:    notifier,
		AutoConnect: cfg.AutoConnect,
		OnTransition: func(tr supervisor.Transition) {
			appLog.Debugf("slot %d (%s): %s -> %s", tr.Index, tr.Source.DisplayName(), tr.From, tr.To)
		},
		LoggerFactory: loggerFactory,
	})
	defer sup.Close()

	if n := sup.Refresh(ctx); n == 0 {
		log.Println("No cameras discovered; use POST /sources/refresh to retry")
	} else {
		log.Printf("Discovered %d camera(s)", n)
	}

	mux := http.NewServeMux()
	api.NewHandler(sup, loggerFactory).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func newSignaler(cfg *config.Config, loggerFactory logging.LoggerFactory) (signaling.Client, error) {
	switch cfg.SignalingTransport {
	case config.TransportNG:
		return signaling.NewNGClient(cfg.ControlAddr(), cfg.SignalingTimeout, loggerFactory)
	default:
		return signaling.NewHTTPClient(cfg.ControlBaseURL(), cfg.SignalingTimeout, loggerFactory), nil
	}
}

func webrtcConfiguration(cfg *config.Config) webrtc.Configuration {
	var conf webrtc.Configuration
	if len(cfg.STUNURLs) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
	}
	return conf
}

// sinkProvider records when a record directory is configured and only
// counts otherwise.
func sinkProvider(cfg *config.Config, loggerFactory logging.LoggerFactory) supervisor.SinkProvider {
	return func(_ int, source models.CameraSource) session.Sink {
		if cfg.RecordDir != "" {
			return sink.NewRecorder(cfg.RecordDir, source, loggerFactory)
		}
		return sink.NewCounter(loggerFactory)
	}
}

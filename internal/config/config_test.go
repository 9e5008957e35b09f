package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ControlBaseURL() != "http://192.168.50.1:3001" {
		t.Errorf("ControlBaseURL() = %s", cfg.ControlBaseURL())
	}
	if cfg.SignalingTransport != TransportHTTP || cfg.SignalingTimeout != 10*time.Second {
		t.Errorf("signaling = %s %s", cfg.SignalingTransport, cfg.SignalingTimeout)
	}
	if cfg.NotificationTTL != 3*time.Second || cfg.AutoConnect {
		t.Errorf("notification ttl = %s, auto connect = %v", cfg.NotificationTTL, cfg.AutoConnect)
	}
	if cfg.LogLevel != logging.LogLevelInfo || cfg.PionLogLevel != logging.LogLevelError {
		t.Errorf("log levels = %v, %v", cfg.LogLevel, cfg.PionLogLevel)
	}
	if len(cfg.STUNURLs) != 0 {
		t.Errorf("STUNURLs = %v", cfg.STUNURLs)
	}
	if !cfg.TelemetryInsecure || cfg.TelemetryHeaders != nil || cfg.TelemetrySampleRatio != 1 {
		t.Errorf("telemetry = insecure %v, headers %v, ratio %v", cfg.TelemetryInsecure, cfg.TelemetryHeaders, cfg.TelemetrySampleRatio)
	}
}

func TestLoadTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer abc, x-tenant = rover")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.2")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TelemetryEndpoint != "collector:4318" || cfg.TelemetryInsecure {
		t.Errorf("endpoint = %s, insecure = %v", cfg.TelemetryEndpoint, cfg.TelemetryInsecure)
	}
	if cfg.TelemetryHeaders["authorization"] != "Bearer abc" || cfg.TelemetryHeaders["x-tenant"] != "rover" {
		t.Errorf("headers = %v", cfg.TelemetryHeaders)
	}
	if cfg.TelemetrySampleRatio != 0.2 {
		t.Errorf("sample ratio = %v", cfg.TelemetrySampleRatio)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CONTROL_HOST", "10.0.0.5")
	t.Setenv("CONTROL_PORT", "22222")
	t.Setenv("SIGNALING_TRANSPORT", "NG")
	t.Setenv("SIGNALING_TIMEOUT", "2s")
	t.Setenv("AUTO_CONNECT", "true")
	t.Setenv("STUN_URLS", "stun:a.example:3478, stun:b.example:3478,")
	t.Setenv("WEBRTC_MIN_PORT", "50000")
	t.Setenv("WEBRTC_MAX_PORT", "50100")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ControlAddr() != "10.0.0.5:22222" || cfg.SignalingTransport != TransportNG {
		t.Errorf("control = %s via %s", cfg.ControlAddr(), cfg.SignalingTransport)
	}
	if cfg.SignalingTimeout != 2*time.Second || !cfg.AutoConnect {
		t.Errorf("timeout = %s, auto connect = %v", cfg.SignalingTimeout, cfg.AutoConnect)
	}
	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[1] != "stun:b.example:3478" {
		t.Errorf("STUNURLs = %q", cfg.STUNURLs)
	}
	if cfg.WebRTCMinPort != 50000 || cfg.WebRTCMaxPort != 50100 {
		t.Errorf("port range = %d-%d", cfg.WebRTCMinPort, cfg.WebRTCMaxPort)
	}
	if cfg.LogLevel != logging.LogLevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rovercam.yaml")
	body := "control_host: rover.local\nhttp_port: 9000\nstun_urls:\n  - stun:one\n  - stun:two\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--http-port", "9100", "--auto-connect"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ControlHost != "rover.local" {
		t.Errorf("ControlHost = %s", cfg.ControlHost)
	}
	if cfg.HTTPPort != 9100 || !cfg.AutoConnect {
		t.Errorf("flags not applied: port %d, auto connect %v", cfg.HTTPPort, cfg.AutoConnect)
	}
	if len(cfg.STUNURLs) != 2 {
		t.Errorf("STUNURLs = %v", cfg.STUNURLs)
	}
	// Unset flags keep lower-precedence values.
	if cfg.ControlPort != 3001 {
		t.Errorf("ControlPort = %d", cfg.ControlPort)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "empty host", env: map[string]string{"CONTROL_HOST": " "}},
		{name: "bad port", env: map[string]string{"CONTROL_PORT": "70000"}},
		{name: "unknown transport", env: map[string]string{"SIGNALING_TRANSPORT": "websocket"}},
		{name: "half port range", env: map[string]string{"WEBRTC_MIN_PORT": "50000"}},
		{name: "inverted port range", env: map[string]string{"WEBRTC_MIN_PORT": "50100", "WEBRTC_MAX_PORT": "50000"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "zero timeout", env: map[string]string{"SIGNALING_TIMEOUT": "0s"}},
		{name: "malformed otlp header", env: map[string]string{"OTEL_EXPORTER_OTLP_HEADERS": "novalue"}},
		{name: "sample ratio above one", env: map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load("", nil); !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]logging.LogLevel{
		"trace":   logging.LogLevelTrace,
		"DEBUG":   logging.LogLevelDebug,
		"warning": logging.LogLevelWarn,
		"":        logging.LogLevelInfo,
		"off":     logging.LogLevelDisabled,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

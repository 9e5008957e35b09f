package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	TransportHTTP = "http"
	TransportNG   = "ng"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ControlHost        string
	ControlPort        int
	SignalingTransport string
	SignalingTimeout   time.Duration

	AutoConnect     bool
	NotificationTTL time.Duration
	HTTPPort        int
	RecordDir       string

	STUNURLs      []string
	WebRTCMinPort uint16
	WebRTCMaxPort uint16
	PLIInterval   time.Duration

	LogLevel     logging.LogLevel
	PionLogLevel logging.LogLevel

	TelemetryEndpoint    string
	TelemetryInsecure    bool
	TelemetryHeaders     map[string]string
	TelemetrySampleRatio float64
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"control-host": "control_host",
	"control-port": "control_port",
	"transport":    "signaling_transport",
	"auto-connect": "auto_connect",
	"http-port":    "http_port",
	"record-dir":   "record_dir",
	"log-level":    "log_level",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("control-host", "", "rover control service host (CONTROL_HOST)")
	fs.Int("control-port", 0, "rover control service port (CONTROL_PORT)")
	fs.String("transport", "", "signaling transport: http or ng (SIGNALING_TRANSPORT)")
	fs.Bool("auto-connect", false, "connect every camera after discovery (AUTO_CONNECT)")
	fs.Int("http-port", 0, "display API port (HTTP_PORT)")
	fs.String("record-dir", "", "record VP8/H264 streams into this directory (RECORD_DIR)")
	fs.String("log-level", "", "trace, debug, info, warn or error (LOG_LEVEL)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control_host", "192.168.50.1")
	v.SetDefault("control_port", 3001)
	v.SetDefault("signaling_transport", TransportHTTP)
	v.SetDefault("signaling_timeout", 10*time.Second)
	v.SetDefault("auto_connect", false)
	v.SetDefault("notification_ttl", 3*time.Second)
	v.SetDefault("http_port", 8081)
	v.SetDefault("record_dir", "")
	v.SetDefault("stun_urls", "")
	v.SetDefault("webrtc_min_port", 0)
	v.SetDefault("webrtc_max_port", 0)
	v.SetDefault("pli_interval", 3*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("pion_log_level", "error")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_insecure", true)
	v.SetDefault("otel_exporter_otlp_headers", "")
	v.SetDefault("otel_traces_sampler_arg", 1.0)
}

// Load reads .env, the optional config file, the environment and any flags
// set on fs, in increasing order of precedence.
func Load(cfgFile string, fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ControlHost:          strings.TrimSpace(v.GetString("control_host")),
		ControlPort:          v.GetInt("control_port"),
		SignalingTransport:   strings.ToLower(strings.TrimSpace(v.GetString("signaling_transport"))),
		SignalingTimeout:     v.GetDuration("signaling_timeout"),
		AutoConnect:          v.GetBool("auto_connect"),
		NotificationTTL:      v.GetDuration("notification_ttl"),
		HTTPPort:             v.GetInt("http_port"),
		RecordDir:            v.GetString("record_dir"),
		STUNURLs:             splitList(v.Get("stun_urls")),
		PLIInterval:          v.GetDuration("pli_interval"),
		TelemetryEndpoint:    v.GetString("otel_exporter_otlp_endpoint"),
		TelemetryInsecure:    v.GetBool("otel_exporter_otlp_insecure"),
		TelemetrySampleRatio: v.GetFloat64("otel_traces_sampler_arg"),
	}

	var err error
	if cfg.WebRTCMinPort, err = port16(v, "webrtc_min_port"); err != nil {
		return nil, err
	}
	if cfg.WebRTCMaxPort, err = port16(v, "webrtc_max_port"); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = ParseLevel(v.GetString("log_level")); err != nil {
		return nil, err
	}
	if cfg.PionLogLevel, err = ParseLevel(v.GetString("pion_log_level")); err != nil {
		return nil, err
	}
	if cfg.TelemetryHeaders, err = parseHeaders(v.GetString("otel_exporter_otlp_headers")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ControlHost == "" {
		return fmt.Errorf("%w: control host is empty", ErrInvalid)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("%w: control port %d out of range", ErrInvalid, c.ControlPort)
	}
	if c.SignalingTransport != TransportHTTP && c.SignalingTransport != TransportNG {
		return fmt.Errorf("%w: unknown signaling transport %q", ErrInvalid, c.SignalingTransport)
	}
	if c.SignalingTimeout <= 0 {
		return fmt.Errorf("%w: signaling timeout must be positive", ErrInvalid)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalid, c.HTTPPort)
	}
	if c.TelemetrySampleRatio < 0 || c.TelemetrySampleRatio > 1 {
		return fmt.Errorf("%w: trace sample ratio %g outside [0,1]", ErrInvalid, c.TelemetrySampleRatio)
	}
	if (c.WebRTCMinPort == 0) != (c.WebRTCMaxPort == 0) || c.WebRTCMinPort > c.WebRTCMaxPort {
		return fmt.Errorf("%w: webrtc port range %d-%d", ErrInvalid, c.WebRTCMinPort, c.WebRTCMaxPort)
	}
	return nil
}

// ControlBaseURL is the HTTP signaling endpoint root.
func (c *Config) ControlBaseURL() string {
	return "http://" + c.ControlAddr()
}

func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.ControlHost, strconv.Itoa(c.ControlPort))
}

// LoggerFactory returns the factory application components log through.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	return newFactory(c.LogLevel)
}

// PionLoggerFactory returns the factory handed to the WebRTC stack.
func (c *Config) PionLoggerFactory() logging.LoggerFactory {
	return newFactory(c.PionLogLevel)
}

func newFactory(level logging.LogLevel) *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	return f
}

func ParseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

func port16(v *viper.Viper, key string) (uint16, error) {
	n := v.GetInt(key)
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrInvalid, strings.ToUpper(key), n)
	}
	return uint16(n), nil
}

// parseHeaders reads "key=value,key2=value2" as used by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(s string) (map[string]string, error) {
	pairs := splitList(s)
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: otlp header %q is not key=value", ErrInvalid, pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// splitList accepts a comma separated string or a YAML list.
func splitList(raw interface{}) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []interface{}:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = val
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

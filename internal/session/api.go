package session

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// APIConfig tunes the receive-only WebRTC stack.
type APIConfig struct {
	MinPort uint16
	MaxPort uint16
	// PLIInterval is how often a keyframe is requested from the rover.
	// Zero disables periodic PLIs.
	PLIInterval time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates too.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// NewAPI builds the webrtc.API shared by every session.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}

	if cfg.LoggerFactory != nil {
		settingEngine.LoggerFactory = cfg.LoggerFactory
	} else {
		factory := logging.NewDefaultLoggerFactory()
		factory.DefaultLogLevel = logging.LogLevelError
		settingEngine.LoggerFactory = factory
	}

	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("invalid udp port range %d-%d: %w", cfg.MinPort, cfg.MaxPort, err)
		}
	}
	settingEngine.SetReceiveMTU(8192)
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	if cfg.PLIInterval > 0 {
		pliFactory, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
		}
		interceptorRegistry.Add(pliFactory)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api, nil
}

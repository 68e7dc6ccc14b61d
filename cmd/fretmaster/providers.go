package main

import (
	"context"
	"fmt"

	"github.com/MrWong99/fretmaster/internal/config"
	"github.com/MrWong99/fretmaster/internal/resilience"
	"github.com/MrWong99/fretmaster/pkg/audio"
	"github.com/MrWong99/fretmaster/pkg/audio/camera"
	"github.com/MrWong99/fretmaster/pkg/audio/portaudio"
	"github.com/MrWong99/fretmaster/pkg/provider/live"
	"github.com/MrWong99/fretmaster/pkg/provider/live/gemini"
	"github.com/MrWong99/fretmaster/pkg/provider/live/genai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the live backends that ship with
// FretMaster under the names accepted by live.provider.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(cfg config.LiveConfig, apiKey string) (live.Provider, error) {
		var opts []gemini.Option
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(apiKey, opts...), nil
	})

	reg.RegisterLive("genai-live", func(cfg config.LiveConfig, apiKey string) (live.Provider, error) {
		var opts []genai.Option
		if cfg.Model != "" {
			opts = append(opts, genai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(cfg.BaseURL))
		}
		return genai.New(apiKey, opts...), nil
	})
}

// newLiveProvider builds the configured provider. With a fallback configured
// both backends are wrapped in a circuit-breaking failover; the fallback
// reuses every live setting except the provider name.
func newLiveProvider(reg *config.Registry, cfg config.LiveConfig, apiKey string) (live.Provider, error) {
	primary, err := reg.CreateLive(cfg, apiKey)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackProvider == "" {
		return primary, nil
	}

	fbCfg := cfg
	fbCfg.Provider = cfg.FallbackProvider
	fbCfg.BaseURL = ""
	fallback, err := reg.CreateLive(fbCfg, apiKey)
	if err != nil {
		return nil, err
	}
	f := resilience.NewFailover(cfg.Provider, primary, resilience.BreakerConfig{})
	f.Add(cfg.FallbackProvider, fallback)
	return f, nil
}

// ── Device wiring ─────────────────────────────────────────────────────────────

// videoOpener returns the camera opener selected by cfg, or nil when video
// is disabled.
func videoOpener(cfg config.VideoConfig) (portaudio.VideoOpener, error) {
	switch cfg.Source {
	case config.VideoNone:
		return nil, nil
	case config.VideoStill:
		still, err := camera.LoadStatic(cfg.StillPath)
		if err != nil {
			return nil, err
		}
		return func(context.Context, audio.VideoConstraints) (portaudio.VideoTrack, error) {
			return still, nil
		}, nil
	default:
		ff := camera.FFmpeg{Format: cfg.Format, Device: cfg.Device}
		return func(ctx context.Context, c audio.VideoConstraints) (portaudio.VideoTrack, error) {
			track, err := ff.Open(ctx, c)
			if err != nil {
				return nil, err
			}
			return track, nil
		}, nil
	}
}

// newCapture builds the PortAudio microphone with the configured camera.
func newCapture(cfg *config.Config) (*portaudio.Capture, error) {
	opts := []portaudio.CaptureOption{portaudio.WithFramesPerBuffer(cfg.Audio.FramesPerBuffer)}
	open, err := videoOpener(cfg.Video)
	if err != nil {
		return nil, fmt.Errorf("video: %w", err)
	}
	if open != nil {
		opts = append(opts, portaudio.WithVideo(open))
	}
	return portaudio.NewCapture(opts...), nil
}

// inputDevices counts host devices that can record.
func inputDevices() (int, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devs {
		if d.InputChannels > 0 {
			n++
		}
	}
	return n, nil
}

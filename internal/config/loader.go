package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownLiveProviders lists the built-in live provider names. [Validate] warns
// about other names, which may still be registered by the caller.
var KnownLiveProviders = []string{"gemini-live", "genai-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.withDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !slices.Contains(KnownLiveProviders, cfg.Live.Provider) {
		slog.Warn("unknown live provider name; may be a typo or a third-party provider",
			"name", cfg.Live.Provider,
			"known", KnownLiveProviders,
		)
	}
	if fb := cfg.Live.FallbackProvider; fb != "" {
		if fb == cfg.Live.Provider {
			errs = append(errs, fmt.Errorf("live.fallback_provider %q must differ from live.provider", fb))
		} else if !slices.Contains(KnownLiveProviders, fb) {
			slog.Warn("unknown fallback live provider name", "name", fb, "known", KnownLiveProviders)
		}
	}
	if cfg.Live.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.connect_timeout %s must not be negative", cfg.Live.ConnectTimeout))
	}

	for _, rate := range []struct {
		name string
		hz   int
	}{
		{"audio.input_sample_rate", cfg.Audio.InputSampleRate},
		{"audio.output_sample_rate", cfg.Audio.OutputSampleRate},
	} {
		if rate.hz < 8000 || rate.hz > 192000 {
			errs = append(errs, fmt.Errorf("%s %d is out of range [8000, 192000]", rate.name, rate.hz))
		}
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}

	if !cfg.Video.Source.IsValid() {
		errs = append(errs, fmt.Errorf("video.source %q is invalid; valid values: ffmpeg, still, none", cfg.Video.Source))
	}
	if cfg.Video.Source == VideoStill && cfg.Video.StillPath == "" {
		errs = append(errs, errors.New("video.still_path is required when video.source is still"))
	}
	if cfg.Video.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s must not be negative", cfg.Video.Interval))
	}

	return errors.Join(errs...)
}

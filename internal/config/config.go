// Package config provides the configuration schema, loader, credential
// lookup, and live provider registry for FretMaster.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// VideoSource selects where camera frames come from.
type VideoSource string

const (
	// VideoFFmpeg reads the system camera through an ffmpeg subprocess.
	VideoFFmpeg VideoSource = "ffmpeg"

	// VideoStill sends a fixed image file, for machines without a camera.
	VideoStill VideoSource = "still"

	// VideoNone disables the video track.
	VideoNone VideoSource = "none"
)

// IsValid reports whether v is a recognised video source.
func (v VideoSource) IsValid() bool {
	switch v {
	case VideoFFmpeg, VideoStill, VideoNone:
		return true
	}
	return false
}

// Defaults applied by [Config.withDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:8088"
	DefaultLiveProvider     = "gemini-live"
	DefaultVoice            = "Kore"
	DefaultConnectTimeout   = 20 * time.Second
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultVideoInterval    = 200 * time.Millisecond

	// DefaultSystemInstruction sets up the guitar tutor persona.
	DefaultSystemInstruction = "You are FretMaster, a patient and encouraging guitar teacher. " +
		"You can see the student through their camera and hear them play. " +
		"Give short, concrete feedback on finger placement, rhythm, and tone. " +
		"Keep answers brief and conversational."
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Live    LiveConfig    `yaml:"live"`
	Audio   AudioConfig   `yaml:"audio"`
	Video   VideoConfig   `yaml:"video"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ServerConfig holds the local HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the state/recordings/metrics server.
	// "-" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig selects and configures the remote conversational service.
type LiveConfig struct {
	// Provider selects the registered live provider ("gemini-live",
	// "genai-live").
	Provider string `yaml:"provider"`

	// FallbackProvider, when set, is dialled whenever Provider fails to
	// connect. It shares the credential, model, and voice settings.
	FallbackProvider string `yaml:"fallback_provider"`

	// APIKey is the service credential. When empty the API_KEY and
	// GEMINI_API_KEY environment variables are consulted.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// SystemInstruction is the tutor persona prompt.
	SystemInstruction string `yaml:"system_instruction"`

	// DisableTranscription turns off input and output transcripts. The chat
	// log stays empty apart from typed messages.
	DisableTranscription bool `yaml:"disable_transcription"`

	// ConnectTimeout bounds the time from Connect to the remote open event.
	// The session is disconnected when it expires.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AudioConfig holds microphone and speaker settings.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FramesPerBuffer is the microphone callback size; 0 keeps the default.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// VideoConfig holds camera settings.
type VideoConfig struct {
	Source VideoSource `yaml:"source"`

	// Format and Device are passed to ffmpeg as -f and -i. Empty picks the
	// platform default.
	Format string `yaml:"format"`
	Device string `yaml:"device"`

	// StillPath is the image sent when Source is "still".
	StillPath string `yaml:"still_path"`

	// Interval is the frame sampling period.
	Interval time.Duration `yaml:"interval"`
}

// ArchiveConfig configures the optional chat archive.
type ArchiveConfig struct {
	// PostgresDSN enables archiving finalized chat messages and recording
	// metadata. Empty disables the archive.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// withDefaults fills zero values with their defaults.
func (c *Config) withDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Live.Provider == "" {
		c.Live.Provider = DefaultLiveProvider
	}
	if c.Live.Voice == "" {
		c.Live.Voice = DefaultVoice
	}
	if c.Live.SystemInstruction == "" {
		c.Live.SystemInstruction = DefaultSystemInstruction
	}
	if c.Live.ConnectTimeout == 0 {
		c.Live.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.Video.Source == "" {
		c.Video.Source = VideoFFmpeg
	}
	if c.Video.Interval == 0 {
		c.Video.Interval = DefaultVideoInterval
	}
}

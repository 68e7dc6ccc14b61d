package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fretmaster/internal/config"
	"github.com/MrWong99/fretmaster/pkg/provider/live"
	livemock "github.com/MrWong99/fretmaster/pkg/provider/live/mock"
)

const validYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
live:
  provider: genai-live
  model: gemini-live-2.5-flash-preview
  voice: Puck
  connect_timeout: 5s
audio:
  output_sample_rate: 48000
video:
  source: still
  still_path: /tmp/guitar.png
  interval: 500ms
archive:
  postgres_dsn: "postgres://localhost/fretmaster"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Live.Provider != "genai-live" || cfg.Live.Voice != "Puck" {
		t.Errorf("live = %+v", cfg.Live)
	}
	if cfg.Live.ConnectTimeout != 5*time.Second {
		t.Errorf("connect_timeout = %v, want 5s", cfg.Live.ConnectTimeout)
	}
	if cfg.Audio.OutputSampleRate != 48000 || cfg.Audio.InputSampleRate != config.DefaultInputSampleRate {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Video.Interval != 500*time.Millisecond {
		t.Errorf("video.interval = %v", cfg.Video.Interval)
	}
	if cfg.Live.SystemInstruction != config.DefaultSystemInstruction {
		t.Error("system instruction default not applied")
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	def := config.Default()
	if *cfg != *def {
		t.Errorf("empty config = %+v, want %+v", cfg, def)
	}
	if cfg.Live.Provider != config.DefaultLiveProvider || cfg.Live.Voice != config.DefaultVoice {
		t.Errorf("live defaults = %+v", cfg.Live)
	}
	if cfg.Video.Source != config.VideoFFmpeg {
		t.Errorf("video.source = %q, want ffmpeg", cfg.Video.Source)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("live:\n  modle: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{"log level", "server:\n  log_level: loud\n", []string{"server.log_level"}},
		{"sample rate", "audio:\n  input_sample_rate: 100\n", []string{"audio.input_sample_rate"}},
		{"video source", "video:\n  source: webcam\n", []string{"video.source"}},
		{"still path", "video:\n  source: still\n", []string{"video.still_path"}},
		{"negative timeout", "live:\n  connect_timeout: -1s\n", []string{"live.connect_timeout"}},
		{"fallback equals primary", "live:\n  provider: genai-live\n  fallback_provider: genai-live\n", []string{"live.fallback_provider"}},
		{
			"multiple",
			"server:\n  log_level: x\nvideo:\n  source: y\n",
			[]string{"server.log_level", "video.source"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCredential_Precedence(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	cfg := config.Default()
	if got := cfg.Credential(); got != "" {
		t.Errorf("Credential with nothing set = %q", got)
	}

	t.Setenv("GEMINI_API_KEY", "gemini")
	if got := cfg.Credential(); got != "gemini" {
		t.Errorf("Credential = %q, want gemini", got)
	}

	t.Setenv("API_KEY", "generic")
	if got := cfg.Credential(); got != "generic" {
		t.Errorf("Credential = %q, want generic", got)
	}

	cfg.Live.APIKey = " from-file "
	if got := cfg.Credential(); got != "from-file" {
		t.Errorf("Credential = %q, want from-file", got)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("API_KEY", "")
	os.Unsetenv("API_KEY")

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("API_KEY=dotenv-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := config.LoadEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := config.Default().Credential(); got != "dotenv-key" {
		t.Errorf("Credential = %q, want dotenv-key", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateLive(config.LiveConfig{Provider: "gemini-live"}, "k")
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("CreateLive unregistered = %v, want ErrProviderNotRegistered", err)
	}

	var gotKey string
	reg.RegisterLive("gemini-live", func(_ config.LiveConfig, key string) (live.Provider, error) {
		gotKey = key
		return &livemock.Provider{}, nil
	})
	reg.RegisterLive("broken", func(config.LiveConfig, string) (live.Provider, error) {
		return nil, errors.New("boom")
	})

	if _, err := reg.CreateLive(config.LiveConfig{Provider: "gemini-live"}, "secret"); err != nil {
		t.Fatalf("CreateLive: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("factory key = %q", gotKey)
	}
	if _, err := reg.CreateLive(config.LiveConfig{Provider: "broken"}, ""); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("factory error not propagated: %v", err)
	}
	if got := reg.LiveNames(); len(got) != 2 || got[0] != "broken" {
		t.Errorf("LiveNames = %v", got)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	lc := config.LiveConfig{Model: "m", Voice: "Kore", SystemInstruction: "teach", DisableTranscription: true}
	sc := lc.SessionConfig()
	if sc.Model != "m" || sc.Voice != "Kore" || sc.SystemInstruction != "teach" {
		t.Errorf("session config = %+v", sc)
	}
	if sc.InputTranscription || sc.OutputTranscription {
		t.Error("transcription enabled despite disable_transcription")
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	base := config.Default()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.Diff
	}{
		{"none", func(*config.Config) {}, config.Diff{}},
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			config.Diff{LogLevelChanged: true, NewLogLevel: config.LogDebug}},
		{"voice", func(c *config.Config) { c.Live.Voice = "Puck" }, config.Diff{SessionChanged: true}},
		{"provider", func(c *config.Config) { c.Live.Provider = "genai-live" }, config.Diff{RestartRequired: true}},
		{"video", func(c *config.Config) { c.Video.Source = config.VideoNone }, config.Diff{RestartRequired: true}},
		{"fallback", func(c *config.Config) { c.Live.FallbackProvider = "genai-live" }, config.Diff{RestartRequired: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := *base
			tt.mutate(&next)
			got := config.Compare(base, &next)
			if got != tt.want {
				t.Errorf("Compare = %+v, want %+v", got, tt.want)
			}
			if got.Changed() != (tt.want != config.Diff{}) {
				t.Errorf("Changed = %v", got.Changed())
			}
		})
	}
}

// ── Watcher ──────────────────────────────────────────────────────────────────

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// bumpMtime forces a distinct modification time so the poller notices.
func bumpMtime(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	ts := time.Now().Add(offset)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_ReportsSessionChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fretmaster.yaml")
	writeFile(t, path, "live:\n  voice: Kore\n")

	var mu sync.Mutex
	var diffs []config.Diff
	w, err := config.NewWatcher(path, func(_, _ *config.Config, d config.Diff) {
		mu.Lock()
		diffs = append(diffs, d)
		mu.Unlock()
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "live:\n  voice: Puck\n")
	bumpMtime(t, path, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(diffs)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the change")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.Current().Live.Voice; got != "Puck" {
		t.Errorf("Current voice = %q, want Puck", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(diffs) != 1 || !diffs[0].SessionChanged || diffs[0].RestartRequired {
		t.Errorf("diffs = %+v, want one session change", diffs)
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fretmaster.yaml")
	writeFile(t, path, "server:\n  log_level: info\n")

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config, _ config.Diff) { called <- struct{}{} },
		config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "server:\n  log_level: bananas\n")
	bumpMtime(t, path, time.Second)

	select {
	case <-called:
		t.Fatal("callback fired for an invalid config")
	case <-time.After(100 * time.Millisecond):
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log level = %q, want info", got)
	}
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fretmaster.yaml")
	writeFile(t, path, "live:\n  voice: Kore\n")

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config, _ config.Diff) { called <- struct{}{} },
		config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, path, time.Second)
	select {
	case <-called:
		t.Fatal("callback fired for an unchanged file")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fretmaster.yaml")
	writeFile(t, path, "")
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Live.Provider != config.DefaultLiveProvider {
		t.Errorf("Provider = %q, want %q", cfg.Live.Provider, config.DefaultLiveProvider)
	}
	if cfg.Live.ConnectTimeout != 20*time.Second {
		t.Errorf("ConnectTimeout = %v, want 20s", cfg.Live.ConnectTimeout)
	}
	if cfg.Archive.PostgresDSN != "" {
		t.Errorf("PostgresDSN = %q, want empty", cfg.Archive.PostgresDSN)
	}
}

package config

// Diff describes what changed between two configs. Only fields that can be
// applied without a restart are tracked; everything else needs a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when model, voice, persona, or transcription
	// settings differ. They take effect on the next connect.
	SessionChanged bool

	// RestartRequired is set when a setting changed that is only read at
	// startup (listen address, provider, devices, archive).
	RestartRequired bool
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.RestartRequired
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live.SessionConfig() != new.Live.SessionConfig() {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Live.Provider != new.Live.Provider ||
		old.Live.FallbackProvider != new.Live.FallbackProvider ||
		old.Live.BaseURL != new.Live.BaseURL ||
		old.Live.APIKey != new.Live.APIKey ||
		old.Audio != new.Audio ||
		old.Video != new.Video ||
		old.Archive != new.Archive {
		d.RestartRequired = true
	}

	return d
}

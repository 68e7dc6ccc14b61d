package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// CredentialEnvVars are consulted in order when live.api_key is empty.
var CredentialEnvVars = []string{"API_KEY", "GEMINI_API_KEY"}

// LoadEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// Credential returns the live service API key: live.api_key when set,
// otherwise the first non-empty variable in [CredentialEnvVars]. It returns
// "" when none is configured.
func (c *Config) Credential() string {
	if k := strings.TrimSpace(c.Live.APIKey); k != "" {
		return k
	}
	for _, name := range CredentialEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Package config resolves the broker's bind address, persisted auth token,
// and published CDP URL file. An optional local .env is loaded first via
// joho/godotenv so a developer need not export vars into the shell that
// launches the browser.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DefaultPort           = 19222
	DefaultLogRingCap     = 5000
	DefaultKeepaliveSecs  = 5
	DefaultMissedPongsMax = 2
	DefaultCommandTimeout = 30 // seconds
)

// Config holds everything resolved from the environment and config dir.
type Config struct {
	Port           int
	ConfigDir      string
	TokenPath      string
	CDPURLPath     string
	LogRingCap     int
	KeepaliveSecs  int
	MissedPongsMax int
	CommandTimeout int
}

// Load reads a local .env (if present), then resolves Config from the
// environment. RELAY_PORT overrides the default port; BF_CDP_URL overrides
// the published CDP URL for embedded callers that already know the secret.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	port := DefaultPort
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	return &Config{
		Port:           port,
		ConfigDir:      dir,
		TokenPath:      filepath.Join(dir, "auth-token"),
		CDPURLPath:     filepath.Join(dir, "cdp-url"),
		LogRingCap:     envInt("RELAY_LOG_RING_CAP", DefaultLogRingCap),
		KeepaliveSecs:  envInt("RELAY_KEEPALIVE_SECS", DefaultKeepaliveSecs),
		MissedPongsMax: envInt("RELAY_MISSED_PONGS_MAX", DefaultMissedPongsMax),
		CommandTimeout: envInt("RELAY_COMMAND_TIMEOUT_SECS", DefaultCommandTimeout),
	}, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "browserforce"), nil
}

// LoadOrCreateToken reads the 256-bit hex token from TokenPath, generating
// and persisting one (mode 0600) if it is missing.
func (c *Config) LoadOrCreateToken() (string, error) {
	b, err := os.ReadFile(c.TokenPath)
	if err == nil && len(b) > 0 {
		return string(b), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(c.TokenPath, []byte(tok), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return tok, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PublishCDPURL atomically writes the ephemeral ws:// CDP URL via
// write-then-rename so readers never observe a partial file.
func (c *Config) PublishCDPURL(url string) error {
	tmp := c.CDPURLPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(url), 0o600); err != nil {
		return fmt.Errorf("write cdp url temp file: %w", err)
	}
	if err := os.Rename(tmp, c.CDPURLPath); err != nil {
		return fmt.Errorf("publish cdp url: %w", err)
	}
	return nil
}

// RemoveCDPURL deletes the published CDP URL file on clean shutdown.
func (c *Config) RemoveCDPURL() error {
	err := os.Remove(c.CDPURLPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BindAddress returns the loopback-only listen address for Port.
func (c *Config) BindAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// CDPURL builds the published ws:// URL for the given token and optional
// override (BF_CDP_URL) for embedded callers that already know the secret.
func (c *Config) CDPURL(token string) string {
	if override := os.Getenv("BF_CDP_URL"); override != "" {
		return override
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/cdp?token=%s", c.Port, token)
}

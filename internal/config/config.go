// Package config loads the static process configuration. Values come from
// TCA_-prefixed environment variables, optionally backed by a tca.yaml file;
// they are read once at startup and never reread.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Mode selects how the key-encryption key becomes available.
type Mode string

// Startup modes.
const (
	// ModeInteractive keeps key material locked until an explicit unlock.
	ModeInteractive Mode = "interactive"
	// ModeAutoUnlock derives the KEK from a mounted secret file at startup.
	ModeAutoUnlock Mode = "auto-unlock"
)

// IsValid checks if the mode is one of the known values.
func (m Mode) IsValid() bool {
	return m == ModeInteractive || m == ModeAutoUnlock
}

// logLevels is the accepted log_level vocabulary.
var logLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Error reports an invalid or missing static configuration value. Var names
// the environment variable so the operator knows what to fix.
type Error struct {
	Var    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Reason)
}

// Config is the immutable static configuration of one process.
type Config struct {
	// DBPath is the store file. The parent directory anchors the default
	// backup directory and bootstrap-token file.
	DBPath string
	// Bind is the listen address handed to the HTTP collaborator.
	Bind string
	// Mode gates key-material availability (see Mode).
	Mode Mode
	// LogLevel is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	LogLevel string
	// LogJSON switches log output from console format to JSON lines.
	LogJSON bool
	// SecretFile holds the auto-unlock secret. Required in auto-unlock mode.
	SecretFile string
	// TokenFile is where the bootstrap bearer token plaintext is written once.
	TokenFile string
	// BackupDir receives nightly backup files.
	BackupDir string
	// DedupeConfig optionally points at a dedupe.toml chain override.
	DedupeConfig string
}

// Load reads, defaults, and validates the static configuration. A tca.yaml in
// the working directory (or at TCA_CONFIG) supplies file-based values;
// environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("TCA_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Var: "TCA_CONFIG", Reason: err.Error()}
		}
	} else {
		v.SetConfigName("tca")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// Missing file is fine; only parse errors are fatal.
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, &Error{Var: "TCA_CONFIG", Reason: err.Error()}
			}
		}
	}

	v.SetDefault("db_path", DefaultDBPath())
	v.SetDefault("bind", "127.0.0.1:8080")
	v.SetDefault("mode", string(ModeInteractive))
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_json", false)

	cfg := &Config{
		DBPath:       v.GetString("db_path"),
		Bind:         v.GetString("bind"),
		Mode:         Mode(strings.TrimSpace(v.GetString("mode"))),
		LogLevel:     strings.ToUpper(strings.TrimSpace(v.GetString("log_level"))),
		LogJSON:      v.GetBool("log_json"),
		SecretFile:   v.GetString("secret_file"),
		TokenFile:    v.GetString("token_file"),
		BackupDir:    v.GetString("backup_dir"),
		DedupeConfig: v.GetString("dedupe_config"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDerivedDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return &Error{Var: "TCA_DB_PATH", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Bind) == "" {
		return &Error{Var: "TCA_BIND", Reason: "must not be empty"}
	}
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return &Error{Var: "TCA_BIND", Reason: fmt.Sprintf("invalid host:port %q", c.Bind)}
	}
	if !c.Mode.IsValid() {
		return &Error{Var: "TCA_MODE", Reason: fmt.Sprintf("unknown mode %q (want interactive or auto-unlock)", c.Mode)}
	}
	if !logLevels[c.LogLevel] {
		return &Error{Var: "TCA_LOG_LEVEL", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	if c.Mode == ModeAutoUnlock && strings.TrimSpace(c.SecretFile) == "" {
		return &Error{Var: "TCA_SECRET_FILE", Reason: "required in auto-unlock mode"}
	}
	return nil
}

// applyDerivedDefaults fills paths that hang off the store location.
func (c *Config) applyDerivedDefaults() {
	parent := filepath.Dir(c.DBPath)
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(parent, "backups")
	}
	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(parent, "bootstrap_token")
	}
}

// DefaultDBPath returns the platform-appropriate store location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tca.db"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "tca", "tca.db")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "tca", "tca.db")
		}
		return filepath.Join(home, "tca", "tca.db")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "tca", "tca.db")
		}
		return filepath.Join(home, ".local", "share", "tca", "tca.db")
	}
}

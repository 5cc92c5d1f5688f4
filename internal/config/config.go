// Package config loads the dispatch engine configuration from a TOML file
// and SIGNAL_DISPATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/gwillem/signal-dispatch/internal/store"
)

const envPrefix = "SIGNAL_DISPATCH_"

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Server is the message and key directory endpoint.
type Server struct {
	URL       string
	WSURL     string
	Transport string
	Username  string
	Password  string

	// CAFile is a PEM bundle of CAs to trust instead of the system pool.
	CAFile string
}

// Local identifies this client.
type Local struct {
	ID       string
	DeviceID int
}

// Config is the top level configuration.
type Config struct {
	DataDir      string
	Database     string
	ContactCache string
	LogLevel     string

	Server  Server
	Local   Local
	Metrics struct {
		Listen string
	}
}

// Validate fills in defaults and returns an error if the config is
// unusable.
func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		cfg.DataDir = store.DefaultDataDir()
	}
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.DataDir, "dispatch.db")
	}
	if cfg.ContactCache == "" {
		cfg.ContactCache = filepath.Join(cfg.DataDir, "contacts.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("config: LogLevel: %w", err)
	}
	if cfg.Local.DeviceID == 0 {
		cfg.Local.DeviceID = 1
	}
	if cfg.Local.DeviceID < 0 {
		return fmt.Errorf("config: Local.DeviceID %d is invalid", cfg.Local.DeviceID)
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9464"
	}

	if cfg.Server.URL == "" {
		return errors.New("config: Server.URL is not set")
	}
	if _, err := url.Parse(cfg.Server.URL); err != nil {
		return fmt.Errorf("config: Server.URL: %w", err)
	}
	switch cfg.Server.Transport {
	case "":
		cfg.Server.Transport = TransportHTTP
	case TransportHTTP, TransportWS:
	default:
		return fmt.Errorf("config: Server.Transport %q is not one of http, ws", cfg.Server.Transport)
	}
	if cfg.Server.Transport == TransportWS && cfg.Server.WSURL == "" {
		cfg.Server.WSURL = websocketURL(cfg.Server.URL)
	}
	return nil
}

// Level returns the parsed log level.
func (cfg *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func websocketURL(api string) string {
	u := strings.TrimSuffix(api, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/websocket/"
}

// Load parses b as a config file body, applies environment overrides and
// validates the result.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Load(b)
}

// Read loads a .env file from the working directory if present, then the
// config file at path. An empty path configures from the environment
// alone.
func Read(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		return Load(nil)
	}
	return LoadFile(path)
}

func (cfg *Config) applyEnv() error {
	strs := map[string]*string{
		"DATA_DIR":       &cfg.DataDir,
		"DATABASE":       &cfg.Database,
		"CONTACT_CACHE":  &cfg.ContactCache,
		"LOG_LEVEL":      &cfg.LogLevel,
		"URL":            &cfg.Server.URL,
		"WS_URL":         &cfg.Server.WSURL,
		"TRANSPORT":      &cfg.Server.Transport,
		"USERNAME":       &cfg.Server.Username,
		"PASSWORD":       &cfg.Server.Password,
		"CA_FILE":        &cfg.Server.CAFile,
		"LOCAL_ID":       &cfg.Local.ID,
		"METRICS_LISTEN": &cfg.Metrics.Listen,
	}
	for key, dst := range strs {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(envPrefix + "LOCAL_DEVICE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sLOCAL_DEVICE_ID: %w", envPrefix, err)
		}
		cfg.Local.DeviceID = id
	}
	return nil
}

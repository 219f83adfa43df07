// Package config loads caststream settings from an INI file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"

	"go2tv.app/caststream/internal/discovery"
)

const (
	EnvConfigPath   = "CASTSTREAM_CONFIG"
	EnvLogLevel     = "CASTSTREAM_LOG_LEVEL"
	EnvDisableMDNS  = "CASTSTREAM_DISABLE_MDNS"
	EnvDisableSSDP  = "CASTSTREAM_DISABLE_SSDP"
	EnvCacheFile    = "CASTSTREAM_CACHE_FILE"
	defaultPath     = "~/.config/caststream/caststream.ini"
	defaultLanguage = "en-US"
)

type Config struct {
	Path      string
	Discovery discovery.Config
	Logging   Logging
	Media     Media
}

type Logging struct {
	Level string
}

type Media struct {
	// Port for the local media server; 0 picks a free port.
	Port              int
	Transcoder        string
	SubtitlesLanguage string
}

func Default() Config {
	return Config{
		Discovery: discovery.DefaultConfig(),
		Logging:   Logging{Level: "info"},
		Media:     Media{SubtitlesLanguage: defaultLanguage},
	}
}

// ResolvePath picks the config file: explicit path, then $CASTSTREAM_CONFIG,
// then the per-user default.
func ResolvePath(explicit string) (string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = defaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", path, err)
	}
	return filepath.Clean(expanded), nil
}

// Load reads the file at path. A missing file yields the defaults; a file
// that exists but does not parse is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.Path = path

	file, err := ini.LoadSources(ini.LoadOptions{Loose: true, Insensitive: true}, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	d := file.Section("discovery")
	cfg.Discovery.MDNS = d.Key("mdns").MustBool(cfg.Discovery.MDNS)
	cfg.Discovery.SSDP = d.Key("ssdp").MustBool(cfg.Discovery.SSDP)
	cfg.Discovery.Timeout = d.Key("timeout").MustDuration(cfg.Discovery.Timeout)
	cfg.Discovery.MDNSAddress = d.Key("mdns_address").MustString(cfg.Discovery.MDNSAddress)
	cfg.Discovery.SSDPAddress = d.Key("ssdp_address").MustString(cfg.Discovery.SSDPAddress)
	cfg.Discovery.NamePort = d.Key("name_port").MustInt(cfg.Discovery.NamePort)
	cfg.Discovery.HTTPTimeout = d.Key("http_timeout").MustDuration(cfg.Discovery.HTTPTimeout)
	cfg.Discovery.CacheFile = d.Key("cache_file").MustString(cfg.Discovery.CacheFile)

	cfg.Logging.Level = file.Section("logging").Key("level").MustString(cfg.Logging.Level)

	m := file.Section("media")
	cfg.Media.Port = m.Key("port").MustInt(cfg.Media.Port)
	cfg.Media.Transcoder = strings.ToLower(m.Key("transcoder").MustString(cfg.Media.Transcoder))
	cfg.Media.SubtitlesLanguage = m.Key("subtitles_language").MustString(cfg.Media.SubtitlesLanguage)

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if boolEnv(EnvDisableMDNS, false) {
		cfg.Discovery.MDNS = false
	}
	if boolEnv(EnvDisableSSDP, false) {
		cfg.Discovery.SSDP = false
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheFile)); v != "" {
		cfg.Discovery.CacheFile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
}

func (c Config) validate() error {
	switch c.Media.Transcoder {
	case "", "ffmpeg", "avconv":
	default:
		return fmt.Errorf("[media] transcoder must be ffmpeg or avconv, got %q", c.Media.Transcoder)
	}
	if c.Media.Port < 0 || c.Media.Port > 65535 {
		return fmt.Errorf("[media] port %d out of range", c.Media.Port)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("[discovery] timeout must be positive")
	}
	return nil
}

func boolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

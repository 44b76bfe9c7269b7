// Package hsconfig implements TOML-backed configuration loading and
// validation for the hybrid cache layer: nested Config structs with toml
// tags, a Defaults() constructor, and a Validate() pass.
package hsconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration structure for the cache layer.
type Config struct {
	Remote    RemoteConfig    `toml:"remote"`
	Auth      AuthConfig      `toml:"auth"`
	Transport TransportConfig `toml:"transport"`
	Cache     CacheConfig     `toml:"cache"`
	Processor ProcessorConfig `toml:"processor"`
	Paths     PathsConfig     `toml:"paths"`
}

// RemoteConfig identifies the target asset API.
type RemoteConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Protocol string `toml:"protocol"` // "http" or "https"
	BasePath string `toml:"base_path"`
}

// AuthConfig carries transport credentials. Exactly one of
// (User,Pass) or Bearer should be set; Validate enforces this.
type AuthConfig struct {
	User   string `toml:"user"`
	Pass   string `toml:"pass"`
	Bearer string `toml:"bearer"`
}

// TransportConfig controls the RemoteTransport port (C3).
type TransportConfig struct {
	MaxSockets        int    `toml:"max_sockets"`
	RequestsPerSecond int    `toml:"requests_per_second"` // 0 = unlimited
	TimeoutMs         int    `toml:"timeout_ms"`
	ChunkUploadSizeMb int    `toml:"chunk_upload_size_mb"`
	UnicodeNormForm   string `toml:"unicode_normalize_form"`
}

// CacheConfig controls ContentCache and BinaryCache TTLs.
type CacheConfig struct {
	AllCacheTTLMs       int      `toml:"all_cache_ttl_ms"`
	ContentCacheTTLMs   int      `toml:"content_cache_ttl_ms"`
	BinCacheTTLMs       int      `toml:"bin_cache_ttl_ms"`
	AllowNonEmptyDelete bool     `toml:"allow_non_empty_dir_delete"`
	PreserveCacheFiles  []string `toml:"preserve_cache_files"`
}

// ProcessorConfig controls the background processor (C9).
type ProcessorConfig struct {
	ExpirationMs  int `toml:"expiration_ms"`
	MaxRetries    int `toml:"max_retries"`
	RetryDelayMs  int `toml:"retry_delay_ms"`
	FrequencyMs   int `toml:"frequency_ms"`
	MtimeDriftSec int `toml:"mtime_drift_sec"` // canDelete() drift threshold, spec §4.1
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	CacheRoot string `toml:"cache_root"`
	WorkPath  string `toml:"work_path"`
	TmpPath   string `toml:"tmp_path"`
}

// Defaults returns a Config populated with reasonable numeric defaults.
func Defaults() Config {
	return Config{
		Transport: TransportConfig{
			MaxSockets:        32,
			RequestsPerSecond: 0,
			TimeoutMs:         30000,
			ChunkUploadSizeMb: 10,
			UnicodeNormForm:   "nfc",
		},
		Cache: CacheConfig{
			AllCacheTTLMs:     1800000,
			ContentCacheTTLMs: 30000,
			BinCacheTTLMs:     300000,
		},
		Processor: ProcessorConfig{
			ExpirationMs:  0,
			MaxRetries:    3,
			RetryDelayMs:  5000,
			FrequencyMs:   2000,
			MtimeDriftSec: 2,
		},
	}
}

// Load reads and decodes a TOML config file at path, filling unset fields
// with Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("hsconfig: decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks structural invariants of the loaded configuration.
func (c Config) Validate() error {
	if c.Remote.Host == "" {
		return fmt.Errorf("hsconfig: remote.host is required")
	}

	if c.Auth.Bearer == "" && c.Auth.User == "" {
		return fmt.Errorf("hsconfig: auth requires either bearer or user/pass")
	}

	if c.Auth.Bearer != "" && c.Auth.User != "" {
		return fmt.Errorf("hsconfig: auth must set either bearer or user/pass, not both")
	}

	if c.Transport.MaxSockets <= 0 {
		return fmt.Errorf("hsconfig: transport.max_sockets must be positive")
	}

	if c.Processor.MaxRetries < 0 {
		return fmt.Errorf("hsconfig: processor.max_retries must be >= 0")
	}

	if c.Paths.CacheRoot == "" {
		return fmt.Errorf("hsconfig: paths.cache_root is required")
	}

	return nil
}

// BaseURL renders the remote's scheme://host:port.
func (c RemoteConfig) BaseURL() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = "https"
	}

	if c.Port == 0 {
		return fmt.Sprintf("%s://%s%s", protocol, c.Host, c.BasePath)
	}

	return fmt.Sprintf("%s://%s:%d%s", protocol, c.Host, c.Port, c.BasePath)
}

// Duration helpers convert the millisecond/second config fields to
// time.Duration at the point of use, keeping the stored config as
// human-editable primitives.

func (c CacheConfig) AllCacheTTL() time.Duration {
	return time.Duration(c.AllCacheTTLMs) * time.Millisecond
}

func (c CacheConfig) ContentCacheTTL() time.Duration {
	return time.Duration(c.ContentCacheTTLMs) * time.Millisecond
}

func (c CacheConfig) BinCacheTTL() time.Duration {
	return time.Duration(c.BinCacheTTLMs) * time.Millisecond
}

func (c ProcessorConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationMs) * time.Millisecond
}

func (c ProcessorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c ProcessorConfig) Frequency() time.Duration {
	return time.Duration(c.FrequencyMs) * time.Millisecond
}

func (c ProcessorConfig) MtimeDrift() time.Duration {
	return time.Duration(c.MtimeDriftSec) * time.Second
}

func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c TransportConfig) ChunkUploadSize() int64 {
	return int64(c.ChunkUploadSizeMb) * 1024 * 1024
}

// EnsureDirs creates the cache/work/tmp directories if missing.
func (c PathsConfig) EnsureDirs() error {
	for _, dir := range []string{c.CacheRoot, c.WorkPath, c.TmpPath} {
		if dir == "" {
			continue
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("hsconfig: creating %s: %w", dir, err)
		}
	}

	return nil
}

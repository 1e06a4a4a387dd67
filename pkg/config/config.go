package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "gravitygate.toml"

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

// UpstreamConfig points at the code-assist backend. BaseURL is overridable
// so tests can aim the gateway at a local fake.
type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	TokenURL       string `toml:"token_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type PoolConfig struct {
	CredentialsPath        string  `toml:"credentials_path"`
	QuotaCachePath         string  `toml:"quota_cache_path"`
	RefreshMarginSeconds   int     `toml:"refresh_margin_seconds"`
	RefreshIntervalSeconds int     `toml:"refresh_interval_seconds"`
	QuotaIntervalSeconds   int     `toml:"quota_interval_seconds"`
	QuotaStaleMinutes      int     `toml:"quota_stale_minutes"`
	QuotaMinFraction       float64 `toml:"quota_min_fraction"`
	RetryLimit             int     `toml:"retry_limit"`
}

type ServerConfig struct {
	ListenAddr   string         `toml:"listen_addr"`
	IncomingKeys []string       `toml:"incoming_keys"`
	MappingsPath string         `toml:"mappings_path"`
	StatsPath    string         `toml:"stats_path"`
	Upstream     UpstreamConfig `toml:"upstream"`
	Pool         PoolConfig     `toml:"pool"`
	TLS          TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "gravitygate", defaultConfigFileName)
}

func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.toml"
	}
	return filepath.Join(home, ".config", "gravitygate", "credentials.toml")
}

func DefaultMappingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mappings.toml"
	}
	return filepath.Join(home, ".config", "gravitygate", "mappings.toml")
}

func DefaultQuotaCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quota-cache.json"
	}
	return filepath.Join(home, ".cache", "gravitygate", "quota-cache.json")
}

func DefaultStatsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-stats.json"
	}
	return filepath.Join(home, ".cache", "gravitygate", "usage-stats.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "gravitygate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   "127.0.0.1:8099",
		IncomingKeys: []string{},
		MappingsPath: DefaultMappingsPath(),
		StatsPath:    DefaultStatsPath(),
		Upstream: UpstreamConfig{
			BaseURL:        "https://cloudcode-pa.googleapis.com/v1internal",
			TokenURL:       "https://oauth2.googleapis.com/token",
			TimeoutSeconds: 600,
		},
		Pool: PoolConfig{
			CredentialsPath:        DefaultCredentialsPath(),
			QuotaCachePath:         DefaultQuotaCachePath(),
			RefreshMarginSeconds:   300,
			RefreshIntervalSeconds: 240,
			QuotaIntervalSeconds:   600,
			QuotaStaleMinutes:      30,
			QuotaMinFraction:       0.05,
			RetryLimit:             3,
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := MarshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MarshalTOML encodes v in the house TOML style. Shared with the
// credential and mapping stores so every file on disk looks the same.
func MarshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8099"
	}
	keys := make([]string, 0, len(c.IncomingKeys))
	seen := map[string]struct{}{}
	for _, k := range c.IncomingKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.IncomingKeys = keys
	c.MappingsPath = strings.TrimSpace(c.MappingsPath)
	if c.MappingsPath == "" {
		c.MappingsPath = DefaultMappingsPath()
	}
	c.StatsPath = strings.TrimSpace(c.StatsPath)
	if c.StatsPath == "" {
		c.StatsPath = DefaultStatsPath()
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://cloudcode-pa.googleapis.com/v1internal"
	}
	c.Upstream.TokenURL = strings.TrimSpace(c.Upstream.TokenURL)
	if c.Upstream.TokenURL == "" {
		c.Upstream.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 600
	}

	c.Pool.CredentialsPath = strings.TrimSpace(c.Pool.CredentialsPath)
	if c.Pool.CredentialsPath == "" {
		c.Pool.CredentialsPath = DefaultCredentialsPath()
	}
	c.Pool.QuotaCachePath = strings.TrimSpace(c.Pool.QuotaCachePath)
	if c.Pool.QuotaCachePath == "" {
		c.Pool.QuotaCachePath = DefaultQuotaCachePath()
	}
	if c.Pool.RefreshMarginSeconds <= 0 {
		c.Pool.RefreshMarginSeconds = 300
	}
	if c.Pool.RefreshIntervalSeconds <= 0 {
		c.Pool.RefreshIntervalSeconds = 240
	}
	if c.Pool.QuotaIntervalSeconds <= 0 {
		c.Pool.QuotaIntervalSeconds = 600
	}
	if c.Pool.QuotaStaleMinutes <= 0 {
		c.Pool.QuotaStaleMinutes = 30
	}
	if c.Pool.QuotaMinFraction <= 0 {
		c.Pool.QuotaMinFraction = 0.05
	}
	if c.Pool.RetryLimit <= 0 {
		c.Pool.RetryLimit = 3
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode == "" {
		c.TLS.Mode = "letsencrypt"
	}
	if c.TLS.Mode != "letsencrypt" && c.TLS.Mode != "pem" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.TLS.CertPEM = strings.TrimSpace(c.TLS.CertPEM)
	c.TLS.KeyPEM = strings.TrimSpace(c.TLS.KeyPEM)
}

func (c *ServerConfig) Validate() error {
	if c.Pool.QuotaMinFraction >= 1 {
		return errors.New("pool.quota_min_fraction must be < 1")
	}
	if c.Pool.RetryLimit > 20 {
		return errors.New("pool.retry_limit must be <= 20")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url %q must be an http(s) URL", c.Upstream.BaseURL)
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case "pem":
			if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
				return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
			}
		default:
			return errors.New("tls.mode must be one of letsencrypt, pem")
		}
	}
	return nil
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.IncomingKeys = append([]string(nil), s.cfg.IncomingKeys...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.IncomingKeys = append([]string(nil), s.cfg.IncomingKeys...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goral/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file. Relative file paths in
// services are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range cfg.Services {
		cfg.Services[i].resolvePaths(dir)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Service returns the service with the given name.
func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// validate checks the configuration for errors and fills per-service
// defaults.
func validate(cfg *Config) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		s := &cfg.Services[i]
		if s.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("service[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true

		if err := s.validate(); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
	}

	if cfg.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be positive")
	}
	if cfg.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be positive")
	}
	if cfg.Worker.Rate < 0 {
		return fmt.Errorf("worker.rate must not be negative")
	}
	if cfg.Worker.DialTimeout < 0 {
		return fmt.Errorf("worker.dial_timeout must not be negative")
	}

	if cfg.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if cfg.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	cfg.Log.ApplyDefaults()
	return cfg.Log.Validate()
}

func (s *Service) validate() error {
	if s.Protocol == "" {
		s.Protocol = ProtocolHTTP
	}
	if s.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Server.Port)
	}
	if s.Payload != "" && s.PayloadFile != "" {
		return fmt.Errorf("payload and payload_file are mutually exclusive")
	}
	if (s.TLS.CertFile != "") != (s.TLS.KeyFile != "") {
		return fmt.Errorf("tls: both cert_file and key_file must be provided together")
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Repeat <= 0 {
		s.Repeat = 1
	}
	return nil
}

func (s *Service) resolvePaths(dir string) {
	for _, p := range []*string{&s.PayloadFile, &s.TLS.KeyFile, &s.TLS.CertFile, &s.TLS.CAFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// RequestConfig converts the service into a raw adapter config, reading
// any referenced payload and TLS files.
func (s Service) RequestConfig() (*protocol.RequestConfig, error) {
	cfg := &protocol.RequestConfig{
		Server:           protocol.Server{Host: s.Server.Host, Port: s.Server.Port},
		Path:             s.Path,
		Method:           s.Method,
		Headers:          s.Headers,
		Query:            s.Query.Values,
		RawQuery:         s.Query.Raw,
		Encoding:         s.Encoding,
		HTTPS:            s.HTTPS,
		IgnoreStatusCode: s.IgnoreStatusCode,
		MaxResponseBytes: s.MaxResponseBytes,
	}
	cfg.TLS.RejectUnauthorized = s.TLS.RejectUnauthorized

	if s.Payload != "" {
		cfg.Payload = []byte(s.Payload)
	}

	files := []struct {
		path string
		dst  *[]byte
		what string
	}{
		{s.PayloadFile, &cfg.Payload, "payload"},
		{s.TLS.KeyFile, &cfg.TLS.Key, "tls key"},
		{s.TLS.CertFile, &cfg.TLS.Cert, "tls cert"},
		{s.TLS.CAFile, &cfg.TLS.CA, "tls ca"},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("service %q: failed to read %s file: %w", s.Name, f.what, err)
		}
		*f.dst = data
	}

	return cfg, nil
}

package config

import (
	"time"

	"github.com/goral/internal/logger"
)

// Config is the root configuration structure.
type Config struct {
	Services []Service     `yaml:"services"`
	Worker   Worker        `yaml:"worker"`
	Health   Health        `yaml:"health"`
	Metrics  Metrics       `yaml:"metrics"`
	Log      logger.Config `yaml:"log"`
}

// Service is one named call definition.
type Service struct {
	Name             string            `yaml:"name"`
	Protocol         string            `yaml:"protocol"`
	Server           Server            `yaml:"server"`
	Path             string            `yaml:"path"`
	Method           string            `yaml:"method"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	Query            Query             `yaml:"query,omitempty"`
	Payload          string            `yaml:"payload,omitempty"`
	PayloadFile      string            `yaml:"payload_file,omitempty"`
	Encoding         string            `yaml:"encoding,omitempty"`
	HTTPS            bool              `yaml:"https"`
	TLS              TLS               `yaml:"tls,omitempty"`
	IgnoreStatusCode bool              `yaml:"ignore_status_code"`
	MaxResponseBytes int64             `yaml:"max_response_bytes,omitempty"`
	Timeout          time.Duration     `yaml:"timeout"`
	Repeat           int               `yaml:"repeat"`
}

// Server is the address a service is reached at.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TLS points at PEM files for secure services.
type TLS struct {
	KeyFile            string `yaml:"key_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	RejectUnauthorized *bool  `yaml:"reject_unauthorized,omitempty"`
}

// Worker configures the batch worker pool.
type Worker struct {
	PoolSize    int           `yaml:"pool_size"`
	QueueSize   int           `yaml:"queue_size"`
	Rate        float64       `yaml:"rate"` // calls per second, 0 = unlimited
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Health configures the periodic prober.
type Health struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Metrics configures Prometheus metrics.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Worker: Worker{
			PoolSize:    16,
			QueueSize:   1024,
			DialTimeout: 10 * time.Second,
		},
		Health: Health{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		},
		Metrics: Metrics{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: logger.Config{
			Level:  "info",
			Format: logger.FormatConsole,
			Output: "stderr",
		},
	}
}

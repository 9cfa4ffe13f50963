package protocol

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Server is the single address an adapter talks to.
type Server struct {
	Host string
	Port int
}

// TLSOptions carries the client-side TLS material for secure transports.
// Key, Cert and CA are PEM encoded.
type TLSOptions struct {
	Key                []byte
	Cert               []byte
	CA                 []byte
	RejectUnauthorized *bool
}

// RequestConfig is the declarative description of one outbound call.
// Adapters treat it as read-only; normalization returns a new value.
type RequestConfig struct {
	Server  Server
	Path    string
	Method  string
	Headers map[string]string

	// Query is the canonical query mapping. RawQuery holds the encoded
	// form when the caller has one; normalization folds it into Query.
	Query    url.Values
	RawQuery string

	Payload  []byte
	Encoding string

	HTTPS bool
	TLS   TLSOptions

	IgnoreStatusCode bool

	// MaxResponseBytes bounds aggregation. Zero means unlimited.
	MaxResponseBytes int64
}

// Clone returns a copy whose maps can be modified independently.
// Payload and TLS material are shared since they are never written.
func (c *RequestConfig) Clone() *RequestConfig {
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Query != nil {
		out.Query = make(url.Values, len(c.Query))
		for k, v := range c.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	return &out
}

// RejectsUnauthorized reports whether server certificates are verified.
func (c *RequestConfig) RejectsUnauthorized() bool {
	return c.TLS.RejectUnauthorized == nil || *c.TLS.RejectUnauthorized
}

// Address returns host:port of the configured server.
func (c *RequestConfig) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Callback receives the outcome of a call. It fires exactly once with
// either the aggregated body (never nil) or an error.
type Callback func(body []byte, err error)

// Protocol is the capability set every adapter provides.
type Protocol interface {
	// Name identifies the adapter in a Registry.
	Name() string

	// NormalizeConfig validates raw and returns its canonical form.
	NormalizeConfig(raw *RequestConfig) (*RequestConfig, error)

	// Execute issues the call described by a canonical config.
	Execute(ctx context.Context, cfg *RequestConfig, onComplete Callback) *Call
}

// Options contains common configuration for all adapters.
type Options struct {
	// Logger receives lifecycle events. Nil disables logging.
	Logger *zerolog.Logger

	// DialTimeout bounds connection establishment, for gRPC the minimum
	// time allowed per connection attempt. Zero leaves it to the context.
	DialTimeout time.Duration

	// Tick schedules the deferred auto-close check of bodiless requests.
	// Defaults to NextTick.
	Tick func(func())
}

func (o Options) logger(name string) zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return o.Logger.With().Str("protocol", name).Logger()
}

func (o Options) tick() func(func()) {
	if o.Tick == nil {
		return NextTick
	}
	return o.Tick
}

const (
	defaultMethod   = "GET"
	defaultEncoding = "utf-8"
)

// NormalizeBase applies the defaults shared by every adapter and returns a
// new config. It does not touch adapter specific fields such as the query.
func NormalizeBase(raw *RequestConfig) (*RequestConfig, error) {
	if raw == nil {
		return nil, ErrNoServer
	}
	cfg := raw.Clone()

	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Host == "" {
		return nil, ErrNoServer
	}
	if cfg.Server.Port == 0 {
		if cfg.HTTPS {
			cfg.Server.Port = 443
		} else {
			cfg.Server.Port = 80
		}
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("protocol: invalid port %d", cfg.Server.Port)
	}

	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = defaultMethod
	}

	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}

	cfg.Encoding = strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if cfg.Encoding == "" {
		cfg.Encoding = defaultEncoding
	}
	if _, err := lookupCharset(cfg.Encoding); err != nil {
		return nil, err
	}

	if cfg.TLS.RejectUnauthorized == nil {
		reject := true
		cfg.TLS.RejectUnauthorized = &reject
	}

	if cfg.MaxResponseBytes < 0 {
		return nil, fmt.Errorf("protocol: max response bytes must not be negative")
	}

	return cfg, nil
}

// Do normalizes raw with p, executes it and waits for the outcome. The
// returned call exposes the response status and headers.
func Do(ctx context.Context, p Protocol, raw *RequestConfig) (*Call, []byte, error) {
	cfg, err := p.NormalizeConfig(raw)
	if err != nil {
		return nil, nil, err
	}
	call := p.Execute(ctx, cfg, nil)
	body, err := call.Wait()
	return call, body, err
}

package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// GRPC implements Protocol for the standard gRPC health check. The path
// names the service to check; an empty path checks the whole server. The
// body delivered on success is the serving status name.
type GRPC struct {
	log         zerolog.Logger
	dialTimeout time.Duration
}

// NewGRPC creates a new gRPC adapter.
func NewGRPC(opts Options) *GRPC {
	return &GRPC{log: opts.logger("grpc"), dialTimeout: opts.DialTimeout}
}

// Name returns "grpc".
func (g *GRPC) Name() string { return "grpc" }

// NormalizeConfig applies the base defaults and strips the leading slash
// from the service path.
func (g *GRPC) NormalizeConfig(raw *RequestConfig) (*RequestConfig, error) {
	cfg, err := NormalizeBase(raw)
	if err != nil {
		return nil, err
	}
	cfg.Path = strings.TrimLeft(cfg.Path, "/")
	if cfg.Query == nil {
		cfg.Query = make(map[string][]string)
	}
	cfg.RawQuery = ""
	return cfg, nil
}

// Execute runs one health check over a dedicated connection.
func (g *GRPC) Execute(ctx context.Context, cfg *RequestConfig, onComplete Callback) *Call {
	call, ctx := newCall(ctx, onComplete)
	call.endBody()
	log := g.log.With().Str("call_id", call.ID()).Logger()
	go g.check(ctx, call, cfg, log)
	return call
}

func (g *GRPC) check(ctx context.Context, call *Call, cfg *RequestConfig, log zerolog.Logger) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if g.dialTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: g.dialTimeout,
		}))
	}

	if cfg.HTTPS {
		tlsCfg, err := buildTLS(cfg)
		if err != nil {
			call.finish(nil, err)
			return
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	log.Trace().Str("target", cfg.Address()).Str("service", cfg.Path).Msg("request start")

	conn, err := grpc.NewClient(cfg.Address(), opts...)
	if err != nil {
		call.finish(nil, &TransportError{Op: "dial", Err: err})
		return
	}
	defer conn.Close()

	call.advance(StateSent)
	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: cfg.Path,
	})
	if err != nil {
		if s, ok := status.FromError(err); ok {
			call.setResponse(int(s.Code()), nil)
		}
		log.Trace().Err(err).Msg("request failed")
		call.finish(nil, &TransportError{Op: "health check", Err: err})
		return
	}

	call.advance(StateAwaitingResponse)
	call.setResponse(int(resp.Status), nil)
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING && !cfg.IgnoreStatusCode {
		log.Trace().Str("status", resp.Status.String()).Msg("request rejected")
		call.finish(nil, &StatusError{Code: int(resp.Status)})
		return
	}

	call.advance(StateReceiving)
	log.Trace().Str("status", resp.Status.String()).Msg("response end")
	call.finish([]byte(resp.Status.String()), nil)
}

package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// HTTP implements Protocol for HTTP/1.1 over TCP or TLS. Every call uses a
// dedicated connection.
type HTTP struct {
	opts    Options
	log     zerolog.Logger
	tick    func(func())
	bufPool sync.Pool
}

// NewHTTP creates a new HTTP adapter.
func NewHTTP(opts Options) *HTTP {
	return &HTTP{
		opts: opts,
		log:  opts.logger("http"),
		tick: opts.tick(),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 32*1024)
				return &buf
			},
		},
	}
}

// Name returns "http".
func (h *HTTP) Name() string { return "http" }

// NormalizeConfig applies the base defaults, folds an encoded query string
// into the query mapping, drops query keys without values and forces a
// leading slash on the path.
func (h *HTTP) NormalizeConfig(raw *RequestConfig) (*RequestConfig, error) {
	cfg, err := NormalizeBase(raw)
	if err != nil {
		return nil, err
	}

	if cfg.Query == nil {
		q, err := DecodeQuery(cfg.RawQuery, cfg.Encoding)
		if err != nil {
			return nil, err
		}
		cfg.Query = q
	}
	// A key without values has no encoded form.
	for k, vs := range cfg.Query {
		if len(vs) == 0 {
			delete(cfg.Query, k)
		}
	}
	cfg.RawQuery = ""

	if cfg.Path != "" && cfg.Path[0] != '/' {
		cfg.Path = "/" + cfg.Path
	}
	return cfg, nil
}

// Execute sends the request described by cfg, which must be normalized.
//
// A payload is attached whole and the body is ended immediately. Without a
// payload the body stays open for one tick: if Write or Pipe claim it in
// the meantime the caller ends it, otherwise it is ended here and the
// request goes out bodiless.
func (h *HTTP) Execute(ctx context.Context, cfg *RequestConfig, onComplete Callback) *Call {
	call, ctx := newCall(ctx, onComplete)
	log := h.log.With().Str("call_id", call.ID()).Logger()

	req, err := h.buildRequest(ctx, cfg, call)
	if err != nil {
		call.endBody()
		go call.finish(nil, err)
		return call
	}
	transport, err := h.newTransport(cfg)
	if err != nil {
		call.endBody()
		go call.finish(nil, err)
		return call
	}

	if len(cfg.Payload) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(cfg.Payload))
		req.ContentLength = int64(len(cfg.Payload))
		call.endBody()
		go h.roundTrip(call, transport, req, cfg, log)
		return call
	}

	call.openBody()
	h.tick(func() {
		if body, streaming := call.settleBody(); streaming {
			req.Body = body
			req.ContentLength = streamLength(cfg.Headers)
			log.Trace().Msg("request body streamed by caller")
		} else {
			req.Body = http.NoBody
			req.ContentLength = 0
		}
		go h.roundTrip(call, transport, req, cfg, log)
	})
	return call
}

// WirePath returns the request target for cfg: the path followed by the
// encoded query when there is one.
func WirePath(cfg *RequestConfig) (string, error) {
	query, err := EncodeQuery(cfg.Query, cfg.Encoding)
	if err != nil {
		return "", err
	}
	if query != "" {
		return cfg.Path + "?" + query, nil
	}
	return cfg.Path, nil
}

func (h *HTTP) buildRequest(ctx context.Context, cfg *RequestConfig, call *Call) (*http.Request, error) {
	query, err := EncodeQuery(cfg.Query, cfg.Encoding)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	defaultPort := 80
	if cfg.HTTPS {
		scheme = "https"
		defaultPort = 443
	}
	hostPort := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	trace := &httptrace.ClientTrace{
		WroteHeaders: func() { call.advance(StateSent) },
		WroteRequest: func(httptrace.WroteRequestInfo) { call.advance(StateAwaitingResponse) },
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := http.NewRequestWithContext(ctx, cfg.Method, scheme+"://"+hostPort, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: build request: %w", err)
	}

	// Opaque keeps the configured path byte for byte on the request line.
	if strings.HasPrefix(cfg.Path, "//") {
		req.URL.Path = cfg.Path
	} else {
		req.URL.Opaque = cfg.Path
	}
	req.URL.RawQuery = query

	if cfg.Server.Port == defaultPort {
		req.Host = cfg.Server.Host
		if strings.Contains(req.Host, ":") {
			req.Host = "[" + req.Host + "]"
		}
	}

	// An empty value stops net/http from adding its own.
	req.Header["User-Agent"] = []string{""}
	for k, v := range cfg.Headers {
		switch {
		case strings.EqualFold(k, "Host"):
			req.Host = v
		case strings.EqualFold(k, "User-Agent"):
			req.Header["User-Agent"] = []string{v}
		case strings.EqualFold(k, "Content-Length"),
			strings.EqualFold(k, "Transfer-Encoding"),
			strings.EqualFold(k, "Trailer"):
			// framing headers are written by the transport
		default:
			req.Header[k] = []string{v}
		}
	}

	return req, nil
}

func (h *HTTP) newTransport(cfg *RequestConfig) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   h.opts.DialTimeout,
			KeepAlive: -1,
		}).DialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
		// A non-nil empty map keeps the transport on HTTP/1.1.
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	if cfg.HTTPS {
		tlsCfg, err := buildTLS(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return transport, nil
}

func (h *HTTP) roundTrip(call *Call, transport *http.Transport, req *http.Request, cfg *RequestConfig, log zerolog.Logger) {
	defer transport.CloseIdleConnections()

	log.Trace().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.RequestURI()).
		Bool("https", cfg.HTTPS).
		Msg("request start")

	resp, err := transport.RoundTrip(req)
	if err != nil {
		log.Trace().Err(err).Msg("request failed")
		call.finish(nil, &TransportError{Op: "round trip", Err: err})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	call.advance(StateAwaitingResponse)
	call.setResponse(resp.StatusCode, resp.Header)

	if resp.StatusCode >= 300 && !cfg.IgnoreStatusCode {
		log.Trace().Int("status", resp.StatusCode).Msg("request rejected")
		call.finish(nil, &StatusError{Code: resp.StatusCode})
		return
	}
	call.advance(StateReceiving)

	bufPtr := h.bufPool.Get().(*[]byte)
	defer h.bufPool.Put(bufPtr)

	acc := NewAccumulator(cfg.MaxResponseBytes)
	if _, err := acc.ReadFrom(resp.Body, *bufPtr); err != nil {
		log.Trace().Err(err).Msg("response failed")
		call.finish(nil, &AggregationError{Err: err})
		return
	}
	chunks := acc.Chunks()
	body, err := acc.Concat()
	if err != nil {
		log.Trace().Err(err).Msg("response failed")
		call.finish(nil, &AggregationError{Err: err})
		return
	}

	log.Trace().Int("status", resp.StatusCode).Int("chunks", chunks).Int("bytes", len(body)).Msg("response end")
	call.finish(body, nil)
}

// streamLength honours a caller supplied Content-Length for streamed
// bodies and reports -1 (chunked) otherwise.
func streamLength(headers map[string]string) int64 {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Length") {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
				return n
			}
		}
	}
	return -1
}

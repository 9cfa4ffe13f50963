package protocol

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTick captures the deferred auto-close check so tests decide when
// the tick happens.
type manualTick struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTick) schedule(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
}

func (m *manualTick) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualTick) fire() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type seenRequest struct {
	Method           string
	RequestURI       string
	Host             string
	Header           http.Header
	Body             []byte
	ContentLength    int64
	TransferEncoding []string
}

func recordingServer(t *testing.T, status int, respBody string) (*httptest.Server, <-chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			Method:           r.Method,
			RequestURI:       r.RequestURI,
			Host:             r.Host,
			Header:           r.Header.Clone(),
			Body:             body,
			ContentLength:    r.ContentLength,
			TransferEncoding: r.TransferEncoding,
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func configFor(t *testing.T, rawURL string) *RequestConfig {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &RequestConfig{Server: Server{Host: host, Port: port}}
}

func execute(t *testing.T, h *HTTP, raw *RequestConfig) ([]byte, error) {
	t.Helper()
	cfg, err := h.NormalizeConfig(raw)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Execute(ctx, cfg, nil).Wait()
}

func TestHTTP_Name(t *testing.T) {
	assert.Equal(t, "http", NewHTTP(Options{}).Name())
}

func TestHTTP_NormalizeConfig(t *testing.T) {
	h := NewHTTP(Options{})

	t.Run("path and query", func(t *testing.T) {
		raw := &RequestConfig{
			Server: Server{Host: "example.com"},
			Method: "get",
			Path:   "users",
			Query:  url.Values{"id": {"5"}},
		}
		cfg, err := h.NormalizeConfig(raw)
		require.NoError(t, err)

		assert.Equal(t, "/users", cfg.Path)
		assert.Equal(t, "GET", cfg.Method)
		assert.Equal(t, 80, cfg.Server.Port)
		assert.Equal(t, "utf-8", cfg.Encoding)
		assert.True(t, cfg.RejectsUnauthorized())
		assert.NotNil(t, cfg.Headers)

		wire, err := WirePath(cfg)
		require.NoError(t, err)
		assert.Equal(t, "/users?id=5", wire)
	})

	t.Run("leading slash kept", func(t *testing.T) {
		cfg, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}, Path: "/a/b"})
		require.NoError(t, err)
		assert.Equal(t, "/a/b", cfg.Path)
	})

	t.Run("empty path left empty", func(t *testing.T) {
		cfg, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}})
		require.NoError(t, err)
		assert.Equal(t, "", cfg.Path)
	})

	t.Run("encoded query decoded", func(t *testing.T) {
		cfg, err := h.NormalizeConfig(&RequestConfig{
			Server:   Server{Host: "h"},
			RawQuery: "q=%D6%D0%CE%C4&page=2",
			Encoding: "GBK",
		})
		require.NoError(t, err)
		assert.Equal(t, url.Values{"q": {"中文"}, "page": {"2"}}, cfg.Query)
		assert.Empty(t, cfg.RawQuery)
		assert.Equal(t, "gbk", cfg.Encoding)
	})

	t.Run("absent query becomes empty mapping", func(t *testing.T) {
		cfg, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}})
		require.NoError(t, err)
		assert.NotNil(t, cfg.Query)
		assert.Empty(t, cfg.Query)
	})

	t.Run("empty value lists dropped", func(t *testing.T) {
		raw := &RequestConfig{
			Server: Server{Host: "h"},
			Query:  url.Values{"a": {}, "b": {"1"}},
		}
		cfg, err := h.NormalizeConfig(raw)
		require.NoError(t, err)
		assert.Equal(t, url.Values{"b": {"1"}}, cfg.Query)
		assert.Contains(t, raw.Query, "a")

		encoded, err := EncodeQuery(cfg.Query, cfg.Encoding)
		require.NoError(t, err)
		decoded, err := DecodeQuery(encoded, cfg.Encoding)
		require.NoError(t, err)
		assert.Equal(t, cfg.Query, decoded)
	})

	t.Run("https default port", func(t *testing.T) {
		cfg, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}, HTTPS: true})
		require.NoError(t, err)
		assert.Equal(t, 443, cfg.Server.Port)
	})

	t.Run("idempotent and pure", func(t *testing.T) {
		raw := &RequestConfig{
			Server:   Server{Host: "h", Port: 8080},
			Path:     "x",
			RawQuery: "a=1&a=2",
			Headers:  map[string]string{"X-Id": "1"},
		}
		once, err := h.NormalizeConfig(raw)
		require.NoError(t, err)
		twice, err := h.NormalizeConfig(once)
		require.NoError(t, err)

		assert.Equal(t, once, twice)
		assert.Equal(t, "x", raw.Path)
		assert.Equal(t, "a=1&a=2", raw.RawQuery)
		assert.Nil(t, raw.Query)
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := h.NormalizeConfig(&RequestConfig{Path: "/"})
		assert.ErrorIs(t, err, ErrNoServer)
	})

	t.Run("unknown encoding", func(t *testing.T) {
		_, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}, Encoding: "klingon"})
		assert.ErrorIs(t, err, ErrUnknownCharset)
	})

	t.Run("malformed query", func(t *testing.T) {
		_, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "h"}, RawQuery: "a=%"})
		assert.Error(t, err)
	})
}

func TestHTTP_BuildRequest_HostHeader(t *testing.T) {
	h := NewHTTP(Options{})

	tests := []struct {
		name   string
		server Server
		https  bool
		want   string
	}{
		{name: "default port", server: Server{Host: "example.com", Port: 80}, want: "example.com"},
		{name: "explicit port", server: Server{Host: "example.com", Port: 8080}, want: "example.com:8080"},
		{name: "ipv6 default port", server: Server{Host: "::1", Port: 80}, want: "[::1]"},
		{name: "ipv6 https default port", server: Server{Host: "fe80::1", Port: 443}, https: true, want: "[fe80::1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := h.NormalizeConfig(&RequestConfig{Server: tt.server, HTTPS: tt.https, Path: "/"})
			require.NoError(t, err)

			call, ctx := newCall(context.Background(), nil)
			defer call.Abort()
			req, err := h.buildRequest(ctx, cfg, call)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Host)
		})
	}
}

func TestHTTP_Execute_GETWithQuery(t *testing.T) {
	srv, seen := recordingServer(t, http.StatusOK, `{"id":5}`)
	h := NewHTTP(Options{})

	raw := configFor(t, srv.URL)
	raw.Method = http.MethodGet
	raw.Path = "users"
	raw.Query = url.Values{"id": {"5"}}

	cfg, err := h.NormalizeConfig(raw)
	require.NoError(t, err)

	var calls atomic.Int32
	var got []byte
	call := h.Execute(context.Background(), cfg, func(body []byte, err error) {
		calls.Add(1)
		assert.NoError(t, err)
		got = body
	})
	body, err := call.Wait()
	require.NoError(t, err)

	assert.Equal(t, `{"id":5}`, string(body))
	assert.Equal(t, body, got)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateCompleted, call.State())
	assert.Equal(t, http.StatusOK, call.StatusCode())

	req := <-seen
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/users?id=5", req.RequestURI)
	assert.Empty(t, req.Body)
}

func TestHTTP_Execute_Payload(t *testing.T) {
	srv, seen := recordingServer(t, http.StatusCreated, "created")
	tick := &manualTick{}
	h := NewHTTP(Options{Tick: tick.schedule})

	raw := configFor(t, srv.URL)
	raw.Method = http.MethodPost
	raw.Path = "/items"
	raw.Payload = []byte("hello")

	cfg, err := h.NormalizeConfig(raw)
	require.NoError(t, err)

	call := h.Execute(context.Background(), cfg, nil)
	assert.Zero(t, tick.pending(), "a payload must not wait for a tick")

	_, err = call.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrRequestEnded)

	body, err := call.Wait()
	require.NoError(t, err)
	assert.Equal(t, "created", string(body))

	req := <-seen
	assert.Equal(t, []byte("hello"), req.Body)
	assert.Equal(t, int64(5), req.ContentLength)
	assert.Empty(t, req.TransferEncoding)
}

func TestHTTP_Execute_AutoClose(t *testing.T) {
	srv, seen := recordingServer(t, http.StatusOK, "done")
	tick := &manualTick{}
	h := NewHTTP(Options{Tick: tick.schedule})

	cfg, err := h.NormalizeConfig(configFor(t, srv.URL))
	require.NoError(t, err)

	call := h.Execute(context.Background(), cfg, nil)
	require.Equal(t, 1, tick.pending())
	assert.Equal(t, StateIdle, call.State())

	select {
	case <-seen:
		t.Fatal("request sent before the tick")
	case <-time.After(50 * time.Millisecond):
	}

	tick.fire()
	body, err := call.Wait()
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))

	req := <-seen
	assert.Empty(t, req.Body)
	assert.Empty(t, req.TransferEncoding)

	_, err = call.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrRequestEnded)
}

func TestHTTP_Execute_DefaultTickAutoCloses(t *testing.T) {
	srv, seen := recordingServer(t, http.StatusOK, "ok")
	body, err := execute(t, NewHTTP(Options{}), configFor(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Empty(t, (<-seen).Body)
}

func TestHTTP_Execute_Streamed(t *testing.T) {
	t.Run("pipe", func(t *testing.T) {
		srv, seen := recordingServer(t, http.StatusOK, "ok")
		tick := &manualTick{}
		h := NewHTTP(Options{Tick: tick.schedule})

		raw := configFor(t, srv.URL)
		raw.Method = http.MethodPut
		cfg, err := h.NormalizeConfig(raw)
		require.NoError(t, err)

		call := h.Execute(context.Background(), cfg, nil)
		require.NoError(t, call.Pipe(strings.NewReader("streamed body")))
		tick.fire()

		_, err = call.Wait()
		require.NoError(t, err)

		req := <-seen
		assert.Equal(t, "streamed body", string(req.Body))
		assert.Equal(t, []string{"chunked"}, req.TransferEncoding)
	})

	t.Run("writes then end", func(t *testing.T) {
		srv, seen := recordingServer(t, http.StatusOK, "ok")
		tick := &manualTick{}
		h := NewHTTP(Options{Tick: tick.schedule})

		raw := configFor(t, srv.URL)
		raw.Method = http.MethodPost
		raw.Headers = map[string]string{"Content-Length": "6"}
		cfg, err := h.NormalizeConfig(raw)
		require.NoError(t, err)

		call := h.Execute(context.Background(), cfg, nil)

		writeErr := make(chan error, 1)
		go func() {
			if _, err := call.Write([]byte("abc")); err != nil {
				writeErr <- err
				return
			}
			if _, err := call.Write([]byte("def")); err != nil {
				writeErr <- err
				return
			}
			writeErr <- call.End()
		}()

		require.Eventually(t, func() bool {
			call.mu.Lock()
			defer call.mu.Unlock()
			return call.streaming
		}, time.Second, time.Millisecond)
		tick.fire()

		require.NoError(t, <-writeErr)
		_, err = call.Wait()
		require.NoError(t, err)

		req := <-seen
		assert.Equal(t, "abcdef", string(req.Body))
		assert.Equal(t, int64(6), req.ContentLength)
	})
}

func TestHTTP_Execute_StatusError(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusNotFound, "missing")
	h := NewHTTP(Options{})

	t.Run("rejected", func(t *testing.T) {
		var failures atomic.Int32
		cfg, err := h.NormalizeConfig(configFor(t, srv.URL))
		require.NoError(t, err)

		call := h.Execute(context.Background(), cfg, func(body []byte, err error) {
			if err != nil {
				failures.Add(1)
			}
			assert.Nil(t, body)
		})
		body, err := call.Wait()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Equal(t, "Server Status Error: 404", err.Error())
		code, ok := IsStatusError(err)
		assert.True(t, ok)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Nil(t, body)
		assert.Equal(t, int32(1), failures.Load())
		assert.Equal(t, StateFailed, call.State())
	})

	t.Run("ignored", func(t *testing.T) {
		raw := configFor(t, srv.URL)
		raw.IgnoreStatusCode = true
		body, err := execute(t, h, raw)
		require.NoError(t, err)
		assert.Equal(t, "missing", string(body))
	})
}

func TestHTTP_Execute_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "new")
	}))
	defer srv.Close()
	h := NewHTTP(Options{})

	raw := configFor(t, srv.URL)
	raw.Path = "/old"
	_, err := execute(t, h, raw)
	code, ok := IsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusFound, code)

	raw.IgnoreStatusCode = true
	body, err := execute(t, h, raw)
	require.NoError(t, err)
	assert.NotEqual(t, "new", string(body))
}

func TestHTTP_Execute_EmptyBody(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusNoContent, "")
	body, err := execute(t, NewHTTP(Options{}), configFor(t, srv.URL))
	require.NoError(t, err)
	assert.NotNil(t, body)
	assert.Len(t, body, 0)
}

func TestHTTP_Execute_ChunkedResponse(t *testing.T) {
	parts := []string{"alpha,", "beta,", "gamma,", "delta"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	body, err := execute(t, NewHTTP(Options{}), configFor(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(parts, ""), string(body))
}

func TestHTTP_Execute_DialTimeout(t *testing.T) {
	h := NewHTTP(Options{DialTimeout: 100 * time.Millisecond})
	// TEST-NET-1 is never routed, so the dial either hangs until the
	// timeout or fails at once.
	raw := &RequestConfig{Server: Server{Host: "192.0.2.1", Port: 81}, Path: "/"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	_, _, err := Do(ctx, h, raw)
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NoError(t, ctx.Err())
}

func TestHTTP_Execute_BodyTooLarge(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusOK, strings.Repeat("x", 1024))
	raw := configFor(t, srv.URL)
	raw.MaxResponseBytes = 100

	body, err := execute(t, NewHTTP(Options{}), raw)
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Nil(t, body)
}

func TestHTTP_Execute_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
		_ = buf.Flush()
	}))
	defer srv.Close()

	body, err := execute(t, NewHTTP(Options{}), configFor(t, srv.URL))
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Nil(t, body)
}

func TestHTTP_Execute_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	call, body, err := Do(context.Background(), NewHTTP(Options{}), configFor(t, "http://"+addr))
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Nil(t, body)
	assert.Equal(t, StateFailed, call.State())
}

func TestHTTP_Execute_Headers(t *testing.T) {
	srv, seen := recordingServer(t, http.StatusOK, "")
	raw := configFor(t, srv.URL)
	raw.Headers = map[string]string{
		"X-Trace-Id": "t-1",
		"Host":       "api.internal",
	}

	_, err := execute(t, NewHTTP(Options{}), raw)
	require.NoError(t, err)

	req := <-seen
	assert.Equal(t, "t-1", req.Header.Get("X-Trace-Id"))
	assert.Equal(t, "api.internal", req.Host)
	assert.Empty(t, req.Header.Get("User-Agent"))
	assert.Empty(t, req.Header.Get("Accept-Encoding"))
	assert.Equal(t, "close", req.Header.Get("Connection"))
}

func TestHTTP_Execute_FreshConnectionPerCall(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	h := NewHTTP(Options{})
	for i := 0; i < 3; i++ {
		_, err := execute(t, h, configFor(t, srv.URL))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), conns.Load())
}

func TestHTTP_Execute_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer srv.Close()
	h := NewHTTP(Options{})

	t.Run("unverified", func(t *testing.T) {
		raw := configFor(t, srv.URL)
		raw.HTTPS = true
		reject := false
		raw.TLS.RejectUnauthorized = &reject

		body, err := execute(t, h, raw)
		require.NoError(t, err)
		assert.Equal(t, "secure", string(body))
	})

	t.Run("unknown authority rejected", func(t *testing.T) {
		raw := configFor(t, srv.URL)
		raw.HTTPS = true

		_, err := execute(t, h, raw)
		var tErr *TransportError
		assert.ErrorAs(t, err, &tErr)
	})

	t.Run("trusted CA", func(t *testing.T) {
		raw := configFor(t, srv.URL)
		raw.HTTPS = true
		raw.TLS.CA = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})

		body, err := execute(t, h, raw)
		require.NoError(t, err)
		assert.Equal(t, "secure", string(body))
	})

	t.Run("bad client certificate", func(t *testing.T) {
		raw := configFor(t, srv.URL)
		raw.HTTPS = true
		raw.TLS.Cert = []byte("not a certificate")
		raw.TLS.Key = []byte("not a key")

		_, err := execute(t, h, raw)
		assert.Error(t, err)
	})
}

func TestHTTP_Execute_Abort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTP(Options{})
	cfg, err := h.NormalizeConfig(configFor(t, srv.URL))
	require.NoError(t, err)

	var calls atomic.Int32
	call := h.Execute(context.Background(), cfg, func([]byte, error) { calls.Add(1) })
	time.Sleep(20 * time.Millisecond)
	call.Abort()

	_, err = call.Wait()
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Equal(t, StateFailed, call.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTP_Execute_InvalidMethod(t *testing.T) {
	h := NewHTTP(Options{})
	cfg, err := h.NormalizeConfig(&RequestConfig{Server: Server{Host: "127.0.0.1", Port: 1}, Method: "BAD METHOD"})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), cfg, nil).Wait()
	assert.Error(t, err)
}

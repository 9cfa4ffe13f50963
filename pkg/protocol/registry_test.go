package protocol

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(Options{})
	assert.Equal(t, []string{"grpc", "http"}, r.Names())

	p, err := r.Get("http")
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	_, err = r.Get("ftp")
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	err = r.Register(NewHTTP(Options{}))
	assert.Error(t, err)
}

func TestNewRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Names())

	require.NoError(t, r.Register(NewGRPC(Options{})))
	p, err := r.Get("grpc")
	require.NoError(t, err)
	assert.IsType(t, &GRPC{}, p)
}

func TestRegistry_Do(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusOK, "pong")
	r := DefaultRegistry(Options{})

	call, body, err := r.Do(context.Background(), "http", configFor(t, srv.URL+"/ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, http.StatusOK, call.StatusCode())

	_, _, err = r.Do(context.Background(), "smtp", configFor(t, srv.URL))
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

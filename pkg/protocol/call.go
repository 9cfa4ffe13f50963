package protocol

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrAborted is delivered to the callback of a call cancelled with Abort.
var ErrAborted = errors.New("protocol: call aborted")

// State is the lifecycle position of a call.
type State int32

const (
	StateIdle State = iota
	StateSent
	StateAwaitingResponse
	StateReceiving
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// NextTick runs fn on another goroutine after yielding the scheduler once.
func NextTick(fn func()) {
	go func() {
		runtime.Gosched()
		fn()
	}()
}

// Call is the handle of one in-flight request. Its body side accepts
// streamed writes until ended; its result side is delivered once through
// the callback and Wait.
type Call struct {
	id         string
	cancel     context.CancelFunc
	onComplete Callback
	state      atomic.Int32

	once sync.Once
	done chan struct{}
	body []byte
	err  error

	mu        sync.Mutex
	status    int
	header    http.Header
	pr        *io.PipeReader
	pw        *io.PipeWriter
	ended     bool
	streaming bool
}

func newCall(ctx context.Context, onComplete Callback) (*Call, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Call{
		id:         uuid.NewString(),
		cancel:     cancel,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}, ctx
}

// ID returns the unique identifier of the call.
func (c *Call) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Call) State() State { return State(c.state.Load()) }

// Write streams p into the request body. The first write marks the call as
// streaming, which makes closing the body the writer's responsibility.
func (c *Call) Write(p []byte) (int, error) {
	pw, err := c.claimBody()
	if err != nil {
		return 0, err
	}
	return pw.Write(p)
}

// Pipe streams r into the request body on a separate goroutine and ends
// the body when r is exhausted.
func (c *Call) Pipe(r io.Reader) error {
	pw, err := c.claimBody()
	if err != nil {
		return err
	}
	go func() {
		_, err := io.Copy(pw, r)
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
		_ = pw.CloseWithError(err)
	}()
	return nil
}

// End closes the request body. Ending an already ended body is a no-op.
func (c *Call) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil
	}
	c.ended = true
	if c.pw != nil {
		return c.pw.Close()
	}
	return nil
}

// Abort tears down the connection. The callback receives ErrAborted unless
// the call already finished.
func (c *Call) Abort() {
	c.cancel()
	c.finish(nil, ErrAborted)
}

// Done is closed once the call reaches a terminal state and the callback
// has returned. A callback must not wait on its own call.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes and returns its outcome.
func (c *Call) Wait() ([]byte, error) {
	<-c.done
	return c.body, c.err
}

// StatusCode returns the response status, or zero before headers arrive.
func (c *Call) StatusCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Header returns the response headers, or nil before they arrive.
func (c *Call) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func (c *Call) claimBody() (*io.PipeWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.pw == nil {
		return nil, ErrRequestEnded
	}
	c.streaming = true
	return c.pw, nil
}

// openBody prepares the pipe that streamed writes go through.
func (c *Call) openBody() {
	c.mu.Lock()
	c.pr, c.pw = io.Pipe()
	c.mu.Unlock()
}

// endBody marks a call whose body was fixed up front.
func (c *Call) endBody() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}

// settleBody is the deferred auto-close check. It returns the streaming
// body when a writer has claimed it, and otherwise ends the body itself.
func (c *Call) settleBody() (io.ReadCloser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return c.pr, true
	}
	if !c.ended {
		c.ended = true
	}
	if c.pw != nil {
		_ = c.pw.Close()
		_ = c.pr.Close()
	}
	return nil, false
}

func (c *Call) setResponse(status int, header http.Header) {
	c.mu.Lock()
	c.status = status
	c.header = header
	c.mu.Unlock()
}

// advance moves the call forward to s. Backward moves and moves out of a
// terminal state are ignored.
func (c *Call) advance(s State) {
	for {
		cur := State(c.state.Load())
		if cur.Terminal() || cur >= s {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

func (c *Call) finish(body []byte, err error) {
	c.once.Do(func() {
		if err != nil {
			c.state.Store(int32(StateFailed))
			c.err = err
		} else {
			if body == nil {
				body = []byte{}
			}
			c.state.Store(int32(StateCompleted))
			c.body = body
		}

		c.mu.Lock()
		if c.pr != nil && !c.ended {
			c.ended = true
			_ = c.pr.CloseWithError(ErrRequestEnded)
		}
		c.mu.Unlock()

		c.cancel()
		if c.onComplete != nil {
			c.onComplete(c.body, c.err)
		}
		close(c.done)
	})
}

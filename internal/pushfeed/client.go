// Package pushfeed subscribes to the planner backend's push-event bus over a
// websocket. It delivers raw message payloads to a handler; normalization and
// routing live in the sync core.
package pushfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     Logger
}

// Client maintains one subscription to the push socket, reconnecting with
// exponential backoff when the connection drops. Within the subscription,
// payloads are handed to the handler in wire-arrival order.
type Client struct {
	url        string
	token      string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(opts Options) *Client {
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 15 * time.Second
	}
	return &Client{
		url:        opts.URL,
		token:      opts.Token,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     opts.Logger,
	}
}

// Subscribe starts the read loop and returns an unsubscribe function that
// synchronously stops delivery before returning. Subscribing again first
// detaches the previous handler, so there is never a window with two live
// handlers.
func (c *Client) Subscribe(handler func(payload []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(ctx, handler, done)

	return func() {
		c.mu.Lock()
		if c.done == done {
			c.detachLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		cancel()
		<-done
	}, nil
}

func (c *Client) detachLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Client) run(ctx context.Context, handler func([]byte), done chan struct{}) {
	defer close(done)
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.logf("push socket dial failed: %v", err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff
		c.logf("push socket connected")
		c.readLoop(ctx, conn, handler)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	return conn, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handler func([]byte)) {
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logf("push socket read failed, reconnecting: %v", err)
			}
			return
		}
		handler(payload)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

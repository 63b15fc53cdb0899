// Package client provides a Go client for remote batch processes that
// lease jobs from a batch server via the batch wire protocol (DWP) over
// WebSocket.
//
// A *Client satisfies worker.Leaser, so a worker.Pool can run against a
// remote engine exactly as it runs in process:
//
//	c, err := client.Dial("wss://batch.example.com/dwp",
//	    client.WithToken("bk_..."),
//	)
//	defer c.Close()
//
//	jobs, err := c.ClaimJobs(ctx, job.LockKey{SchedulerID: 1, WorkerID: 7},
//	    5*time.Minute, 10, job.Filter{}, "convert")
//
//	pool := worker.NewPool(c, executor, 1, 7, logger)
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/stream"
)

// Client is a DWP client that communicates with a remote batch server.
type Client struct {
	url    string
	token  string
	format string
	codec  dwp.Codec
	logger *slog.Logger

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn      net.Conn
	mu        sync.Mutex
	closed    atomic.Bool
	sessionID string

	// Request-response correlation.
	pending sync.Map // frameID → chan *dwp.Frame

	// Event streaming.
	events      chan *stream.Event
	eventBuffer int
	topics      sync.Map // topic → struct{}
	uncredited  atomic.Int64
	creditBatch int64
}

// Dial connects to a DWP server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a DWP server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      dwp.CodecNameJSON,
		logger:      slog.Default(),
		maxRetries:  5,
		baseDelay:   time.Second,
		eventBuffer: 256,
		creditBatch: 64,
	}
	for _, opt := range opts {
		opt(c)
	}
	codec, err := dwp.ParseCodec(c.format)
	if err != nil {
		return nil, fmt.Errorf("batch/client: %w", err)
	}
	c.codec = codec
	c.events = make(chan *stream.Event, c.eventBuffer)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("batch/client: dial: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// connect establishes the WebSocket connection and sends the auth frame.
// It reads the auth response directly since the readLoop hasn't started yet.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	authData, marshalErr := json.Marshal(dwp.AuthRequest{
		Token:  c.token,
		Format: c.codec.Name(),
	})
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", marshalErr)
	}
	authFrame := &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameRequest,
		Method:    dwp.MethodAuth,
		Token:     c.token,
		Data:      authData,
		Timestamp: time.Now().UTC(),
	}

	// Auth frames are always JSON, before the codec is negotiated.
	raw, marshalErr := json.Marshal(authFrame)
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth frame: %w", marshalErr)
	}
	if writeErr := wsutil.WriteClientText(conn, raw); writeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", writeErr)
	}

	type readResult struct {
		resp *dwp.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		frame, readErr := readFrame(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		resultCh <- readResult{resp: frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == dwp.FrameErr {
			_ = conn.Close()
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("auth failed: %s", msg)
		}
		var authResp dwp.AuthResponse
		if len(resp.Data) > 0 {
			if unmarshalErr := json.Unmarshal(resp.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("failed to unmarshal auth response", slog.String("error", unmarshalErr.Error()))
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.sessionID = authResp.SessionID
		c.mu.Unlock()

		c.logger.Info("DWP client connected",
			slog.String("session_id", authResp.SessionID),
			slog.String("format", authResp.Format),
		)
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return fmt.Errorf("auth timeout")
	}
}

// readFrame reads one server message and decodes it with the codec its
// opcode implies: text frames are JSON, binary frames are msgpack.
func readFrame(conn net.Conn) (*dwp.Frame, error) {
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data, op)
}

func decodeFrame(data []byte, op ws.OpCode) (*dwp.Frame, error) {
	return dwp.CodecFor(op == ws.OpBinary).Decode(data)
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop() {
	conn := c.currentConn()
	for {
		if c.closed.Load() {
			return
		}

		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("DWP client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, err := decodeFrame(data, op)
		if err != nil {
			c.logger.Warn("DWP client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case dwp.FrameResponse, dwp.FrameErr:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case dwp.FrameEvent:
			c.deliverEvent(frame)
		case dwp.FramePong:
			// Ignore pong frames.
		}
	}
}

// tryReconnect attempts to reconnect with exponential backoff.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("DWP client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("DWP client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		c.logger.Info("DWP client reconnected")
		go c.readLoop()
		c.resubscribe()
		return
	}
	c.logger.Error("DWP client: max reconnection attempts reached")
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*dwp.Frame, error) {
	frame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	respCh := make(chan *dwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == dwp.FrameErr {
			return nil, newError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a request and decodes the response payload into out.
func (c *Client) call(ctx context.Context, method string, data, out any) error {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return nil
}

// writeFrame encodes and sends a frame with the negotiated codec.
func (c *Client) writeFrame(frame *dwp.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("batch/client: not connected")
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

func (c *Client) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if conn := c.currentConn(); conn != nil {
		return conn.Close()
	}
	return nil
}

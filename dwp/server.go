package dwp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/forge"

	"github.com/xraph/batch/stream"
)

// Server is the DWP server that handles WebSocket and HTTP RPC
// connections from remote batch processes. With a stream broker
// attached, WebSocket sessions and SSE clients can also subscribe to
// lease lifecycle events.
type Server struct {
	handler      *Handler
	broker       *stream.Broker
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
}

// NewServer creates a new DWP server.
func NewServer(handler *Handler, opts ...Option) *Server {
	s := &Server{
		handler:      handler,
		defaultCodec: JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/dwp",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the stream broker, or nil when event streaming is off.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// BasePath returns the path the endpoints are mounted under.
func (s *Server) BasePath() string { return s.basePath }

// RegisterRoutes mounts DWP endpoints on a Forge router.
func (s *Server) RegisterRoutes(router forge.Router) {
	// Primary: WebSocket
	if err := router.WebSocket(s.basePath, s.handleWebSocket); err != nil {
		s.logger.Error("failed to register DWP WebSocket", slog.String("error", err.Error()))
	}

	// Fallback: SSE for read-only event subscriptions
	if s.broker != nil {
		if err := router.EventStream(s.basePath+"/sse", s.handleSSE); err != nil {
			s.logger.Error("failed to register DWP SSE", slog.String("error", err.Error()))
		}
	}

	// One-shot: HTTP RPC
	if err := router.POST(s.basePath+"/rpc", s.handleHTTPRPC); err != nil {
		s.logger.Error("failed to register DWP RPC", slog.String("error", err.Error()))
	}
}

// handleWebSocket is the main WebSocket connection handler.
func (s *Server) handleWebSocket(ctx forge.Context, conn forge.Connection) error {
	connID := conn.ID()
	s.logger.Info("DWP WebSocket connected", slog.String("conn_id", connID))

	identity, codec, authFrame, err := s.authenticate(ctx, conn)
	if err != nil {
		return err
	}

	dwpConn := NewConnection(connID, identity, codec)
	s.conns.Add(dwpConn)
	defer func() {
		if s.broker != nil {
			s.broker.RemoveSubscriber(connID)
		}
		s.conns.Remove(connID)
		s.logger.Info("DWP WebSocket disconnected", slog.String("conn_id", connID))
	}()

	out := &session{conn: conn, codec: codec}

	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return fmt.Errorf("dwp: marshal auth response: %w", respErr)
	}
	if err := out.write(resp); err != nil {
		return err
	}

	s.logger.Info("DWP authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Every session gets a subscriber with no topics; subscribe frames
	// add topics to it.
	var sub *stream.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe(connID)
		go s.forwardEvents(out, sub)
	}

	// Frame processing loop. Requests are served in order; a batch process
	// runs one connection per slot when it needs parallel calls.
	for {
		data, err := conn.Read()
		if err != nil {
			return nil // Connection closed.
		}

		dwpConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := out.write(errFrame); writeErr != nil {
				s.logger.Warn("failed to write error frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		switch frame.Type {
		case FramePing:
			pong := &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := out.write(pong); writeErr != nil {
				s.logger.Warn("failed to write pong frame", slog.String("error", writeErr.Error()))
			}
			continue
		case FrameCredit:
			if sub != nil && frame.Credits > 0 {
				sub.AddCredits(int64(frame.Credits))
			}
			continue
		}

		respFrame := s.serve(ctx, frame, identity, dwpConn)
		if respFrame.Type == FrameResponse {
			s.applySubscription(frame, dwpConn)
		}
		if writeErr := out.write(respFrame); writeErr != nil {
			s.logger.Warn("failed to write response frame", slog.String("error", writeErr.Error()))
		}
	}
}

// applySubscription performs the broker side of an accepted subscribe or
// unsubscribe request.
func (s *Server) applySubscription(frame *Frame, conn *Connection) {
	switch frame.Method {
	case MethodSubscribe:
		var req SubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil && s.broker.SubscribeTo(conn.ID, req.Topic) {
			conn.AddSubscription(req.Topic)
		}
	case MethodUnsubscribe:
		var req UnsubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil {
			s.broker.Unsubscribe(conn.ID, req.Topic)
			conn.RemoveSubscription(req.Topic)
		}
	}
}

// forwardEvents writes broker events to the session until the subscriber
// is closed or a write fails.
func (s *Server) forwardEvents(out *session, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := out.write(evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// authenticate reads the first frame of a session, which must be an auth
// frame, and negotiates the codec.
func (s *Server) authenticate(ctx forge.Context, conn forge.Connection) (*Identity, Codec, *Frame, error) {
	authData, readErr := conn.Read()
	if readErr != nil {
		return nil, nil, nil, fmt.Errorf("dwp: read auth frame: %w", readErr)
	}

	// Auth frames are always JSON (before codec negotiation).
	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		conn.WriteJSON(NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return nil, nil, nil, fmt.Errorf("dwp: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		//nolint:errcheck // best-effort error response before disconnect
		conn.WriteJSON(NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return nil, nil, nil, fmt.Errorf("dwp: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			conn.WriteJSON(NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return nil, nil, nil, err
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx.Context(), token)
	if authErr != nil {
		//nolint:errcheck // best-effort error response before disconnect
		conn.WriteJSON(NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return nil, nil, nil, fmt.Errorf("dwp: auth failed: %w", authErr)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		var err error
		if codec, err = ParseCodec(authReq.Format); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			conn.WriteJSON(NewErrorFrame(authFrame.ID, ErrCodeBadRequest, err.Error()))
			return nil, nil, nil, err
		}
	}
	return identity, codec, &authFrame, nil
}

// serve checks the caller's scope for the frame's method and dispatches it.
func (s *Server) serve(ctx forge.Context, frame *Frame, identity *Identity, conn *Connection) *Frame {
	if reqScope := RequiredScope(frame.Method); reqScope != "" && !identity.HasScope(reqScope) {
		return NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")
	}
	if isStreamMethod(frame.Method) && s.broker == nil {
		return NewErrorFrame(frame.ID, ErrCodeUnprocessable, "event streaming is disabled")
	}
	return s.handler.Handle(ctx.Context(), frame, conn)
}

func isStreamMethod(method string) bool {
	return method == MethodSubscribe || method == MethodUnsubscribe
}

// session serializes writes to one WebSocket connection, which is shared
// by the request loop and the event forwarder.
type session struct {
	mu    sync.Mutex
	conn  forge.Connection
	codec Codec
}

func (o *session) write(frame *Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := o.codec.Encode(frame)
	if err != nil {
		return err
	}
	if !o.codec.Binary() {
		return o.conn.WriteJSON(json.RawMessage(data))
	}
	return o.conn.Write(data)
}

// handleSSE serves read-only Server-Sent Events for clients that
// cannot hold a WebSocket session.
func (s *Server) handleSSE(ctx forge.Context, sseStream forge.Stream) error {
	token := ctx.Query("token")
	if token == "" {
		token = ctx.Header("Authorization")
	}
	identity, err := s.auth.Authenticate(ctx.Context(), token)
	if err != nil {
		return fmt.Errorf("dwp: SSE auth failed: %w", err)
	}
	if !identity.HasScope(ScopeSubscribe) {
		return fmt.Errorf("dwp: SSE insufficient permissions")
	}

	topic := ctx.Query("topic")
	if err := stream.ValidateTopic(topic); err != nil {
		return fmt.Errorf("dwp: SSE: %w", err)
	}

	connID := "sse-" + GenerateFrameID()
	sub := s.broker.Subscribe(connID, topic)
	defer s.broker.RemoveSubscriber(connID)

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if sendErr := sseStream.SendJSON(string(evt.Type), evt); sendErr != nil {
				return sendErr
			}
			if flushErr := sseStream.Flush(); flushErr != nil {
				return flushErr
			}
			// SSE has no credit frames; each delivery refunds itself.
			sub.AddCredits(1)
		case <-sseStream.Context().Done():
			return nil
		}
	}
}

// handleHTTPRPC handles one-shot HTTP RPC requests.
func (s *Server) handleHTTPRPC(ctx forge.Context) error {
	var frame Frame
	if err := ctx.Bind(&frame); err != nil {
		return ctx.Status(400).JSON(NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
	}

	token := frame.Token
	if token == "" {
		token = ctx.Header("Authorization")
	}
	identity, err := s.auth.Authenticate(ctx.Context(), token)
	if err != nil {
		return ctx.Status(401).JSON(NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
	}

	if isStreamMethod(frame.Method) {
		return ctx.Status(400).JSON(NewErrorFrame(frame.ID, ErrCodeBadRequest, frame.Method+" requires a WebSocket session"))
	}

	conn := NewConnection("rpc-"+GenerateFrameID(), identity, JSONCodec{})
	resp := s.serve(ctx, &frame, identity, conn)

	status := 200
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = 500
		}
	}

	return ctx.Status(status).JSON(resp)
}

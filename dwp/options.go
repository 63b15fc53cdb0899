package dwp

import (
	"log/slog"

	"github.com/xraph/batch/stream"
)

// Option configures a DWP Server.
type Option func(*Server)

// WithAuth sets the authenticator for the DWP server.
// If not set, NoopAuthenticator is used (development mode).
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec for the DWP server.
// Clients can override via the auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the DWP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPath sets the base path for DWP endpoints.
// Default is "/dwp".
func WithPath(path string) Option {
	return func(s *Server) { s.basePath = path }
}

// WithBroker enables event streaming. Sessions subscribe to broker
// topics with the subscribe method or the SSE endpoint. The broker must
// also be registered as an engine extension to receive events.
func WithBroker(b *stream.Broker) Option {
	return func(s *Server) { s.broker = b }
}

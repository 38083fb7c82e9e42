package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// GelfSink ships log records to a Graylog input over UDP.
type GelfSink struct {
	writer io.Writer
}

// NewGelfSink connects to the GELF input at address (host:port).
func NewGelfSink(address string) (*GelfSink, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, fmt.Errorf("connecting to graylog at %s: %w", address, err)
	}
	return &GelfSink{writer: w}, nil
}

// Handler returns a JSON handler writing one GELF message per record.
func (s *GelfSink) Handler(level string) slog.Handler {
	return slog.NewJSONHandler(s.writer, handlerOptions(parseLevel(level)))
}

// Close releases the connection.
func (s *GelfSink) Close() error {
	if c, ok := s.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

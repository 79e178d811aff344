package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// stdioSessionID identifies the single implicit session a stdio transport
// carries.
const stdioSessionID = "stdio"

// Stdio implements MCP transport over stdin/stdout. Frames are
// newline-delimited UTF-8 JSON; diagnostics go to stderr only.
type Stdio struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	mu sync.Mutex // serializes writes to out
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithStdin sets a custom stdin reader.
func WithStdin(r io.Reader) StdioOption {
	return func(s *Stdio) {
		s.in = r
	}
}

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) StdioOption {
	return func(s *Stdio) {
		s.out = w
	}
}

// WithStderr sets a custom stderr writer.
func WithStderr(w io.Writer) StdioOption {
	return func(s *Stdio) {
		s.errOut = w
	}
}

// NewStdio creates a new stdio transport.
func NewStdio(opts ...StdioOption) *Stdio {
	s := &Stdio{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Addr returns the transport address.
func (s *Stdio) Addr() string {
	return "stdio"
}

// SessionID returns the implicit stdio session ID.
func (s *Stdio) SessionID() string {
	return stdioSessionID
}

// Serve processes frames from stdin until EOF or context cancellation.
func (s *Stdio) Serve(ctx context.Context, handler Handler) error {
	defer handler.HandleClose(stdioSessionID)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil // EOF: session over
			}
			s.handleLine(ctx, handler, line)
		}
	}
}

// SendNotification sends a JSON-RPC notification to the peer.
func (s *Stdio) SendNotification(method string, params any) error {
	notif, err := buildNotification(method, params)
	if err != nil {
		return err
	}
	return s.SendFrame(notif)
}

// SendFrame writes one frame to stdout, newline-terminated. Writes are
// serialized.
func (s *Stdio) SendFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err = s.out.Write([]byte("\n"))
	return err
}

// handleLine decodes one frame and routes it.
func (s *Stdio) handleLine(ctx context.Context, handler Handler, line string) {
	frame, kind, perr := protocol.DecodeFrame([]byte(line))
	if perr != nil {
		var id json.RawMessage
		if frame != nil {
			id = frame.ID
		}
		_ = s.SendFrame(protocol.NewErrorResponse(id, perr))
		return
	}

	ctx = ContextWithPeer(ctx, s)

	switch kind {
	case protocol.FrameResponse:
		handler.HandleResponse(ctx, frame.Response())
	case protocol.FrameRequest, protocol.FrameNotification:
		req := frame.Request()
		resp, err := handler.HandleRequest(ctx, req)

		if req.IsNotification() {
			return
		}
		if err != nil {
			var mcpErr *protocol.Error
			if errors.As(err, &mcpErr) {
				resp = protocol.NewErrorResponse(req.ID, mcpErr)
			} else {
				resp = protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
			}
		}
		if resp != nil {
			if werr := s.SendFrame(resp); werr != nil {
				fmt.Fprintf(s.errOut, "stdio: write response: %v\n", werr)
			}
		}
	}
}

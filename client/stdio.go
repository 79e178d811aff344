package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// StdioTransport connects to an MCP server via subprocess stdio. Frames are
// newline-delimited JSON; responses are correlated by request ID, while
// server-initiated requests and notifications are routed to the receiver.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu       sync.Mutex
	respChan map[string]chan *protocol.Response
	receiver func(frame *protocol.Frame, kind protocol.FrameKind)
	closed   bool

	readWG sync.WaitGroup
}

// NewStdioTransport creates a transport that spawns a subprocess.
func NewStdioTransport(command string, args ...string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	t := &StdioTransport{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		respChan: make(map[string]chan *protocol.Response),
	}

	t.readWG.Add(1)
	go t.readLoop()

	return t, nil
}

// SetReceiver installs the callback for server-initiated frames.
func (t *StdioTransport) SetReceiver(fn func(frame *protocol.Frame, kind protocol.FrameKind)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send sends a request and waits for the matching response.
func (t *StdioTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}

	key := string(req.ID)
	respCh := make(chan *protocol.Response, 1)
	t.respChan[key] = respCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.respChan, key)
		t.mu.Unlock()
	}()

	if err := t.SendFrame(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp, nil
	}
}

// SendFrame writes one frame to the subprocess, newline-terminated.
func (t *StdioTransport) SendFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Close closes the transport and terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Close stdin to signal EOF.
	_ = t.stdin.Close()

	t.readWG.Wait()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// readLoop routes inbound frames: responses to waiting callers, everything
// else to the receiver.
func (t *StdioTransport) readLoop() {
	defer t.readWG.Done()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		frame, kind, perr := protocol.DecodeFrame(scanner.Bytes())
		if perr != nil {
			continue // skip malformed frames
		}

		switch kind {
		case protocol.FrameResponse:
			key := string(frame.ID)
			t.mu.Lock()
			ch, ok := t.respChan[key]
			receiver := t.receiver
			t.mu.Unlock()
			if ok {
				ch <- frame.Response()
			} else if receiver != nil {
				receiver(frame, kind)
			}
		default:
			t.mu.Lock()
			receiver := t.receiver
			t.mu.Unlock()
			if receiver != nil {
				receiver(frame, kind)
			}
		}
	}
}

// Stderr returns the stderr reader for the subprocess.
func (t *StdioTransport) Stderr() io.Reader {
	return t.stderr
}

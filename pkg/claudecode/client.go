package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// RequestHandler handles control requests from the CLI. The handler is
// responsible for eventually calling SendControlResponse with the request id.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles stream messages from the CLI.
type MessageHandler func(msg *CLIMessage)

type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client speaks stream-json with a Claude Code CLI over stdin/stdout. All
// stdin writes go through one mutex: the protocol interleaves user messages
// and control traffic on the same pipe and partial writes would corrupt it.
type Client struct {
	stdin   io.Writer
	stdinMu sync.Mutex
	stdout  io.Reader
	logger  *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a client over the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		pendingRequests: make(map[string]*pendingRequest),
		done:            make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for inbound control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for stream messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins the stdout read loop. The returned channel closes once the
// loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop ends the read loop and rejects pending control requests.
func (c *Client) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()

	c.rejectPending("client stopped")
}

// SendUserMessage sends a plain text prompt.
func (c *Client) SendUserMessage(text string) error {
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: text},
	})
}

// SendUserMessageWithImage sends a prompt with a base64 image attachment as
// content blocks.
func (c *Client) SendUserMessageWithImage(text, mediaType, data string) error {
	blocks := []ContentBlock{
		{Type: "text", Text: text},
		{Type: "image", Source: &ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		}},
	}
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: blocks},
	})
}

// SendToolResult returns a tool outcome as a tool_result content block.
func (c *Client) SendToolResult(toolUseID, content string) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal tool result: %w", err)
	}
	blocks := []ContentBlock{
		{Type: "tool_result", ToolUseID: toolUseID, Content: raw},
	}
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: blocks},
	})
}

// SendRawLine writes a pre-formed protocol line, used for slash commands
// that must bypass message framing.
func (c *Client) SendRawLine(line string) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write raw line: %w", err)
	}
	return nil
}

// SendControlResponse answers an inbound control request.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// Interrupt sends the interrupt control request and waits for the CLI to
// acknowledge it.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SetPermissionMode asks the CLI to change its permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    mode,
	}, timeout)
	return err
}

// SetModel asks the CLI to switch models for subsequent turns.
func (c *Client) SetModel(ctx context.Context, model string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetModel,
		Model:   model,
	}, timeout)
	return err
}

// roundTrip sends a control request and waits for its response.
func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.NewString()
	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()
	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be large; allow lines up to 10MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	c.rejectPending("stream closed")
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	// No handler means nobody can approve; deny rather than hang the CLI.
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case pending.ch <- resp:
	default:
	}
}

// rejectPending fails every in-flight control request, so callers blocked in
// roundTrip return promptly when the process dies.
func (c *Client) rejectPending(reason string) {
	c.pendingRequestsMu.Lock()
	defer c.pendingRequestsMu.Unlock()
	for id, pending := range c.pendingRequests {
		select {
		case pending.ch <- &IncomingControlResponse{
			Subtype:   "error",
			RequestID: id,
			Error:     reason,
		}:
		default:
		}
	}
}

package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// RequestHandler serves an inbound request from the agent. The returned
// value is marshalled as the result; an error becomes a JSON-RPC error
// response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler receives inbound notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Conn multiplexes JSON-RPC 2.0 over a line-delimited stdio pair. Outbound
// requests get incrementing ids and wait in a pending table; when the
// stream dies every waiter is rejected so callers never hang on a dead
// process.
type Conn struct {
	writer  io.Writer
	writeMu sync.Mutex
	reader  io.Reader
	logger  *logger.Logger

	nextID    int64
	pending   map[int64]chan *Message
	pendingMu sync.Mutex

	mu             sync.RWMutex
	requestHandler RequestHandler
	notifyHandler  NotificationHandler
	closed         bool
}

// NewConn creates a connection over the given pipes.
func NewConn(w io.Writer, r io.Reader, log *logger.Logger) *Conn {
	return &Conn{
		writer:  w,
		reader:  r,
		logger:  log.WithFields(zap.String("component", "acp-conn")),
		pending: make(map[int64]chan *Message),
	}
}

// SetRequestHandler installs the handler for agent-initiated requests.
func (c *Conn) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetNotificationHandler installs the handler for notifications.
func (c *Conn) SetNotificationHandler(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandler = handler
}

// Start runs the read loop until the stream closes or ctx is cancelled.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Call sends a request and decodes the result into result (which may be
// nil). Blocks until the response, ctx cancellation, or stream death.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	c.pendingMu.Lock()
	if c.closedLocked() {
		c.pendingMu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&Message{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return fmt.Errorf("%s: connection closed before response", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%s: failed to decode result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	return c.write(&Message{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// PendingIDs snapshots the ids of requests still awaiting a response, so a
// caller tearing down a turn can cancel each one.
func (c *Conn) PendingIDs() []int64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

// Close rejects all pending calls. Safe to call more than once.
func (c *Conn) Close() {
	c.rejectPending()
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.rejectPending()

	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse frame", zap.Error(err))
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			c.handleRequest(ctx, &msg)
		case msg.Method != "":
			c.handleNotification(&msg)
		case msg.ID != nil:
			c.handleResponse(&msg)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop error", zap.Error(err))
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *Message) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		_ = c.write(&Message{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &Error{Code: MethodNotFound, Message: "no handler for " + msg.Method},
		})
		return
	}

	// Requests like session/request_permission block on a human decision,
	// so each gets its own goroutine.
	go func() {
		result, err := handler(ctx, msg.Method, msg.Params)
		resp := &Message{JSONRPC: "2.0", ID: msg.ID}
		if err != nil {
			resp.Error = &Error{Code: InternalError, Message: err.Error()}
		} else {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = &Error{Code: InternalError, Message: merr.Error()}
			} else {
				resp.Result = data
			}
		}
		if werr := c.write(resp); werr != nil {
			c.logger.Warn("failed to write response", zap.Error(werr))
		}
	}()
}

func (c *Conn) handleNotification(msg *Message) {
	c.mu.RLock()
	handler := c.notifyHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(msg.Method, msg.Params)
	}
}

func (c *Conn) handleResponse(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Int64("id", *msg.ID))
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Conn) rejectPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Conn) closedLocked() bool { return c.closed }

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

// fakeCLI gives the test both ends of the pipes a spawned CLI would hold.
type fakeCLI struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	client  *Client
}

func newFakeCLI(t *testing.T) *fakeCLI {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	<-client.Start(ctx)

	t.Cleanup(func() {
		cancel()
		client.Stop()
		stdoutW.Close()
		stdinR.Close()
	})
	return &fakeCLI{stdinR: stdinR, stdoutW: stdoutW, client: client}
}

// readStdinLine returns the next line the client wrote, decoded.
func (f *fakeCLI) readStdinLine(t *testing.T) map[string]any {
	t.Helper()
	line, err := bufio.NewReader(f.stdinR).ReadBytes('\n')
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	return decoded
}

func (f *fakeCLI) emit(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = f.stdoutW.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestSendUserMessage(t *testing.T) {
	f := newFakeCLI(t)

	require.NoError(t, f.client.SendUserMessage("hello"))
	got := f.readStdinLine(t)
	assert.Equal(t, "user", got["type"])
	msg := got["message"].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "hello", msg["content"])
}

func TestSendUserMessageWithImage(t *testing.T) {
	f := newFakeCLI(t)

	require.NoError(t, f.client.SendUserMessageWithImage("look", "image/png", "aGk="))
	got := f.readStdinLine(t)
	msg := got["message"].(map[string]any)
	blocks := msg["content"].([]any)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].(map[string]any)["type"])
	img := blocks[1].(map[string]any)
	assert.Equal(t, "image", img["type"])
	src := img["source"].(map[string]any)
	assert.Equal(t, "base64", src["type"])
	assert.Equal(t, "image/png", src["media_type"])
}

func TestControlRequestDispatch(t *testing.T) {
	f := newFakeCLI(t)

	received := make(chan *ControlRequest, 1)
	f.client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		received <- req
		require.NoError(t, f.client.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "success",
				Result:  &PermissionResult{Behavior: BehaviorAllow},
			},
		}))
	})

	f.emit(t, map[string]any{
		"type":       MessageTypeControlRequest,
		"request_id": "req-1",
		"request": map[string]any{
			"subtype":     SubtypeCanUseTool,
			"tool_name":   "Bash",
			"tool_use_id": "tu-1",
			"input":       map[string]any{"command": "ls"},
		},
	})

	select {
	case req := <-received:
		assert.Equal(t, SubtypeCanUseTool, req.Subtype)
		assert.Equal(t, "Bash", req.ToolName)
	case <-time.After(time.Second):
		t.Fatal("control request not dispatched")
	}

	resp := f.readStdinLine(t)
	assert.Equal(t, MessageTypeControlResponse, resp["type"])
	assert.Equal(t, "req-1", resp["request_id"])
}

func TestInterruptRoundTrip(t *testing.T) {
	f := newFakeCLI(t)

	// Echo back a success response for whatever request id arrives.
	go func() {
		line, err := bufio.NewReader(f.stdinR).ReadBytes('\n')
		if err != nil {
			return
		}
		var req SDKControlRequest
		if json.Unmarshal(line, &req) != nil {
			return
		}
		f.emit(t, map[string]any{
			"type": MessageTypeControlResponse,
			"response": map[string]any{
				"subtype":    "success",
				"request_id": req.RequestID,
			},
		})
	}()

	err := f.client.Interrupt(context.Background(), 2*time.Second)
	assert.NoError(t, err)
}

func TestInterruptTimesOutWithoutResponse(t *testing.T) {
	f := newFakeCLI(t)

	go func() {
		// Drain stdin so the write does not block, then stay silent.
		_, _ = io.Copy(io.Discard, f.stdinR)
	}()

	err := f.client.Interrupt(context.Background(), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestStopRejectsPending(t *testing.T) {
	f := newFakeCLI(t)

	go func() {
		_, _ = io.Copy(io.Discard, f.stdinR)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		errCh <- f.client.Interrupt(context.Background(), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	f.client.Stop()
	wg.Wait()
	assert.Error(t, <-errCh)
}

func TestMessageHandlerReceivesStreamMessages(t *testing.T) {
	f := newFakeCLI(t)

	received := make(chan *CLIMessage, 1)
	f.client.SetMessageHandler(func(msg *CLIMessage) {
		received <- msg
	})

	f.emit(t, map[string]any{
		"type":       MessageTypeSystem,
		"subtype":    "init",
		"session_id": "sess-abc",
		"model":      "opus",
	})

	select {
	case msg := <-received:
		assert.Equal(t, MessageTypeSystem, msg.Type)
		assert.Equal(t, "sess-abc", msg.SessionID)
		assert.Equal(t, "opus", msg.Model)
	case <-time.After(time.Second):
		t.Fatal("system message not dispatched")
	}
}

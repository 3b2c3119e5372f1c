package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/forgeline/toolhost/internal/httpkit"
)

// maxBodySize bounds a single HTTP response body.
const maxBodySize = 16 << 20 // 16 MiB

// HTTPStream is a transport to a remote tool server over streamable
// HTTP. Outgoing frames are POSTed to the endpoint; incoming frames
// arrive either on a persistent SSE stream or directly in POST response
// bodies, depending on what the server supports.
type HTTPStream struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *slog.Logger

	// cancel tears down the SSE stream goroutine.
	cancel context.CancelFunc

	frames  chan []byte
	readErr error

	mu        sync.RWMutex
	sessionID string // Mcp-Session header for session affinity

	closeOnce sync.Once
	closed    chan struct{}
}

// newHTTPStream connects to the endpoint. It first attempts to open a
// persistent SSE stream with a GET request; servers that only deliver
// responses in POST bodies answer 405 and the transport proceeds
// without a stream.
func newHTTPStream(ctx context.Context, endpoint string, headers map[string]string, logger *slog.Logger) (*HTTPStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorf(KindTimeout, "open stream", err)
	}

	// The stream outlives the registration context; connect latency is
	// bounded by the client's dial timeout instead.
	streamCtx, cancel := context.WithCancel(context.Background())

	t := &HTTPStream{
		endpoint: endpoint,
		headers:  headers,
		// Zero timeout: the SSE response body stays open for the life
		// of the session, and per-call bounds come from contexts.
		client: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger: logger,
		cancel: cancel,
		frames: make(chan []byte, 8),
		closed: make(chan struct{}),
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, errorf(KindConnectFailed, "create stream request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, errorf(KindConnectFailed, fmt.Sprintf("connect to %s", endpoint), err)
	}

	switch {
	case resp.StatusCode == http.StatusOK &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		t.captureSession(resp)
		go t.listen(resp.Body)
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound:
		// No server-initiated stream; responses arrive on POST bodies.
		httpkit.DrainAndClose(resp.Body, maxBodySize)
		t.logger.Debug("server does not offer an SSE stream", "status", resp.StatusCode)
	default:
		errBody := httpkit.ReadErrorBody(resp.Body, maxBodySize)
		cancel()
		return nil, errorf(KindConnectFailed, "open stream",
			fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody))
	}

	t.logger.Info("connected to streaming tool server", "endpoint", endpoint)
	return t, nil
}

// listen drains the SSE stream, forwarding message events as frames.
func (t *HTTPStream) listen(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(t.frames)
	}()

	cfg := &sse.ReadConfig{MaxEventSize: maxBodySize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			select {
			case <-t.closed:
				t.readErr = errorf(KindClosed, "stream read", err)
			default:
				t.readErr = errorf(KindReadFailed, "stream read", err)
			}
			return
		}

		switch ev.Type {
		case "", "message":
			t.deliver([]byte(ev.Data))
		default:
			t.logger.Debug("ignoring SSE event", "type", ev.Type)
		}
	}

	// Stream ended without a read error: the server closed it.
	select {
	case <-t.closed:
		t.readErr = errorf(KindClosed, "stream read", nil)
	default:
		t.readErr = errorf(KindReadFailed, "stream read", fmt.Errorf("server closed stream"))
	}
}

// deliver hands one frame to Receive unless the transport is closing.
func (t *HTTPStream) deliver(frame []byte) {
	select {
	case t.frames <- frame:
	case <-t.closed:
	}
}

// Send POSTs one frame to the endpoint. A 200 response with a JSON body
// is a reply frame and is queued for Receive; 202 acknowledges a frame
// that produces no direct reply (notifications).
func (t *HTTPStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return errorf(KindClosed, "send", nil)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return errorf(KindWriteFailed, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errorf(KindTimeout, "post frame", ctx.Err())
		}
		return errorf(KindWriteFailed, fmt.Sprintf("post to %s", t.endpoint), err)
	}
	t.captureSession(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		httpkit.DrainAndClose(resp.Body, maxBodySize)
		if err != nil {
			return errorf(KindReadFailed, "read response body", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.deliver(body)
		}
		return nil
	case http.StatusAccepted, http.StatusNoContent:
		httpkit.DrainAndClose(resp.Body, maxBodySize)
		return nil
	default:
		errBody := httpkit.ReadErrorBody(resp.Body, maxBodySize)
		return errorf(KindWriteFailed, "post frame",
			fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody))
	}
}

// Receive returns the next incoming frame. It blocks until a frame
// arrives, the context is done, or the connection ends.
func (t *HTTPStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			if t.readErr != nil {
				return nil, t.readErr
			}
			return nil, errorf(KindClosed, "receive", nil)
		}
		return frame, nil
	case <-ctx.Done():
		return nil, errorf(KindTimeout, "receive", ctx.Err())
	case <-t.closed:
		// No SSE stream to close the frames channel for us.
		return nil, errorf(KindClosed, "receive", nil)
	}
}

// Close tears down the stream. Idempotent.
func (t *HTTPStream) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
		t.client.CloseIdleConnections()
	})
	return nil
}

// applyHeaders sets the configured headers and session affinity header.
func (t *HTTPStream) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()
}

// captureSession records the server-assigned session ID, if any.
func (t *HTTPStream) captureSession(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeline/toolhost/internal/config"
	"github.com/forgeline/toolhost/internal/protocol"
	"github.com/forgeline/toolhost/internal/session"
	"github.com/forgeline/toolhost/internal/transport"
)

// stubTransport is an in-memory tool server speaking the wire protocol.
// It answers the handshake and list methods from its component sets and
// echoes calls; a tool named "boom" answers with an RPC error.
type stubTransport struct {
	server    string
	tools     []protocol.ToolDefinition
	prompts   []protocol.PromptDefinition
	resources []protocol.ResourceDefinition

	out     chan []byte
	mu      sync.Mutex
	stalled map[string]bool
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubTransport(server string, tools []protocol.ToolDefinition, prompts []protocol.PromptDefinition, resources []protocol.ResourceDefinition) *stubTransport {
	return &stubTransport{
		server:    server,
		tools:     tools,
		prompts:   prompts,
		resources: resources,
		out:       make(chan []byte, 32),
		stalled:   make(map[string]bool),
		closed:    make(chan struct{}),
	}
}

// stall makes the stub swallow requests for method without answering.
func (st *stubTransport) stall(method string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stalled[method] = true
}

// failConn simulates the server process dying under the session.
func (st *stubTransport) failConn(err error) {
	st.mu.Lock()
	st.readErr = &transport.Error{Kind: transport.KindReadFailed, Op: "read", Err: err}
	st.mu.Unlock()
	st.closeOnce.Do(func() { close(st.closed) })
}

func (st *stubTransport) isClosed() bool {
	select {
	case <-st.closed:
		return true
	default:
		return false
	}
}

func (st *stubTransport) Send(_ context.Context, frame []byte) error {
	select {
	case <-st.closed:
		return &transport.Error{Kind: transport.KindClosed, Op: "send"}
	default:
	}

	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		return fmt.Errorf("stub transport: bad frame: %w", err)
	}
	if req.Method == "" || req.ID == 0 {
		return nil
	}
	st.mu.Lock()
	stalled := st.stalled[req.Method]
	st.mu.Unlock()
	if stalled {
		return nil
	}

	resp := &protocol.Response{JSONRPC: "2.0", ID: req.ID}
	var result any

	switch req.Method {
	case protocol.MethodInitialize:
		result = protocol.InitializeResult{
			ProtocolVersion: protocol.Version,
			ServerInfo:      protocol.Implementation{Name: st.server + "-impl", Version: "0.1.0"},
		}
	case protocol.MethodPing:
		result = map[string]any{}
	case protocol.MethodToolsList:
		result = protocol.ToolsListResult{Tools: st.tools}
	case protocol.MethodPromptsList:
		result = protocol.PromptsListResult{Prompts: st.prompts}
	case protocol.MethodResourcesList:
		result = protocol.ResourcesListResult{Resources: st.resources}
	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		if params.Name == "boom" {
			resp.Error = &protocol.RPCError{Code: -32000, Message: "tool exploded"}
			break
		}
		result = protocol.CallToolResult{
			Content: []protocol.ContentBlock{{Type: "text", Text: "ok:" + params.Name}},
		}
	case protocol.MethodPromptsGet:
		var params protocol.GetPromptParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		result = protocol.GetPromptResult{
			Messages: []protocol.PromptMessage{
				{Role: "user", Content: protocol.ContentBlock{Type: "text", Text: "prompt:" + params.Name}},
			},
		}
	case protocol.MethodResourcesRead:
		var params protocol.ReadResourceParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		result = protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{{URI: params.URI, Text: "contents:" + params.URI}},
		}
	default:
		resp.Error = &protocol.RPCError{Code: -32601, Message: "method not found"}
	}

	if resp.Error == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resp.Result = data
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case st.out <- out:
	case <-st.closed:
	}
	return nil
}

func (st *stubTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-st.out:
		return frame, nil
	case <-ctx.Done():
		return nil, &transport.Error{Kind: transport.KindTimeout, Op: "receive", Err: ctx.Err()}
	case <-st.closed:
		st.mu.Lock()
		readErr := st.readErr
		st.mu.Unlock()
		if readErr != nil {
			return nil, readErr
		}
		return nil, &transport.Error{Kind: transport.KindClosed, Op: "receive"}
	}
}

func (st *stubTransport) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}

// stubDialer opens stubTransports and counts connection attempts.
type stubDialer struct {
	delay time.Duration
	opens atomic.Int64

	mu        sync.Mutex
	last      map[string]*stubTransport
	tools     map[string][]protocol.ToolDefinition
	prompts   map[string][]protocol.PromptDefinition
	resources map[string][]protocol.ResourceDefinition
	stalls    map[string][]string
}

func newStubDialer() *stubDialer {
	return &stubDialer{
		last:      make(map[string]*stubTransport),
		tools:     make(map[string][]protocol.ToolDefinition),
		prompts:   make(map[string][]protocol.PromptDefinition),
		resources: make(map[string][]protocol.ResourceDefinition),
		stalls:    make(map[string][]string),
	}
}

// sessionDialer returns a session.Dialer backed by this stub.
func (d *stubDialer) sessionDialer() session.Dialer {
	return func(ctx context.Context, sd *config.ServerDescriptor, _ *slog.Logger) (transport.Transport, error) {
		d.opens.Add(1)
		if d.delay > 0 {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
				return nil, &transport.Error{Kind: transport.KindTimeout, Op: "dial", Err: ctx.Err()}
			}
		}
		st := newStubTransport(sd.Name, d.tools[sd.Name], d.prompts[sd.Name], d.resources[sd.Name])
		for _, m := range d.stalls[sd.Name] {
			st.stall(m)
		}
		d.mu.Lock()
		d.last[sd.Name] = st
		d.mu.Unlock()
		return st, nil
	}
}

// transportFor returns the most recently opened transport for a server.
func (d *stubDialer) transportFor(name string) *stubTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[name]
}

// fakeSource serves descriptors from a map.
type fakeSource map[string]*config.ServerDescriptor

func (f fakeSource) ServerDescriptor(name string) (*config.ServerDescriptor, error) {
	sd, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return sd, nil
}

// sdFor builds a minimal stdio descriptor for tests.
func sdFor(name string, caps ...string) *config.ServerDescriptor {
	if len(caps) == 0 {
		caps = []string{config.CapTools}
	}
	return &config.ServerDescriptor{
		Name:                name,
		Kind:                config.KindStdio,
		Path:                "/usr/local/bin/" + name,
		Capabilities:        caps,
		RegistrationTimeout: 2 * time.Second,
		CallTimeout:         2 * time.Second,
	}
}

// memoryRecorder collects journal events in memory.
type memoryRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *memoryRecorder) Record(server, event, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, server+"/"+event)
	return nil
}

func (r *memoryRecorder) has(want string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == want {
			return true
		}
	}
	return false
}

func TestEnsureRegistered(t *testing.T) {
	d := newStubDialer()
	d.tools["alpha"] = []protocol.ToolDefinition{{Name: "ping"}}
	rec := &memoryRecorder{}
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil,
		WithDialer(d.sessionDialer()), WithRecorder(rec))
	defer h.Shutdown(context.Background())

	s, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}
	if got := s.State(); got != session.StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
	if s.Catalog() == nil || s.Catalog().Len() != 1 {
		t.Errorf("catalog not discovered during registration")
	}
	if !rec.has("alpha/registered") {
		t.Errorf("registered event not journaled: %v", rec.events)
	}

	// Second call reuses the live session without reconnecting.
	again, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("second EnsureRegistered: %v", err)
	}
	if again != s {
		t.Error("second EnsureRegistered returned a different session")
	}
	if got := d.opens.Load(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
}

// Concurrent registrations for the same server coalesce into one
// connection attempt that every caller observes.
func TestEnsureRegistered_Coalesces(t *testing.T) {
	d := newStubDialer()
	d.delay = 100 * time.Millisecond
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	const callers = 5
	sessions := make(chan *session.Session, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			s, err := h.EnsureRegistered(context.Background(), "alpha")
			sessions <- s
			errs <- err
		}()
	}

	var first *session.Session
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		s := <-sessions
		if first == nil {
			first = s
		} else if s != first {
			t.Error("callers observed different sessions")
		}
	}

	if got := d.opens.Load(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
}

// The registration timeout bounds the whole sequence, including
// discovery. A server that completes the handshake but never answers
// tools/list must not hang callers on an undeadlined context.
func TestEnsureRegistered_TimeoutBoundsDiscovery(t *testing.T) {
	d := newStubDialer()
	d.stalls["alpha"] = []string{protocol.MethodToolsList}

	sd := sdFor("alpha")
	sd.RegistrationTimeout = 200 * time.Millisecond
	h := New(fakeSource{"alpha": sd}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	start := time.Now()
	_, err := h.EnsureRegistered(context.Background(), "alpha")
	elapsed := time.Since(start)

	if got := session.RegistrationKindOf(err); got != session.RegTimeout {
		t.Errorf("RegistrationKindOf = %q, want %q (err=%v)", got, session.RegTimeout, err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("EnsureRegistered took %v, want prompt return after the 200ms bound", elapsed)
	}
	// Nothing half-registered is left behind.
	if active := h.ListActive(); len(active) != 0 {
		t.Errorf("ListActive = %v, want empty after failed registration", active)
	}
	if !d.transportFor("alpha").isClosed() {
		t.Error("transport left open after registration timeout")
	}
}

// A coalesced waiter that gives up gets the same typed error shape as
// any other registration failure.
func TestEnsureRegistered_WaiterTimeout(t *testing.T) {
	d := newStubDialer()
	d.delay = 300 * time.Millisecond
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	started := make(chan struct{})
	go func() {
		close(started)
		h.EnsureRegistered(context.Background(), "alpha")
	}()
	<-started
	// Let the first caller claim the in-flight slot.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.EnsureRegistered(ctx, "alpha")
	if got := session.RegistrationKindOf(err); got != session.RegTimeout {
		t.Errorf("RegistrationKindOf = %q, want %q (err=%v)", got, session.RegTimeout, err)
	}
}

func TestEnsureRegistered_UnknownServer(t *testing.T) {
	h := New(fakeSource{}, nil, WithDialer(newStubDialer().sessionDialer()))
	defer h.Shutdown(context.Background())

	if _, err := h.EnsureRegistered(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown server, got nil")
	}
}

// A failed session is never replaced implicitly; callers must Restart.
func TestEnsureRegistered_FailedNeedsRestart(t *testing.T) {
	d := newStubDialer()
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	s, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}

	d.transportFor("alpha").failConn(errors.New("server died"))
	waitForState(t, s, session.StateFailed)

	if _, err := h.EnsureRegistered(context.Background(), "alpha"); err == nil {
		t.Fatal("expected error for failed session, got nil")
	}
	if got := d.opens.Load(); got != 1 {
		t.Errorf("transport opened %d times, want 1 (no implicit reconnect)", got)
	}
}

func TestUnregister(t *testing.T) {
	d := newStubDialer()
	rec := &memoryRecorder{}
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil,
		WithDialer(d.sessionDialer()), WithRecorder(rec))
	defer h.Shutdown(context.Background())

	s, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}

	if err := h.Unregister("alpha"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := s.State(); got != session.StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	if !d.transportFor("alpha").isClosed() {
		t.Error("transport still open after unregister")
	}
	if len(h.ListActive()) != 0 {
		t.Errorf("ListActive = %v, want empty", h.ListActive())
	}
	if !rec.has("alpha/unregistered") {
		t.Errorf("unregistered event not journaled: %v", rec.events)
	}

	// A second unregister is benign: the sentinel marks it.
	if err := h.Unregister("alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unregister = %v, want ErrNotFound", err)
	}
}

func TestRestart(t *testing.T) {
	d := newStubDialer()
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	s1, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}
	d.transportFor("alpha").failConn(errors.New("server died"))
	waitForState(t, s1, session.StateFailed)

	s2, err := h.Restart(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if s2 == s1 {
		t.Error("Restart returned the failed session")
	}
	if got := s2.State(); got != session.StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
	if got := d.opens.Load(); got != 2 {
		t.Errorf("transport opened %d times, want 2", got)
	}
}

func TestRestart_NeverRegistered(t *testing.T) {
	d := newStubDialer()
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil, WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	s, err := h.Restart(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := s.State(); got != session.StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
}

// One server failing never disturbs the others.
func TestFailureIsolation(t *testing.T) {
	d := newStubDialer()
	d.tools["alpha"] = []protocol.ToolDefinition{{Name: "ping"}}
	d.tools["beta"] = []protocol.ToolDefinition{{Name: "ping"}}
	h := New(fakeSource{"alpha": sdFor("alpha"), "beta": sdFor("beta")}, nil,
		WithDialer(d.sessionDialer()))
	defer h.Shutdown(context.Background())

	if _, err := h.EnsureRegistered(context.Background(), "alpha"); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	sb, err := h.EnsureRegistered(context.Background(), "beta")
	if err != nil {
		t.Fatalf("register beta: %v", err)
	}

	sa, _ := h.lookup("alpha")
	d.transportFor("alpha").failConn(errors.New("server died"))
	waitForState(t, sa, session.StateFailed)

	if got := sb.State(); got != session.StateReady {
		t.Errorf("beta state = %v, want ready", got)
	}
	if _, err := sb.CallTool(context.Background(), "ping", nil, 0); err != nil {
		t.Errorf("beta call after alpha failure: %v", err)
	}

	// The failed server stays listed for operators.
	active := h.ListActive()
	if len(active) != 2 {
		t.Fatalf("ListActive = %v, want 2 entries", active)
	}
	if active[0].Name != "alpha" || active[0].State != session.StateFailed {
		t.Errorf("active[0] = %+v, want alpha failed", active[0])
	}
	if active[1].Name != "beta" || active[1].State != session.StateReady {
		t.Errorf("active[1] = %+v, want beta ready", active[1])
	}
}

func TestShutdown(t *testing.T) {
	d := newStubDialer()
	h := New(fakeSource{"alpha": sdFor("alpha"), "beta": sdFor("beta")}, nil,
		WithDialer(d.sessionDialer()))

	sa, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if _, err := h.EnsureRegistered(context.Background(), "beta"); err != nil {
		t.Fatalf("register beta: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := sa.State(); got != session.StateClosed {
		t.Errorf("alpha state = %v, want closed", got)
	}
	if len(h.ListActive()) != 0 {
		t.Errorf("ListActive after shutdown = %v, want empty", h.ListActive())
	}
	if _, err := h.EnsureRegistered(context.Background(), "alpha"); !errors.Is(err, ErrShutdown) {
		t.Errorf("EnsureRegistered after shutdown = %v, want ErrShutdown", err)
	}
}

// The liveness watcher marks a dead server failed without any caller
// touching it.
func TestLivenessWatcher(t *testing.T) {
	d := newStubDialer()
	rec := &memoryRecorder{}
	h := New(fakeSource{"alpha": sdFor("alpha")}, nil,
		WithDialer(d.sessionDialer()),
		WithRecorder(rec),
		WithLivenessInterval(20*time.Millisecond))
	defer h.Shutdown(context.Background())

	s, err := h.EnsureRegistered(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}

	// Kill the server out from under the host; a probe should notice.
	d.transportFor("alpha").failConn(errors.New("server died"))
	waitForState(t, s, session.StateFailed)

	deadline := time.Now().Add(2 * time.Second)
	for !rec.has("alpha/failed") {
		if time.Now().After(deadline) {
			t.Fatalf("failed event never journaled: %v", rec.events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForState polls until the session reaches want or the test times out.
func waitForState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

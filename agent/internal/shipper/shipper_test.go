package shipper

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/relay/agent/internal/config"
	"github.com/obsidianstack/relay/pkg/ingest"
	"github.com/obsidianstack/relay/pkg/swapbuf"
	"github.com/obsidianstack/relay/pkg/types"
)

// ackMode controls how the mock server answers a batch.
type ackMode int

const (
	ackAccept ackMode = iota
	ackReject
	ackInvalid
	ackWrongID
)

// mockServer implements ingest.Server and records every delivered batch.
type mockServer struct {
	mu       sync.Mutex
	mode     ackMode
	failN    int // fail the first N calls with codes.Unavailable
	calls    int
	received []*types.Batch
	keys     []string
}

func (m *mockServer) Send(ctx context.Context, b *types.Batch) (*types.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		m.keys = append(m.keys, md.Get(config.DefaultAuthHeader)...)
	}
	if m.failN > 0 {
		m.failN--
		return nil, status.Error(codes.Unavailable, "mock outage")
	}

	switch m.mode {
	case ackReject:
		return &types.Ack{ID: b.ID, Accepted: false, Error: "mock rejection"}, nil
	case ackInvalid:
		return nil, status.Error(codes.InvalidArgument, "mock invalid batch")
	case ackWrongID:
		return &types.Ack{ID: "not-" + b.ID, Accepted: true}, nil
	}
	m.received = append(m.received, b)
	return &types.Ack{ID: b.ID, Accepted: true}, nil
}

func (m *mockServer) batches() []*types.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Batch, len(m.received))
	copy(out, m.received)
	return out
}

// startTestServer starts an in-process gRPC server and returns its address.
func startTestServer(t *testing.T, srv *mockServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	ingest.Register(gs, srv)

	go gs.Serve(lis) //nolint:errcheck
	t.Cleanup(gs.Stop)

	return lis.Addr().String()
}

func agentCfg(endpoint string) config.AgentConfig {
	return config.AgentConfig{
		ServerEndpoint: endpoint,
		ShipInterval:   20 * time.Millisecond,
	}
}

func newBuffer() *swapbuf.SwapBuffer[types.Sample] {
	return swapbuf.New(swapbuf.WithCloner[types.Sample]())
}

func gauge(name string, v float64) swapbuf.Entry[types.Sample] {
	s := types.Sample{Source: "src", Name: name, Kind: types.KindGauge, Value: v}
	return swapbuf.NewEntry(s.Key(), s)
}

// connect dials s's endpoint the way Run does.
func connect(t *testing.T, s *Shipper) *grpc.ClientConn {
	t.Helper()
	conn, err := s.dialFn(context.Background(), s.cfg.ServerEndpoint, s.cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForBatches(t *testing.T, m *mockServer, n int) []*types.Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b := m.batches(); len(b) >= n {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server received %d batches, want %d", len(m.batches()), n)
	return nil
}

// waitForValues polls until the latest delivered value of every named
// sample matches want.
func waitForValues(t *testing.T, m *mockServer, want map[string]float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seen := make(map[string]float64)
		for _, b := range m.batches() {
			for _, smp := range b.Samples {
				seen[smp.Name] = smp.Value
			}
		}
		ok := true
		for name, v := range want {
			if got, found := seen[name]; !found || got != v {
				ok = false
			}
		}
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("latest samples never delivered; batches = %+v", m.batches())
}

// --- Tests ---

func TestShipper_DeliversWindow(t *testing.T) {
	srv := &mockServer{}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	if err := buf.Save(gauge("a", 1), gauge("b", 2)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	got := waitForBatches(t, srv, 1)[0]
	if got.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", got.AgentID)
	}
	if got.ID == "" {
		t.Error("batch ID is empty")
	}
	if len(got.Samples) != 2 {
		t.Fatalf("samples: got %d, want 2", len(got.Samples))
	}
	if got.Samples[0].Name != "a" || got.Samples[1].Name != "b" {
		t.Errorf("samples not ordered by key: %q, %q", got.Samples[0].Name, got.Samples[1].Name)
	}
}

func TestShipper_EmptyWindowSendsNothing(t *testing.T) {
	srv := &mockServer{}
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", newBuffer())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.calls != 0 {
		t.Errorf("server received %d calls, want 0", srv.calls)
	}
}

func TestShipper_MergesOverPending(t *testing.T) {
	buf := newBuffer()
	s := New(agentCfg("127.0.0.1:0"), "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	if err := s.drain(); err != nil {
		t.Fatalf("drain() error = %v", err)
	}
	// The first window was never sent; the next one overrides a and adds b.
	buf.Save(gauge("a", 2), gauge("b", 5)) //nolint:errcheck
	if err := s.drain(); err != nil {
		t.Fatalf("drain() error = %v", err)
	}

	if len(s.pending) != 2 {
		t.Fatalf("pending: got %d, want 2", len(s.pending))
	}
	if v := s.pending["src/a"].Value; v != 2 {
		t.Errorf("pending a = %v, want 2 (newer wins)", v)
	}
	n, err := buf.Pending()
	if err != nil || n != 0 {
		t.Errorf("buffer Pending() = %d, %v; want 0 after drain", n, err)
	}
}

func TestShipper_NonFiniteValuesDelivered(t *testing.T) {
	srv := &mockServer{}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	buf.Save(gauge("bad", math.NaN())) //nolint:errcheck
	buf.Save(gauge("good", 1))         //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	got := waitForBatches(t, srv, 1)[0]
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got.Samples) != 2 {
		t.Fatalf("samples: got %d, want 2", len(got.Samples))
	}
	if !math.IsNaN(got.Samples[0].Value) || got.Samples[1].Value != 1 {
		t.Errorf("values: got %v, %v; want NaN, 1", got.Samples[0].Value, got.Samples[1].Value)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending: got %d, want 0 after delivery", len(s.pending))
	}
}

func TestShipper_RetriesAfterDialFailure(t *testing.T) {
	srv := &mockServer{}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)
	s.bo = newBackoff(5*time.Millisecond, 20*time.Millisecond)

	var failures atomic.Int32
	s.dialFn = func(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
		if failures.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return defaultDial(ctx, endpoint, cfg)
	}

	buf.Save(gauge("a", 1)) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	// Samples saved while disconnected still arrive, merged into one batch.
	time.Sleep(30 * time.Millisecond)
	buf.Save(gauge("a", 7), gauge("b", 1)) //nolint:errcheck

	waitForValues(t, srv, map[string]float64{"a": 7, "b": 1})
}

func TestShipper_RetriesAfterUnavailable(t *testing.T) {
	srv := &mockServer{failN: 2}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)
	s.bo = newBackoff(5*time.Millisecond, 20*time.Millisecond)

	buf.Save(gauge("a", 1)) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	time.Sleep(30 * time.Millisecond)
	buf.Save(gauge("a", 3), gauge("b", 4)) //nolint:errcheck

	waitForValues(t, srv, map[string]float64{"a": 3, "b": 4})
}

func TestShipper_PermanentErrorDiscards(t *testing.T) {
	srv := &mockServer{mode: ackInvalid}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	s.drain()               //nolint:errcheck

	if err := s.send(context.Background(), connect(t, s)); err != nil {
		t.Fatalf("send() error = %v, want nil for a permanently rejected batch", err)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending: got %d, want 0 after rejection", len(s.pending))
	}
}

func TestShipper_RejectedAckDiscards(t *testing.T) {
	srv := &mockServer{mode: ackReject}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	s.drain()               //nolint:errcheck

	if err := s.send(context.Background(), connect(t, s)); err != nil {
		t.Fatalf("send() error = %v, want nil for a rejected batch", err)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending: got %d, want 0 after rejection", len(s.pending))
	}
}

func TestShipper_TransientErrorKeepsPending(t *testing.T) {
	srv := &mockServer{failN: 1}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	s.drain()               //nolint:errcheck

	err := s.send(context.Background(), connect(t, s))
	if err == nil || !strings.Contains(err.Error(), "mock outage") {
		t.Fatalf("send() error = %v, want mock outage", err)
	}
	if len(s.pending) != 1 {
		t.Errorf("pending: got %d, want 1 kept for retry", len(s.pending))
	}
}

func TestShipper_AckMismatchKeepsPending(t *testing.T) {
	srv := &mockServer{mode: ackWrongID}
	buf := newBuffer()
	s := New(agentCfg(startTestServer(t, srv)), "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	s.drain()               //nolint:errcheck

	if err := s.send(context.Background(), connect(t, s)); err == nil {
		t.Fatal("send() error = nil, want ack mismatch error")
	}
	if len(s.pending) != 1 {
		t.Errorf("pending: got %d, want 1 kept for retry", len(s.pending))
	}
}

func TestShipper_SendsAPIKeyMetadata(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "s3cret")

	srv := &mockServer{}
	cfg := agentCfg(startTestServer(t, srv))
	cfg.ServerAuth = config.AuthConfig{Mode: "apikey", KeyEnv: "RELAY_TEST_KEY"}
	buf := newBuffer()
	s := New(cfg, "agent-1", buf)

	buf.Save(gauge("a", 1)) //nolint:errcheck
	s.drain()               //nolint:errcheck
	if err := s.send(context.Background(), connect(t, s)); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.keys) != 1 || srv.keys[0] != "s3cret" {
		t.Errorf("%s metadata = %v, want [s3cret]", config.DefaultAuthHeader, srv.keys)
	}
}

func TestShipper_PoisonedBufferStopsRun(t *testing.T) {
	buf := swapbuf.New(swapbuf.WithClone(func(s types.Sample) types.Sample {
		if s.Name == "boom" {
			panic("clone failed")
		}
		return s.Clone()
	}))
	func() {
		defer func() { recover() }() //nolint:errcheck
		buf.Save(gauge("boom", 1))   //nolint:errcheck
	}()

	s := New(agentCfg("127.0.0.1:0"), "agent-1", buf)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Run(ctx)
	if !errors.Is(err, swapbuf.ErrPoisoned) {
		t.Fatalf("Run() error = %v, want ErrPoisoned", err)
	}
}

func TestShipper_GracefulShutdownFlushes(t *testing.T) {
	srv := &mockServer{}
	buf := newBuffer()
	cfg := agentCfg(startTestServer(t, srv))
	cfg.ShipInterval = time.Hour
	s := New(cfg, "agent-1", buf)

	buf.Save(gauge("last", 42)) //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	b := srv.batches()
	if len(b) != 1 || len(b[0].Samples) != 1 || b[0].Samples[0].Value != 42 {
		t.Errorf("final flush batches = %+v, want one batch with last=42", b)
	}
}

func TestDialOptions(t *testing.T) {
	for _, mode := range []string{"", "none", "apikey"} {
		opts, err := dialOptions(config.AgentConfig{ServerAuth: config.AuthConfig{Mode: mode}})
		if err != nil || len(opts) != 1 {
			t.Errorf("mode %q: got %d opts, err %v; want 1 opt", mode, len(opts), err)
		}
	}

	_, err := dialOptions(config.AgentConfig{ServerAuth: config.AuthConfig{
		Mode:     "mtls",
		CertFile: "/nonexistent/agent.pem",
		KeyFile:  "/nonexistent/agent-key.pem",
	}})
	if err == nil || !strings.Contains(err.Error(), "load client cert") {
		t.Errorf("mtls with missing files: got %v, want load client cert error", err)
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.InvalidArgument, true},
		{codes.Unauthenticated, true},
		{codes.PermissionDenied, true},
		{codes.Unavailable, false},
		{codes.DeadlineExceeded, false},
		{codes.Internal, false},
	}
	for _, tc := range tests {
		if got := isPermanentError(status.Error(tc.code, "x")); got != tc.want {
			t.Errorf("isPermanentError(%v) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoff_Resets(t *testing.T) {
	b := newBackoff(backoffInitial, backoffMax)
	first := b.next()
	if first > 2*time.Second {
		t.Errorf("first backoff too large: %v", first)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	after := b.next()
	if after > 2*time.Second {
		t.Errorf("backoff after reset too large: %v", after)
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := newBackoff(backoffInitial, backoffMax)
	for i := 0; i < 50; i++ {
		d := b.next()
		// With jitter, max is backoffMax * 1.25
		if d > backoffMax*5/4 {
			t.Errorf("backoff[%d] = %v, exceeds 1.25×max", i, d)
		}
	}
}

package shipper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/relay/agent/internal/config"
	"github.com/obsidianstack/relay/pkg/ingest"
	"github.com/obsidianstack/relay/pkg/swapbuf"
	"github.com/obsidianstack/relay/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
	finalFlushTimeout = 5 * time.Second
)

// Shipper drains a swap buffer periodically and ships the result to the server.
type Shipper struct {
	cfg     config.AgentConfig
	agentID string
	buf     *swapbuf.SwapBuffer[types.Sample]
	dialFn  dialFunc // injectable for tests
	bo      *backoff
	now     func() time.Time

	// pending is touched only by the Run goroutine.
	pending map[string]types.Sample
}

// dialFunc is the function signature used to open a gRPC connection.
type dialFunc func(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error)

// New creates a Shipper that drains buf. agentID is stamped on every batch.
func New(cfg config.AgentConfig, agentID string, buf *swapbuf.SwapBuffer[types.Sample]) *Shipper {
	return &Shipper{
		cfg:     cfg,
		agentID: agentID,
		buf:     buf,
		dialFn:  defaultDial,
		bo:      newBackoff(backoffInitial, backoffMax),
		now:     time.Now,
		pending: make(map[string]types.Sample),
	}
}

// Run drains and ships every ShipInterval until ctx is cancelled. It returns
// nil on cancellation and a wrapped swapbuf.ErrPoisoned if the buffer fails.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ShipInterval)
	defer ticker.Stop()

	var (
		conn     *grpc.ClientConn
		nextSend time.Time
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.finalFlush(conn)

		case <-ticker.C:
		}

		if err := s.drain(); err != nil {
			return err
		}
		if len(s.pending) == 0 || s.now().Before(nextSend) {
			continue
		}

		if conn == nil {
			c, err := s.dialFn(ctx, s.cfg.ServerEndpoint, s.cfg)
			if err != nil {
				wait := s.bo.next()
				nextSend = s.now().Add(wait)
				slog.Error("shipper: dial failed, will retry",
					"endpoint", s.cfg.ServerEndpoint,
					"err", err,
					"retry_in", wait,
					"pending", len(s.pending))
				continue
			}
			conn = c
		}

		if err := s.send(ctx, conn); err != nil {
			// grpc reconnects on its own; only the next attempt is delayed.
			wait := s.bo.next()
			nextSend = s.now().Add(wait)
			slog.Warn("shipper: send failed, will retry",
				"endpoint", s.cfg.ServerEndpoint,
				"err", err,
				"retry_in", wait,
				"pending", len(s.pending))
			continue
		}
		s.bo.reset()
	}
}

// drain reads the current window out of the buffer and merges it into the
// pending set. Samples already pending are replaced by newer ones.
func (s *Shipper) drain() error {
	entries, err := s.buf.Read()
	if err != nil {
		return fmt.Errorf("shipper: read buffer: %w", err)
	}
	for _, e := range entries {
		s.pending[e.Key] = e.Value
	}
	return nil
}

// send ships the pending set as one batch. The pending set is cleared when
// the server accepts or permanently rejects the batch; it is kept, and an
// error returned, only when the call itself fails transiently.
func (s *Shipper) send(ctx context.Context, conn *grpc.ClientConn) error {
	batch := s.batch()

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	// Inject API key header if configured.
	if s.cfg.ServerAuth.Mode == "apikey" && s.cfg.ServerAuth.KeyEnv != "" {
		sendCtx = metadata.AppendToOutgoingContext(sendCtx,
			s.cfg.ServerAuth.EffectiveHeader(), s.cfg.ServerAuth.Key())
	}

	ack, err := ingest.NewClient(conn).Send(sendCtx, batch)
	switch {
	case err != nil && isPermanentError(err):
		slog.Error("shipper: permanent send error, discarding batch",
			"batch", batch.ID, "samples", len(batch.Samples), "err", err)
	case err != nil:
		return fmt.Errorf("send batch: %w", err)
	case ack.ID != batch.ID:
		return fmt.Errorf("ack for batch %q, want %q", ack.ID, batch.ID)
	case !ack.Accepted:
		slog.Error("shipper: server rejected batch, discarding",
			"batch", batch.ID, "samples", len(batch.Samples), "reason", ack.Error)
	default:
		slog.Debug("shipper: batch delivered", "batch", batch.ID, "samples", len(batch.Samples))
	}
	s.pending = make(map[string]types.Sample)
	return nil
}

// batch builds a Batch from the pending set, ordered by series key.
func (s *Shipper) batch() *types.Batch {
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	samples := make([]types.Sample, 0, len(keys))
	for _, k := range keys {
		samples = append(samples, s.pending[k])
	}
	return &types.Batch{
		ID:      uuid.NewString(),
		AgentID: s.agentID,
		SentAt:  s.now().UTC(),
		Samples: samples,
	}
}

// finalFlush drains once more after shutdown and makes one bounded attempt
// to deliver everything still pending.
func (s *Shipper) finalFlush(conn *grpc.ClientConn) error {
	if err := s.drain(); err != nil {
		return err
	}
	if len(s.pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	if conn == nil {
		c, err := s.dialFn(ctx, s.cfg.ServerEndpoint, s.cfg)
		if err != nil {
			slog.Warn("shipper: final flush dial failed, samples lost",
				"err", err, "pending", len(s.pending))
			return nil
		}
		defer c.Close()
		conn = c
	}

	if err := s.send(ctx, conn); err != nil {
		slog.Warn("shipper: final flush failed, samples lost",
			"err", err, "pending", len(s.pending))
		return nil
	}
	slog.Info("shipper: final flush done")
	return nil
}

// isPermanentError returns true for gRPC errors that indicate the batch
// itself is unacceptable and should not be retried.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial opens a gRPC connection to endpoint with auth configured from cfg.
// The connection is established lazily and re-established by grpc on failure.
func defaultDial(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, endpoint, opts...) //nolint:staticcheck // NewClient needs grpc 1.63
}

// dialOptions builds grpc.DialOption slice based on the server auth config.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	switch cfg.ServerAuth.Mode {
	case "mtls":
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("shipper: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil

	default: // apikey (key sent per call), none or empty
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

package receiver

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/store"
)

// ChangeRecorder receives every accepted sample for the UI change stream.
type ChangeRecorder interface {
	Record(samples ...types.Sample) error
}

// Evaluator checks accepted samples against alert rules.
type Evaluator interface {
	Evaluate(samples []types.Sample)
}

// Receiver implements ingest.Server. Every batch is validated, stored and
// forwarded to the change stream and the alerts engine.
type Receiver struct {
	store   *store.Store
	changes ChangeRecorder
	alerts  Evaluator
}

// New creates a Receiver that writes accepted batches to st and forwards
// their samples to changes and alerts. Either may be nil.
func New(st *store.Store, changes ChangeRecorder, alerts Evaluator) *Receiver {
	return &Receiver{store: st, changes: changes, alerts: alerts}
}

// Send is the unary RPC handler called by relay-agent instances.
// Authentication is enforced by the gRPC server interceptor before this is called.
func (r *Receiver) Send(ctx context.Context, b *types.Batch) (*types.Ack, error) {
	if err := b.Validate(); err != nil {
		slog.Warn("receiver: rejected batch", "batch", b.ID, "agent", b.AgentID, "err", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	r.store.PutBatch(b)

	if r.changes != nil {
		if err := r.changes.Record(b.Samples...); err != nil {
			// The batch is stored; only the live stream misses it.
			slog.Error("receiver: change stream unavailable", "batch", b.ID, "err", err)
		}
	}
	if r.alerts != nil {
		r.alerts.Evaluate(b.Samples)
	}

	slog.Debug("receiver: batch stored",
		"batch", b.ID,
		"agent", b.AgentID,
		"samples", len(b.Samples),
	)
	return &types.Ack{ID: b.ID, Accepted: true}, nil
}

package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidBatch is wrapped by Batch.Validate failures.
var ErrInvalidBatch = errors.New("invalid batch")

// Batch is one drained swap buffer window shipped from an agent.
type Batch struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	SentAt  time.Time `json:"sent_at"`
	Samples []Sample  `json:"samples"`
}

// Validate checks the structural fields the server relies on.
func (b *Batch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidBatch)
	}
	if b.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidBatch)
	}
	for i, s := range b.Samples {
		if s.Source == "" || s.Name == "" {
			return fmt.Errorf("%w: samples[%d]: source and name are required", ErrInvalidBatch, i)
		}
	}
	return nil
}

// Ack is the server's reply to one Batch.
type Ack struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

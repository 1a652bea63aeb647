// Package usage keeps a ledger of the token usage that the live endpoint
// reports for each voice session.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// Record is one usage report.
type Record struct {
	ID             string
	SessionID      string
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
	RecordedAt     time.Time
}

// Totals aggregates the records of one session.
type Totals struct {
	Records        int
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

// Store persists usage records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Add stores r. Empty ID and zero RecordedAt are filled in.
	Add(ctx context.Context, r Record) error

	// List returns the records of sessionID, oldest first.
	List(ctx context.Context, sessionID string) ([]Record, error)

	// SessionTotals sums the records of sessionID. Unknown sessions yield
	// zero totals.
	SessionTotals(ctx context.Context, sessionID string) (Totals, error)
}

// NewRecord builds a Record for sessionID from a usage event.
func NewRecord(sessionID string, u live.UsageMetadata) Record {
	return Record{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		PromptTokens:   u.PromptTokens,
		ResponseTokens: u.ResponseTokens,
		TotalTokens:    u.TotalTokens,
		RecordedAt:     time.Now().UTC(),
	}
}

func fill(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
}

func (t *Totals) add(r Record) {
	t.Records++
	t.PromptTokens += r.PromptTokens
	t.ResponseTokens += r.ResponseTokens
	t.TotalTokens += r.TotalTokens
}

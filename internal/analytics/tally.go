package analytics

import (
	"context"
	"sync/atomic"
)

type tallyKey struct{}

// Tally counts the outcomes of the samples ingested under one context.
// The engine fills it while handling metric events emitted with that context.
type Tally struct {
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	anomalies atomic.Uint64
}

// WithTally returns a child context whose ingests are counted in the returned Tally.
func WithTally(ctx context.Context) (context.Context, *Tally) {
	t := &Tally{}
	return context.WithValue(ctx, tallyKey{}, t), t
}

func tallyFrom(ctx context.Context) *Tally {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(tallyKey{}).(*Tally)
	return t
}

// Accepted is the number of samples recorded into a baseline.
func (t *Tally) Accepted() uint64 { return t.accepted.Load() }

// Rejected is the number of payloads dropped before recording.
func (t *Tally) Rejected() uint64 { return t.rejected.Load() }

// Anomalies is the number of verdicts produced.
func (t *Tally) Anomalies() uint64 { return t.anomalies.Load() }

package runner

import (
	"context"
	"time"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/hashicorp/go-hclog"
)

// CommunicationPort is what the runner needs from the network. Every call may
// fail silently when a peer is offline; none of them may block past ctx.
type CommunicationPort interface {
	BroadcastDraft(ctx context.Context, v *dag.Vertex) error
	SendAck(ctx context.Context, to string, ack *dag.Ack) error
	SendLateAck(ctx context.Context, to string, ack *dag.LateAck) error
	BroadcastCertified(ctx context.Context, v *dag.Vertex) error
	FetchRoundVertex(ctx context.Context, to string, round int64, proposer string) (*dag.Vertex, error)
}

// EventSource provides the external events waiting to be included.
type EventSource interface {
	DequeueAll(ctx context.Context) ([][]byte, error)
}

// Options tunes the runner. Zero intervals make every wait purely
// notification-driven, which is what deterministic tests use.
type Options struct {
	// EventPollInterval is how often an empty event source is polled again.
	EventPollInterval time.Duration
	// MaxEventWait bounds how long a proposal waits for events.
	MaxEventWait time.Duration
	// QuorumPollInterval is how often the dual wait re-checks its conditions
	// without being notified.
	QuorumPollInterval time.Duration
	// RebroadcastInterval is how long the own draft may stay below quorum
	// before it is broadcast again. Zero disables rebroadcasting.
	RebroadcastInterval time.Duration
	// CertCacheSize is the number of verified certificates remembered.
	CertCacheSize int

	// Deliver receives the ordered sections of the DAG as leaders commit.
	Deliver func([]sequencer.Section)
	Metrics *metrics.Metrics
	Logger  hclog.Logger
}

// DefaultOptions returns the intervals used by a deployed scribe.
func DefaultOptions() Options {
	return Options{
		EventPollInterval:   10 * time.Millisecond,
		MaxEventWait:        100 * time.Millisecond,
		QuorumPollInterval:  10 * time.Millisecond,
		RebroadcastInterval: 500 * time.Millisecond,
		CertCacheSize:       4096,
	}
}

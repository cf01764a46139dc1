/*
Package store persists what one scribe knows about the DAG: its current round
pointer, the vertices it has seen (draft or certified) and the out-of-round
messages buffered for replay, and the commit log of the ordering layer.
Every write replaces one complete record.
*/
package store

import (
	"context"
	"errors"

	"github.com/gitzhang10/scribe/dag"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCertified is returned when a draft would replace a certified vertex.
	ErrCertified = errors.New("vertex is already certified")
)

// Store is the vertex/round store the runner and the sequencing strategies
// read and write.
type Store interface {
	// Round returns the persisted round pointer of scribe, 0 if none.
	Round(ctx context.Context, scribe string) (int64, error)
	// UpdateRound atomically replaces the round pointer with fn(current).
	UpdateRound(ctx context.Context, scribe string, fn func(current int64) int64) (int64, error)

	// SaveVertex stores v. A certified record is never replaced by a draft,
	// such a write fails with ErrCertified.
	SaveVertex(ctx context.Context, v *dag.Vertex) error
	Vertex(ctx context.Context, round int64, proposer string) (*dag.Vertex, error)
	// CertifiedVertices returns the certified vertices of round sorted by proposer.
	CertifiedVertices(ctx context.Context, round int64) ([]*dag.Vertex, error)

	BufferMessage(ctx context.Context, m *dag.BufferedMessage) error
	BufferedMessages(ctx context.Context, round int64, kind dag.MessageKind) ([]*dag.BufferedMessage, error)
	DeleteBufferedMessage(ctx context.Context, m *dag.BufferedMessage) error

	CommitLog

	Close() error
}

// CommitLog records what the ordering layer already delivered.
type CommitLog interface {
	// LastCommitted returns the round of the last committed leader, -1 if none.
	LastCommitted(ctx context.Context) (int64, error)
	// SaveCommit marks ordered as delivered and moves the commit frontier to
	// leaderRound in one write.
	SaveCommit(ctx context.Context, leaderRound int64, ordered []*dag.Vertex) error
	// IsOrdered reports whether the vertex of proposer at round was delivered.
	IsOrdered(ctx context.Context, round int64, proposer string) (bool, error)
}

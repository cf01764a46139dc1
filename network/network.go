/*
Package network implements the communication port of the runner: a TCP
transport for deployments and an in-process Hub for simulations and tests.
*/
package network

import (
	"context"
	"errors"

	"github.com/gitzhang10/scribe/dag"
)

var (
	// ErrUnknownPeer is returned when a message is addressed to a scribe
	// without a known address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrUnreachable is returned by a fetch that could not reach the peer.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrNotFound is returned by a fetch the peer could not answer.
	ErrNotFound = errors.New("vertex not found at peer")
)

// Handler consumes the messages a scribe receives.
type Handler interface {
	HandleDraft(ctx context.Context, from string, v *dag.Vertex) error
	HandleAck(ctx context.Context, from string, a *dag.Ack) error
	HandleLateAck(ctx context.Context, from string, a *dag.LateAck) error
	HandleCertified(ctx context.Context, from string, v *dag.Vertex) error
	ServeFetch(ctx context.Context, round int64, proposer string) (*dag.Vertex, error)
}

// Kind identifies a message type on the wire and in drop filters.
type Kind uint8

const (
	Draft Kind = iota
	Ack
	LateAck
	Certified
	Fetch
	FetchReply
)

func (k Kind) String() string {
	switch k {
	case Draft:
		return "draft"
	case Ack:
		return "ack"
	case LateAck:
		return "late-ack"
	case Certified:
		return "certified"
	case Fetch:
		return "fetch"
	case FetchReply:
		return "fetch-reply"
	default:
		return "unknown"
	}
}

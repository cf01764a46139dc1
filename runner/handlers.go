package runner

import (
	"bytes"
	"context"
	"errors"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/gitzhang10/scribe/store"
)

// HandleDraft validates a draft vertex and answers it according to its round:
// a late ack for an earlier round, buffering for a later one, an ack for the
// current one. Rejected drafts are returned as *ValidationError.
func (r *Runner) HandleDraft(ctx context.Context, from string, v *dag.Vertex) error {
	if !r.ready() {
		return errNotReady
	}
	if v == nil {
		return r.reject(invalid(metrics.ReasonDecode, 0, from, errors.New("empty draft")))
	}
	if v.Proposer == r.name {
		return nil
	}
	if err := r.checkHeader(ctx, from, v); err != nil {
		return r.reject(err)
	}
	current := r.Round()
	switch {
	case v.Round < current:
		return r.replyLate(ctx, v, current)
	case v.Round > current:
		if err := r.checkParents(ctx, from, v); err != nil {
			return r.reject(err)
		}
		if err := r.buffer(ctx, dag.DraftMessage, v, current); err != nil {
			return err
		}
		r.observe(v.Round)
		return nil
	default:
		return r.ackDraft(ctx, from, v)
	}
}

// ackDraft signs an ack for a draft of the current round. A scribe acks at
// most one vertex per proposer and round.
func (r *Runner) ackDraft(ctx context.Context, from string, v *dag.Vertex) error {
	if err := r.checkParents(ctx, from, v); err != nil {
		return r.reject(err)
	}
	digest, err := v.Digest()
	if err != nil {
		return err
	}

	r.vertexLock.Lock()
	err = r.storeDraft(ctx, from, v, digest)
	r.vertexLock.Unlock()
	if err != nil {
		return r.reject(err)
	}

	ack, err := r.keys.SignAck(v)
	if err != nil {
		return err
	}
	return r.port.SendAck(ctx, v.Proposer, ack)
}

// storeDraft persists the first draft of a proposer and round and rejects
// any different vertex for the same slot.
func (r *Runner) storeDraft(ctx context.Context, from string, v *dag.Vertex, digest []byte) error {
	known, err := r.store.Vertex(ctx, v.Round, v.Proposer)
	if err == store.ErrNotFound {
		draft := v.Copy()
		draft.Acks = nil
		draft.Certificate = nil
		if err = r.store.SaveVertex(ctx, draft); err != store.ErrCertified {
			return err
		}
		// certified meanwhile through a fetch
		known, err = r.store.Vertex(ctx, v.Round, v.Proposer)
	}
	if err != nil {
		return err
	}
	kd, err := known.Digest()
	if err != nil {
		return err
	}
	if !bytes.Equal(kd, digest) {
		return invalid(metrics.ReasonEquivocation, v.Round, from, errors.New("conflicting vertex from the same proposer"))
	}
	return nil
}

func (r *Runner) replyLate(ctx context.Context, v *dag.Vertex, current int64) error {
	prev, err := r.store.CertifiedVertices(ctx, current-1)
	if err != nil {
		return err
	}
	late := &dag.LateAck{
		Acker:        r.name,
		Proposer:     v.Proposer,
		DraftRound:   v.Round,
		CurrentRound: current,
		Certificates: dag.Certificates(prev),
	}
	return r.port.SendLateAck(ctx, v.Proposer, late)
}

// HandleAck adds a valid ack of the own vertex of the current round to its
// ack set.
func (r *Runner) HandleAck(ctx context.Context, from string, a *dag.Ack) error {
	if !r.ready() {
		return errNotReady
	}
	if a == nil {
		return r.reject(invalid(metrics.ReasonDecode, 0, from, errors.New("empty ack")))
	}
	ok, err := sequencer.IsEligible(ctx, r.strategy, a.Round, a.Acker)
	if err != nil {
		return err
	}
	if !ok {
		return r.reject(invalid(metrics.ReasonIneligible, a.Round, from, errors.New(a.Acker)))
	}
	if a.Round != r.Round() || a.Proposer != r.name {
		return r.reject(invalid(metrics.ReasonRound, a.Round, from, nil))
	}
	if err := r.keys.VerifyAck(a); err != nil {
		return r.reject(invalid(metrics.ReasonSignature, a.Round, from, err))
	}

	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	p := r.pending
	if p == nil || p.Round != a.Round {
		return r.reject(invalid(metrics.ReasonRound, a.Round, from, errors.New("no pending vertex")))
	}
	if !bytes.Equal(r.pendingDigest, a.Digest) {
		return r.reject(invalid(metrics.ReasonSignature, a.Round, from, errors.New("ack for another vertex")))
	}
	if p.IsCertified() {
		return nil
	}
	if _, dup := p.Acks[a.Acker]; dup {
		return nil
	}
	p.Acks[a.Acker] = a.PartialSig
	if err := r.store.SaveVertex(ctx, p.Copy()); err != nil {
		delete(p.Acks, a.Acker)
		return err
	}
	r.metrics.Ack()
	r.signal()
	return nil
}

// HandleLateAck records a late ack. Late acks never count toward a quorum
// and trigger nothing else.
func (r *Runner) HandleLateAck(ctx context.Context, from string, a *dag.LateAck) error {
	if a == nil {
		return nil
	}
	r.metrics.LateAck()
	r.logger.Debug("late ack received", "acker", a.Acker, "draft-round", a.DraftRound,
		"their-round", a.CurrentRound, "certificates", len(a.Certificates))
	return nil
}

// HandleCertified validates a certified vertex. It is persisted when it
// belongs to the current round, buffered when it belongs to a later one and
// ignored otherwise.
func (r *Runner) HandleCertified(ctx context.Context, from string, v *dag.Vertex) error {
	if !r.ready() {
		return errNotReady
	}
	if v == nil || !v.IsCertified() {
		return r.reject(invalid(metrics.ReasonCertificate, 0, from, errors.New("vertex is not certified")))
	}
	if err := r.checkHeader(ctx, from, v); err != nil {
		return r.reject(err)
	}
	if err := r.checkParents(ctx, from, v); err != nil {
		return r.reject(err)
	}
	current := r.Round()
	switch {
	case v.Round > current:
		if err := r.buffer(ctx, dag.CertifiedMessage, v, current); err != nil {
			return err
		}
		r.observe(v.Round)
		return nil
	case v.Round < current:
		r.logger.Trace("ignore a certified vertex of an earlier round", "round", v.Round, "proposer", v.Proposer)
		return nil
	default:
		return r.acceptCertified(ctx, from, v)
	}
}

// acceptCertified checks the certificate of v and persists it.
func (r *Runner) acceptCertified(ctx context.Context, from string, v *dag.Vertex) error {
	if err := r.checkOwnCertificate(ctx, from, v); err != nil {
		return r.reject(err)
	}
	r.vertexLock.Lock()
	defer r.vertexLock.Unlock()
	known, err := r.store.Vertex(ctx, v.Round, v.Proposer)
	if err == nil && known.IsCertified() {
		return nil
	}
	if err != nil && err != store.ErrNotFound {
		return err
	}
	stored := v.Copy()
	stored.Acks = nil
	if err := r.store.SaveVertex(ctx, stored); err != nil {
		return err
	}
	r.logger.Debug("certified vertex stored", "round", v.Round, "proposer", v.Proposer)
	r.signal()
	return nil
}

// ServeFetch returns the certified vertex of proposer at round.
func (r *Runner) ServeFetch(ctx context.Context, round int64, proposer string) (*dag.Vertex, error) {
	v, err := r.store.Vertex(ctx, round, proposer)
	if err != nil {
		return nil, err
	}
	if !v.IsCertified() {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (r *Runner) buffer(ctx context.Context, kind dag.MessageKind, v *dag.Vertex, observed int64) error {
	return r.store.BufferMessage(ctx, &dag.BufferedMessage{Kind: kind, ObservedAt: observed, Vertex: v.Copy()})
}

// reject counts and logs a validation failure before returning it.
func (r *Runner) reject(err error) error {
	r.drop(err)
	return err
}

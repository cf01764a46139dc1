package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/sequencer"
)

func certKey(c *dag.Certificate) string {
	sum := dag.HashSum(append(append([]byte(nil), c.Digest...), c.Signature...))
	return fmt.Sprintf("%d/%s/%x", c.Round, c.Proposer, sum)
}

func (r *Runner) remember(c *dag.Certificate) {
	r.certs.Add(certKey(c), struct{}{})
}

// verifyCertificate checks c against the quorum of its round. Genesis
// certificates are compared with the locally derived ones.
func (r *Runner) verifyCertificate(ctx context.Context, c *dag.Certificate) error {
	if c == nil {
		return errors.New("missing certificate")
	}
	if c.Round == 0 {
		digest, ok := r.genesis[c.Proposer]
		if !ok || !bytes.Equal(digest, c.Digest) {
			return errors.New("unknown genesis vertex")
		}
		return nil
	}
	key := certKey(c)
	if r.certs.Contains(key) {
		return nil
	}
	need, err := r.strategy.ConsensusThreshold(ctx, c.Round)
	if err != nil {
		return err
	}
	if err := r.keys.VerifyCertificate(c, need); err != nil {
		return err
	}
	r.certs.Add(key, struct{}{})
	return nil
}

// checkHeader checks that the proposer of v may propose in its round and
// signed it.
func (r *Runner) checkHeader(ctx context.Context, sender string, v *dag.Vertex) error {
	if v.Round < 1 {
		return invalid(metrics.ReasonRound, v.Round, sender, nil)
	}
	ok, err := sequencer.IsEligible(ctx, r.strategy, v.Round, v.Proposer)
	if err != nil {
		return err
	}
	if !ok {
		return invalid(metrics.ReasonIneligible, v.Round, sender, fmt.Errorf("proposer %s", v.Proposer))
	}
	if err := r.keys.VerifyVertex(v); err != nil {
		return invalid(metrics.ReasonSignature, v.Round, sender, err)
	}
	return nil
}

// checkParents requires a quorum of valid certificates of the previous round,
// each keyed by the eligible scribe it certifies.
func (r *Runner) checkParents(ctx context.Context, sender string, v *dag.Vertex) error {
	prev := v.Round - 1
	need, err := r.strategy.ConsensusThreshold(ctx, prev)
	if err != nil {
		return err
	}
	for _, name := range v.ParentNames() {
		c := v.Parents[name]
		if c == nil || c.Round != prev || c.Proposer != name {
			return invalid(metrics.ReasonParents, v.Round, sender, fmt.Errorf("parent %s does not match its certificate", name))
		}
		ok, err := sequencer.IsEligible(ctx, r.strategy, prev, name)
		if err != nil {
			return err
		}
		if !ok {
			return invalid(metrics.ReasonParents, v.Round, sender, fmt.Errorf("parent %s is not a scribe", name))
		}
		if err := r.verifyCertificate(ctx, c); err != nil {
			return invalid(metrics.ReasonParents, v.Round, sender, err)
		}
	}
	if len(v.Parents) < need {
		return invalid(metrics.ReasonParents, v.Round, sender,
			fmt.Errorf("%d parent certificates, need %d", len(v.Parents), need))
	}
	return nil
}

// checkOwnCertificate verifies the certificate attached to v.
func (r *Runner) checkOwnCertificate(ctx context.Context, sender string, v *dag.Vertex) error {
	if !v.IsCertified() {
		return invalid(metrics.ReasonCertificate, v.Round, sender, errors.New("vertex is not certified"))
	}
	if r.certs.Contains(certKey(v.Certificate)) {
		digest, err := v.Digest()
		if err != nil {
			return err
		}
		c := v.Certificate
		if c.Round == v.Round && c.Proposer == v.Proposer && bytes.Equal(c.Digest, digest) {
			return nil
		}
		return invalid(metrics.ReasonCertificate, v.Round, sender, errors.New("certificate does not cover the vertex"))
	}
	need, err := r.strategy.ConsensusThreshold(ctx, v.Round)
	if err != nil {
		return err
	}
	if err := r.keys.VerifyCertifiedVertex(v, need); err != nil {
		return invalid(metrics.ReasonCertificate, v.Round, sender, err)
	}
	r.remember(v.Certificate)
	return nil
}

// checkCertified fully validates a certified vertex received from sender.
func (r *Runner) checkCertified(ctx context.Context, sender string, v *dag.Vertex) error {
	if v.Round == 0 {
		if v.Certificate == nil {
			return invalid(metrics.ReasonCertificate, 0, sender, errors.New("vertex is not certified"))
		}
		digest, err := v.Digest()
		if err != nil {
			return err
		}
		if len(v.Parents) > 0 || !bytes.Equal(digest, v.Certificate.Digest) || r.verifyCertificate(ctx, v.Certificate) != nil {
			return invalid(metrics.ReasonCertificate, 0, sender, errors.New("unknown genesis vertex"))
		}
		return nil
	}
	if err := r.checkHeader(ctx, sender, v); err != nil {
		return err
	}
	if err := r.checkParents(ctx, sender, v); err != nil {
		return err
	}
	return r.checkOwnCertificate(ctx, sender, v)
}

// drop logs and counts a rejected message.
func (r *Runner) drop(err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		r.metrics.Dropped(ve.Reason)
		r.logger.Debug("drop the message", "reason", ve.Reason, "round", ve.Round, "sender", ve.Sender, "error", ve.Err)
		return
	}
	if err != nil {
		r.logger.Warn("failed to handle the message", "error", err)
	}
}

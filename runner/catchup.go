package runner

import (
	"context"

	"github.com/gitzhang10/scribe/dag"
)

// catchUp advances the round pointer without proposing over every round that
// already holds, or can be completed to, a quorum of certified vertices while
// a later round has been observed.
func (r *Runner) catchUp(ctx context.Context) error {
	for {
		round := r.Round()
		if err := r.replayCertified(ctx, round); err != nil {
			return err
		}
		if r.jumpTarget() <= round {
			return nil
		}
		have, need, err := r.roundQuorum(ctx, round)
		if err != nil {
			return err
		}
		if have < need {
			if have, err = r.fetchRound(ctx, round); err != nil {
				return err
			}
		}
		if have < need {
			r.logger.Debug("round cannot be skipped", "round", round, "have", have, "need", need)
			return nil
		}
		if err := r.advance(ctx, round+1, true); err != nil {
			return err
		}
	}
}

// ensureQuorum makes sure round holds a quorum of certified vertices, asking
// the other scribes for the missing ones. starting is the round that needs
// it, reported in the *LivenessError.
func (r *Runner) ensureQuorum(ctx context.Context, round, starting int64) error {
	if round < 0 {
		return nil
	}
	have, need, err := r.roundQuorum(ctx, round)
	if err != nil {
		return err
	}
	if have >= need {
		return nil
	}
	if have, err = r.fetchRound(ctx, round); err != nil {
		return err
	}
	if have < need {
		return &LivenessError{Round: starting, Have: have, Need: need}
	}
	return nil
}

// fastForward jumps from round to target once target-1 is decided. The
// pointer does not move when it is not.
func (r *Runner) fastForward(ctx context.Context, round, target int64) error {
	if err := r.ensureQuorum(ctx, target-1, target); err != nil {
		return err
	}
	r.logger.Info("fast-forward to a later round", "from", round, "to", target)
	return r.advance(ctx, target, true)
}

// fetchRound asks the other scribes for the certified vertices of round the
// store misses, until the round holds a quorum or every scribe was asked.
// It returns the number of certified vertices held afterwards.
func (r *Runner) fetchRound(ctx context.Context, round int64) (int, error) {
	need, err := r.strategy.ConsensusThreshold(ctx, round)
	if err != nil {
		return 0, err
	}
	have, err := r.store.CertifiedVertices(ctx, round)
	if err != nil {
		return 0, err
	}
	got := make(map[string]bool, len(have))
	for _, v := range have {
		got[v.Proposer] = true
	}
	scribes, err := r.strategy.ScribesAtRound(ctx, round)
	if err != nil {
		return 0, err
	}
	for _, proposer := range scribes {
		if len(got) >= need {
			break
		}
		if got[proposer] {
			continue
		}
		if r.fetchVertex(ctx, round, proposer, scribes) != nil {
			got[proposer] = true
		}
		if err := ctx.Err(); err != nil {
			return len(got), err
		}
	}
	if len(got) > len(have) {
		r.logger.Debug("fetched certified vertices", "round", round, "fetched", len(got)-len(have))
	}
	return len(got), nil
}

// fetchVertex asks each peer in turn for the certified vertex of proposer at
// round and persists the first valid answer. nil if nobody had one.
func (r *Runner) fetchVertex(ctx context.Context, round int64, proposer string, peers []string) *dag.Vertex {
	for _, to := range peers {
		if to == r.name {
			continue
		}
		v, err := r.port.FetchRoundVertex(ctx, to, round, proposer)
		if err != nil || v == nil {
			r.logger.Trace("fetch failed", "round", round, "proposer", proposer, "peer", to, "error", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if v.Round != round || v.Proposer != proposer {
			continue
		}
		if err := r.checkCertified(ctx, to, v); err != nil {
			r.drop(err)
			continue
		}
		if err := r.store.SaveVertex(ctx, v); err != nil {
			r.logger.Error("failed to save a fetched vertex", "round", round, "proposer", proposer, "error", err)
			return nil
		}
		r.signal()
		return v
	}
	return nil
}

// replayCertified persists the buffered certified vertices of round.
func (r *Runner) replayCertified(ctx context.Context, round int64) error {
	msgs, err := r.store.BufferedMessages(ctx, round, dag.CertifiedMessage)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := r.acceptCertified(ctx, "", m.Vertex); err != nil {
			r.drop(err)
		}
		if err := r.store.DeleteBufferedMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// replayDrafts acks the buffered drafts of round.
func (r *Runner) replayDrafts(ctx context.Context, round int64) {
	msgs, err := r.store.BufferedMessages(ctx, round, dag.DraftMessage)
	if err != nil {
		r.logger.Error("failed to load buffered drafts", "round", round, "error", err)
		return
	}
	for _, m := range msgs {
		if err := r.ackDraft(ctx, m.Vertex.Proposer, m.Vertex); err != nil {
			r.drop(err)
		}
		if err := r.store.DeleteBufferedMessage(ctx, m); err != nil {
			r.logger.Error("failed to delete a buffered draft", "round", round, "error", err)
		}
	}
}

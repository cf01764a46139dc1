package sign

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/gitzhang10/scribe/dag"
	"go.dedis.ch/kyber/v3/share"
)

var (
	ErrUnknownSigner       = errors.New("signer is unknown")
	ErrBadSignature        = errors.New("signature does not verify")
	ErrShareMismatch       = errors.New("partial signature share does not belong to the acker")
	ErrDigestMismatch      = errors.New("digest does not match the vertex")
	ErrInsufficientSigners = errors.New("not enough signers")
)

// Keyring holds the keys one scribe needs to sign its own messages and to
// verify everybody else's.
type Keyring struct {
	name        string
	privateKey  ed25519.PrivateKey
	publicKeys  map[string]ed25519.PublicKey
	tsPublicKey *share.PubPoly
	tsShare     *share.PriShare

	index     map[string]int // scribe -> threshold share index
	threshold int
	total     int
}

// NewKeyring builds a keyring. Share indices follow the sorted order of the
// scribes in publicKeys, and the threshold is the Byzantine quorum.
func NewKeyring(name string, privateKey ed25519.PrivateKey, publicKeys map[string]ed25519.PublicKey,
	tsPublicKey *share.PubPoly, tsShare *share.PriShare) *Keyring {
	names := make([]string, 0, len(publicKeys))
	for n := range publicKeys {
		names = append(names, n)
	}
	sort.Strings(names)
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return &Keyring{
		name:        name,
		privateKey:  privateKey,
		publicKeys:  publicKeys,
		tsPublicKey: tsPublicKey,
		tsShare:     tsShare,
		index:       index,
		threshold:   dag.QuorumThreshold(len(names)),
		total:       len(names),
	}
}

// Name returns the identity of the scribe owning the keyring.
func (k *Keyring) Name() string { return k.name }

// Threshold returns the number of partial signatures a certificate needs.
func (k *Keyring) Threshold() int { return k.threshold }

// SignVertex fills in the proposer signature.
func (k *Keyring) SignVertex(v *dag.Vertex) error {
	digest, err := v.Digest()
	if err != nil {
		return err
	}
	v.Signature = SignEd25519(k.privateKey, digest)
	return nil
}

// VerifyVertex checks the proposer signature of v.
func (k *Keyring) VerifyVertex(v *dag.Vertex) error {
	digest, err := v.Digest()
	if err != nil {
		return err
	}
	return k.VerifyEnvelope(v.Proposer, digest, v.Signature)
}

// SignEnvelope signs an arbitrary message with the ED25519 key.
func (k *Keyring) SignEnvelope(data []byte) []byte {
	return SignEd25519(k.privateKey, data)
}

// VerifyEnvelope checks an ED25519 signature of sender over data.
func (k *Keyring) VerifyEnvelope(sender string, data, sig []byte) error {
	pub, ok := k.publicKeys[sender]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, sender)
	}
	ok, err := VerifySignEd25519(pub, data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// SignAck produces this scribe's acknowledgment for a draft vertex.
func (k *Keyring) SignAck(v *dag.Vertex) (*dag.Ack, error) {
	digest, err := v.Digest()
	if err != nil {
		return nil, err
	}
	partial, err := SignTSPartial(k.tsShare, digest)
	if err != nil {
		return nil, err
	}
	return &dag.Ack{
		Round:      v.Round,
		Proposer:   v.Proposer,
		Acker:      k.name,
		Digest:     digest,
		PartialSig: partial,
	}, nil
}

// VerifyAck checks that the partial signature is valid and made with the
// acker's own share.
func (k *Keyring) VerifyAck(a *dag.Ack) error {
	want, ok := k.index[a.Acker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, a.Acker)
	}
	got, err := PartialIndex(a.PartialSig)
	if err != nil {
		return err
	}
	if got != want {
		return ErrShareMismatch
	}
	if err := VerifyTSPartial(k.tsPublicKey, a.Digest, a.PartialSig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// AssembleCertificate aggregates the collected acks of v into a certificate.
func (k *Keyring) AssembleCertificate(v *dag.Vertex) (*dag.Certificate, error) {
	if len(v.Acks) < k.threshold {
		return nil, ErrInsufficientSigners
	}
	digest, err := v.Digest()
	if err != nil {
		return nil, err
	}
	signers := make([]string, 0, len(v.Acks))
	for acker := range v.Acks {
		signers = append(signers, acker)
	}
	sort.Strings(signers)
	partials := make([][]byte, 0, len(signers))
	for _, acker := range signers {
		partials = append(partials, v.Acks[acker])
	}
	sig, err := AssembleIntactTSPartial(partials, k.tsPublicKey, digest, k.threshold, k.total)
	if err != nil {
		return nil, err
	}
	return &dag.Certificate{
		Round:     v.Round,
		Proposer:  v.Proposer,
		Digest:    digest,
		Signature: sig,
		Signers:   signers,
	}, nil
}

// VerifyCertificate checks that c carries at least need signers and that its
// threshold signature verifies against the group key.
func (k *Keyring) VerifyCertificate(c *dag.Certificate, need int) error {
	if c == nil {
		return ErrBadSignature
	}
	if len(c.Signers) < need || k.threshold < need {
		return ErrInsufficientSigners
	}
	for _, s := range c.Signers {
		if _, ok := k.index[s]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSigner, s)
		}
	}
	ok, err := VerifyTS(k.tsPublicKey, c.Digest, c.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// VerifyCertifiedVertex checks that the certificate attached to v covers v.
func (k *Keyring) VerifyCertifiedVertex(v *dag.Vertex, need int) error {
	digest, err := v.Digest()
	if err != nil {
		return err
	}
	c := v.Certificate
	if c == nil || c.Round != v.Round || c.Proposer != v.Proposer || !bytes.Equal(c.Digest, digest) {
		return ErrDigestMismatch
	}
	return k.VerifyCertificate(c, need)
}

/*
Package sign wraps the two signature schemes the scribes use: ED25519 for
proposer and envelope signatures, and threshold BLS over bn256 for the partial
signatures carried by acks and the certificates recovered from them.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

var (
	ErrInvalidKeyLength = errors.New("invalid ED25519 public key length")
	ErrMalformedKey     = errors.New("malformed threshold key")
)

// GenED25519Keys generates a pair of ED25519 keys.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs data with the private key.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifySignEd25519 verifies an ED25519 signature.
func VerifySignEd25519(pub ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, ErrInvalidKeyLength
	}
	return ed25519.Verify(pub, data, sig), nil
}

// GenTSKeys generates n private shares of a (t, n) threshold key and the
// public polynomial committing to it.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial produces a partial signature with a private share.
func SignTSPartial(priv *share.PriShare, data []byte) ([]byte, error) {
	return tbls.Sign(suite, priv, data)
}

// VerifyTSPartial checks a partial signature against the public polynomial.
func VerifyTSPartial(pub *share.PubPoly, data, partial []byte) error {
	return tbls.Verify(suite, pub, data, partial)
}

// PartialIndex returns the share index embedded in a partial signature.
func PartialIndex(partial []byte) (int, error) {
	return tbls.SigShare(partial).Index()
}

// AssembleIntactTSPartial recovers the full threshold signature from at
// least t partial signatures.
func AssembleIntactTSPartial(partials [][]byte, pub *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pub, data, partials, t, n)
}

// VerifyTS verifies a recovered threshold signature against the group key.
func VerifyTS(pub *share.PubPoly, data, sig []byte) (bool, error) {
	if err := bls.Verify(suite, pub.Commit(), data, sig); err != nil {
		return false, err
	}
	return true, nil
}

// EncodeTSPublicKey serializes the commitments of the public polynomial.
func EncodeTSPublicKey(pub *share.PubPoly) ([]byte, error) {
	_, commits := pub.Info()
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(commits)))
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	if len(data) < 4 {
		return nil, ErrMalformedKey
	}
	num := int(binary.BigEndian.Uint32(data[:4]))
	pointLen := suite.G2().PointLen()
	data = data[4:]
	if num == 0 || len(data) != num*pointLen {
		return nil, ErrMalformedKey
	}
	commits := make([]kyber.Point, num)
	for i := 0; i < num; i++ {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[i*pointLen : (i+1)*pointLen]); err != nil {
			return nil, err
		}
		commits[i] = p
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey serializes a private share.
func EncodeTSPartialKey(priv *share.PriShare) ([]byte, error) {
	v, err := priv.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(priv.I))
	return append(out, v...), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) <= 4 {
		return nil, ErrMalformedKey
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data[:4])), V: v}, nil
}

// Package dag defines the vertices, certificates and acknowledgments that
// scribes exchange to build the round-based DAG, and the threshold arithmetic
// shared by every sequencing strategy.
package dag

import (
	"sort"
)

// Certificate is the aggregated quorum signature over one vertex digest.
type Certificate struct {
	Round     int64
	Proposer  string
	Digest    []byte
	Signature []byte   // recovered threshold signature
	Signers   []string // ackers whose partial signatures were aggregated
}

// Vertex is one scribe's proposal for one round. It is a draft while
// Certificate is nil and certified (immutable) afterwards.
type Vertex struct {
	Round     int64
	Proposer  string
	Parents   map[string]*Certificate // previous-round proposer -> certificate
	Events    [][]byte
	Signature []byte            // proposer signature over Digest()
	Acks      map[string][]byte // acker -> partial signature, draft phase only

	Certificate *Certificate
}

// header is the signed part of a vertex.
type header struct {
	Round    int64
	Proposer string
	Parents  []parentRef
	Events   [][]byte
}

type parentRef struct {
	Proposer  string
	Digest    []byte
	Signature []byte
}

// Ack is a scribe's partial signature over a draft vertex it validated.
type Ack struct {
	Round      int64
	Proposer   string
	Acker      string
	Digest     []byte
	PartialSig []byte
}

// LateAck answers a draft for a round the replier already left. It never
// counts toward a quorum.
type LateAck struct {
	Acker        string
	Proposer     string
	DraftRound   int64
	CurrentRound int64
	Certificates map[string]*Certificate // replier's previous-round bundle
}

// MessageKind tags buffered messages.
type MessageKind uint8

const (
	DraftMessage MessageKind = iota + 1
	CertifiedMessage
)

func (k MessageKind) String() string {
	switch k {
	case DraftMessage:
		return "draft"
	case CertifiedMessage:
		return "certified"
	default:
		return "unknown"
	}
}

// BufferedMessage is a vertex received for a round other than the local one,
// kept for replay once the round pointer reaches it.
type BufferedMessage struct {
	Kind       MessageKind
	ObservedAt int64
	Vertex     *Vertex
}

// IsCertified reports whether a quorum certificate is attached.
func (v *Vertex) IsCertified() bool {
	return v != nil && v.Certificate != nil
}

// ParentNames returns the proposers referenced by the parent certificates in
// ascending order.
func (v *Vertex) ParentNames() []string {
	names := make([]string, 0, len(v.Parents))
	for name := range v.Parents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *Vertex) header() header {
	h := header{
		Round:    v.Round,
		Proposer: v.Proposer,
		Events:   v.Events,
	}
	for _, name := range v.ParentNames() {
		cert := v.Parents[name]
		ref := parentRef{Proposer: name}
		if cert != nil {
			ref.Digest = cert.Digest
			ref.Signature = cert.Signature
		}
		h.Parents = append(h.Parents, ref)
	}
	return h
}

// Digest hashes the signed header of the vertex. Acks, the proposer
// signature and the certificate are not covered.
func (v *Vertex) Digest() ([]byte, error) {
	data, err := Encode(v.header())
	if err != nil {
		return nil, err
	}
	return HashSum(data), nil
}

// Copy returns a deep copy that shares no maps with v.
func (v *Vertex) Copy() *Vertex {
	if v == nil {
		return nil
	}
	c := *v
	if v.Parents != nil {
		c.Parents = make(map[string]*Certificate, len(v.Parents))
		for k, cert := range v.Parents {
			c.Parents[k] = cert.Copy()
		}
	}
	if v.Acks != nil {
		c.Acks = make(map[string][]byte, len(v.Acks))
		for k, sig := range v.Acks {
			c.Acks[k] = sig
		}
	}
	c.Events = append([][]byte(nil), v.Events...)
	c.Certificate = v.Certificate.Copy()
	return &c
}

// Copy returns a copy of the certificate.
func (c *Certificate) Copy() *Certificate {
	if c == nil {
		return nil
	}
	cc := *c
	cc.Signers = append([]string(nil), c.Signers...)
	return &cc
}

// Certificates returns the certificates of the given certified vertices keyed
// by proposer, as used for the Parents of the next round.
func Certificates(vertices []*Vertex) map[string]*Certificate {
	certs := make(map[string]*Certificate, len(vertices))
	for _, v := range vertices {
		if v.IsCertified() {
			certs[v.Proposer] = v.Certificate.Copy()
		}
	}
	return certs
}

// SortVertices orders vertices by round descending, then proposer ascending.
func SortVertices(vs []*Vertex) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Round != vs[j].Round {
			return vs[i].Round > vs[j].Round
		}
		return vs[i].Proposer < vs[j].Proposer
	})
}

// Genesis returns the round-0 vertices of the given scribes. They carry no
// parents, events or signatures, and their certificates are implied: every
// scribe derives the same digests locally.
func Genesis(scribes []string) []*Vertex {
	out := make([]*Vertex, 0, len(scribes))
	for _, s := range scribes {
		v := &Vertex{Round: 0, Proposer: s, Parents: map[string]*Certificate{}}
		digest, err := v.Digest()
		if err != nil {
			panic(err)
		}
		v.Certificate = &Certificate{Round: 0, Proposer: s, Digest: digest}
		out = append(out, v)
	}
	return out
}

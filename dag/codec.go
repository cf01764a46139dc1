package dag

import (
	"bytes"
	"crypto/sha256"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

var msgpackHandle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// canonical map key ordering keeps digests identical on every scribe
	h.Canonical = true
	return h
}

// Encode encodes data with msgpack.
func Encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(data); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return buf.Bytes(), nil
}

// Decode decodes msgpack bytes into data, which must be a pointer.
func Decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), msgpackHandle)
	if err := dec.Decode(data); err != nil {
		return errors.Wrap(err, "msgpack decode")
	}
	return nil
}

// HashSum returns the sha256 of data.
func HashSum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

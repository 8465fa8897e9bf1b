package patch

import (
	"errors"
	"fmt"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

var ErrNothingToDecode = errors.New("nothing to decode")

// DecodingError wraps a malformed patch encoding.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string { return fmt.Sprintf("decoding patch: %v", e.Err) }

func (e *DecodingError) Unwrap() error { return e.Err }

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode serializes p deterministically, so that equal patches have equal
// bytes and hashes.
func Encode(p *Patch) ([]byte, error) {
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	return b, nil
}

// Decode parses an encoded patch.
func Decode(b []byte) (*Patch, error) {
	if len(b) == 0 {
		return nil, ErrNothingToDecode
	}
	var p Patch
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, &DecodingError{Err: err}
	}
	for i, c := range p.Changes {
		if (c.NewNodes == nil) == (c.Edges == nil) {
			return nil, &DecodingError{Err: fmt.Errorf("change %d must hold exactly one variant", i)}
		}
	}
	return &p, nil
}

// HashBytes is the external hash of an encoded patch.
func HashBytes(b []byte) graph.Hash {
	h := blake3.New(graph.HashSize, nil)
	h.Write(b)
	var out graph.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Hash encodes p and returns its external hash with the encoding.
func Hash(p *Patch) (graph.Hash, []byte, error) {
	b, err := Encode(p)
	if err != nil {
		return graph.Hash{}, nil, err
	}
	return HashBytes(b), b, nil
}

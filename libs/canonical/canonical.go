// Package canonical implements the stable serialization every hash in the
// chain is computed over.
//
// Values are first encoded with their usual JSON representation, decoded
// back into a generic tree and encoded again with object keys sorted at
// every depth. Numbers are carried through as literals so no float
// rounding can creep in between the two passes.
package canonical

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	plain = jsoniter.Config{
		EscapeHTML: false,
	}.Froze()

	sorted = jsoniter.Config{
		EscapeHTML:  false,
		SortMapKeys: true,
		UseNumber:   true,
	}.Froze()
)

// Marshal returns the canonical byte form of v.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := plain.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical: encode")
	}
	return Normalize(raw)
}

// Normalize re-encodes an arbitrary JSON document in canonical form.
func Normalize(raw []byte) ([]byte, error) {
	var tree interface{}
	if err := sorted.Unmarshal(raw, &tree); err != nil {
		return nil, errors.Wrap(err, "canonical: decode")
	}
	out, err := sorted.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "canonical: re-encode")
	}
	return out, nil
}

// Hash is the content address of v: tmhash over its canonical form.
func Hash(v interface{}) (tmbytes.HexBytes, error) {
	bz, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return tmbytes.HexBytes(tmhash.Sum(bz)), nil
}

// MustHash panics on encoding failure. Only used for values whose encoding
// cannot fail (plain structs of strings, ints and maps).
func MustHash(v interface{}) tmbytes.HexBytes {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

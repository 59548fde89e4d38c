// Package fingerprint detects whether a polled state changed between ticks.
//
// A Token is a fast, non-cryptographic digest of a canonical JSON rendering of
// a value: map keys are sorted at every depth, so two maps holding the same
// entries in a different insertion order produce the same token. Slices keep
// their order; callers that consider element order irrelevant sort first.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Token is an opaque comparison value. The empty Token means "never observed".
type Token string

// Of returns the token of v.
func Of(v any) (Token, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return Token(strconv.FormatUint(xxhash.Sum64(canonical), 16)), nil
}

// MustOf is Of for values built from decoded JSON.
func MustOf(v any) Token {
	tok, err := Of(v)
	if err != nil {
		panic(err)
	}
	return tok
}

// HasChanged reports whether cur differs from prev. A missing previous token
// counts as a change so the first observation is always pushed.
func HasChanged(prev, cur Token) bool {
	return prev == "" || prev != cur
}

// canonicalize round-trips v through a generic JSON tree. encoding/json
// writes map keys in sorted order, including struct-derived ones once they
// are decoded into maps. UseNumber keeps numbers as their original text.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

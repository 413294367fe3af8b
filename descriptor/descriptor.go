// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package descriptor holds the wallet's spending-policy descriptor as an
// opaque value. Parsing and validation of the policy itself belong to the
// policy layer; this package only carries the raw descriptor string around
// for use as a filter key against the Bitcoin backend, and extracts the
// master key fingerprints identifying the authorized signers.
package descriptor

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyDescriptor is returned when constructing a Descriptor from an empty
// string.
var ErrEmptyDescriptor = errors.New("empty descriptor")

// keyOriginRE matches the key origin part of a KEY expression,
// e.g. [b940190e/84'/1'/0'] in wpkh([b940190e/84'/1'/0'/0/0]0300034...).
// The first part must be exactly 8 hex characters for the fingerprint of the
// master key. See
// https://github.com/bitcoin/bitcoin/blob/master/doc/descriptors.md#key-origin-identification
var keyOriginRE = regexp.MustCompile(`\[([[:xdigit:]]{8})[\d'h/]*\]`)

// Descriptor is an output script descriptor describing the wallet's spending
// policy. It is treated as opaque: equality and identity are defined on the
// canonical string, with any trailing checksum stripped so that the same
// policy expressed with and without a checksum compares equal.
type Descriptor struct {
	raw string
}

// New creates a Descriptor from its string form.
func New(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, ErrEmptyDescriptor
	}
	// Strip the "#checksum" suffix, if any.
	if i := strings.LastIndexByte(raw, '#'); i != -1 {
		raw = raw[:i]
	}
	return Descriptor{raw: raw}, nil
}

// String returns the canonical (checksum-less) descriptor string.
func (d Descriptor) String() string {
	return d.raw
}

// Fingerprints returns the master key fingerprints of every key expression
// with origin info in the descriptor, lower-cased, in order of appearance and
// deduplicated. These identify the signers authorized by the policy.
func (d Descriptor) Fingerprints() []string {
	matches := keyOriginRE.FindAllStringSubmatch(d.raw, -1)
	fps := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		fp := strings.ToLower(m[1])
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		fps = append(fps, fp)
	}
	return fps
}

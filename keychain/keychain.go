// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package keychain implements the optional key sequencing mechanism used by
// BOSH to protect sessions against insecure connection hijacking.
//
// The client generates a chain of keys K(n) = hex(SHA-1(K(n-1))) and sends
// them in reverse order: each request must carry a key that hashes to the key
// sent with the previous request.
package keychain // import "mellium.im/bosh/keychain"

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrMismatch is returned when a key is missing, unexpected, or does not hash
// to the previously stored key.
var ErrMismatch = errors.New("keychain: key does not match")

// Chain tracks the most recently accepted key of a session.
// The zero value is a chain with keying disabled.
// A Chain is not safe for concurrent use.
type Chain struct {
	last string
}

// New returns a chain that expects the next key to hash to newkey.
// If newkey is empty, keying is disabled and Check only accepts requests
// without keys.
func New(newkey string) *Chain {
	return &Chain{last: newkey}
}

// Active reports whether keying is enabled for the session.
func (c *Chain) Active() bool {
	return c.last != ""
}

// Check validates the key sent with a request.
// On success the stored value becomes key, or newkey if it is not empty (the
// client switched to a new key sequence).
// On failure the chain is unchanged.
func (c *Chain) Check(key, newkey string) error {
	if !c.Active() {
		if key != "" || newkey != "" {
			return ErrMismatch
		}
		return nil
	}
	if key == "" || !Verify(key, c.last) {
		return ErrMismatch
	}
	c.last = key
	if newkey != "" {
		c.last = newkey
	}
	return nil
}

// Hash returns the hex encoded SHA-1 digest of key.
func Hash(key string) string {
	/* #nosec */
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether key hashes to expected.
func Verify(key, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(key)), []byte(expected)) == 1
}

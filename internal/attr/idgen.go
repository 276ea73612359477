// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// IDLen is the length of the identifiers used for stanzas generated by the
// connection manager itself (resource binding, legacy authentication).
const IDLen = 16

// RandomID generates a new random hex identifier of length IDLen.
// If the OS's entropy pool isn't initialized, or we can't generate random
// numbers for some other reason, RandomID panics.
func RandomID() string {
	return randomID(IDLen, rand.Reader)
}

func randomID(n int, r io.Reader) string {
	b := make([]byte, (n/2)+(n&1))
	if _, err := io.ReadFull(r, b); err != nil {
		panic("attr: could not read enough randomness: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}

// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package codec parses and serializes BOSH <body/> wrappers and the XMPP
// stanzas they carry.
//
// Every stanza read by this package has two representations: a structured
// tree and the exact bytes it was read from.
// The raw form is relayed unmodified whenever it remains valid in its new
// context so that stanzas pass between the HTTP client and the XMPP server
// without re-encoding artifacts.
// When a stanza depends on namespace declarations that will not exist at its
// destination, only the structured form is kept and it is re-encoded.
//
// Be advised: This API is still unstable and is subject to change.
package codec // import "mellium.im/bosh/codec"

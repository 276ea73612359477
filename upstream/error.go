// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upstream

import (
	"encoding/xml"
	"errors"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/ns"
)

// Errors returned while establishing a stream.
var (
	ErrAuthFailed    = errors.New("upstream: authentication failed")
	ErrNoService     = errors.New("upstream: no XMPP service is available at the domain")
	ErrBindFailed    = errors.New("upstream: resource binding failed")
	ErrUnexpected    = errors.New("upstream: unexpected element")
	ErrTLSNotOffered = errors.New("upstream: server does not offer StartTLS")
)

// StreamError is a <stream:error/> sent by the server.
// Stanza is the error element as it was received.
type StreamError struct {
	Condition string
	Text      string
	Stanza    codec.Stanza
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return "upstream: stream error " + e.Condition + ": " + e.Text
	}
	return "upstream: stream error " + e.Condition
}

var streamErrorName = xml.Name{Space: ns.Stream, Local: "error"}

func isStreamError(st codec.Stanza) bool {
	return st.Element != nil && st.Name == streamErrorName
}

func newStreamError(st codec.Stanza) *StreamError {
	e := &StreamError{Stanza: st, Condition: "undefined-condition"}
	for _, child := range st.Elements() {
		if child.Name.Space != ns.Streams {
			continue
		}
		if child.Name.Local == "text" {
			e.Text = child.Text()
			continue
		}
		e.Condition = child.Name.Local
	}
	return e
}

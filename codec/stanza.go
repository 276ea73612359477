// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
)

// Stanza is a top level element carried inside of a <body/> wrapper or an
// XMPP stream.
// Raw is the exact serialization the element was read from, or empty if the
// element must be re-encoded from its structured form.
type Stanza struct {
	*Element
	Raw string
}

// NewStanza returns a stanza that has only a structured representation.
func NewStanza(e *Element) Stanza {
	return Stanza{Element: e}
}

// WriteTo writes the stanza to w, using the raw representation when
// available.
func (s Stanza) WriteTo(w io.Writer) (int64, error) {
	if s.Raw != "" {
		n, err := io.WriteString(w, s.Raw)
		return int64(n), err
	}
	if s.Element == nil {
		return 0, nil
	}
	cw := &countWriter{w: w}
	err := encode(cw, s.Element)
	return cw.n, err
}

// String returns the serialized form of the stanza.
func (s Stanza) String() string {
	if s.Raw != "" || s.Element == nil {
		return s.Raw
	}
	return s.Element.String()
}

func encode(w io.Writer, e *Element) error {
	enc := xml.NewEncoder(w)
	if _, err := xmlstream.Copy(enc, e.TokenReader()); err != nil {
		return err
	}
	return enc.Flush()
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

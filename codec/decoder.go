// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"mellium.im/bosh/internal/ns"
)

// Errors returned by the decoder.
// They are always wrapped in a *ParseError.
var (
	ErrUnboundPrefix   = errors.New("codec: use of undeclared namespace prefix")
	ErrMismatchedEnd   = errors.New("codec: element end does not match start")
	ErrRestrictedXML   = errors.New("codec: comments, processing instructions, and directives are not allowed")
	ErrUnexpectedText  = errors.New("codec: character data outside of a stanza")
	ErrBadDeclaration  = errors.New("codec: invalid namespace declaration")
	ErrTrailingContent = errors.New("codec: content after the end of the root element")
)

// ParseError is returned when the input is not well-formed or violates the
// restrictions XMPP places on XML.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("codec: malformed XML at offset %d: %v", e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Restart is returned by Decoder.Next when the container element is opened
// again before being closed, as happens when an XMPP stream is restarted.
type Restart struct {
	Start xml.StartElement
}

func (r *Restart) Error() string {
	return "codec: stream restarted"
}

type frame struct {
	raw  xml.Name
	decl map[string]string
}

// Decoder reads the children of a container element (a <body/> or an XMPP
// stream) one at a time, keeping both their parsed form and the bytes they
// were read from.
type Decoder struct {
	rec     *recorder
	d       *xml.Decoder
	frames  []frame
	target  string
	started bool
	start   xml.StartElement
}

// NewDecoder returns a decoder that reads a container element from r.
// The raw form of each child is made valid in a context whose default
// namespace is target: if a child inherits a different default namespace from
// its container, a declaration is added to its raw form.
func NewDecoder(r io.Reader, target string) *Decoder {
	rec := &recorder{r: r}
	d := xml.NewDecoder(rec)
	return &Decoder{
		rec:    rec,
		d:      d,
		target: target,
	}
}

func (d *Decoder) offset() int64 {
	return d.d.InputOffset()
}

func (d *Decoder) errorf(err error) error {
	return &ParseError{Offset: d.offset(), Err: err}
}

func (d *Decoder) wrap(err error) error {
	var synErr *xml.SyntaxError
	switch {
	case errors.As(err, &synErr):
		return &ParseError{Offset: d.offset(), Err: err}
	case errors.Is(err, io.EOF):
		return io.ErrUnexpectedEOF
	}
	return err
}

// Start reads until the container start element and returns it with its
// namespaces resolved.
// Calling Start more than once returns the same element.
func (d *Decoder) Start() (xml.StartElement, error) {
	if d.started {
		return d.start, nil
	}
	for {
		tok, err := d.d.RawToken()
		if err != nil {
			return xml.StartElement{}, d.wrap(err)
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target != "xml" {
				return xml.StartElement{}, d.errorf(ErrRestrictedXML)
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return xml.StartElement{}, d.errorf(ErrUnexpectedText)
			}
		case xml.StartElement:
			start, err := d.push(t)
			if err != nil {
				return xml.StartElement{}, err
			}
			d.started = true
			d.start = start
			return start, nil
		default:
			return xml.StartElement{}, d.errorf(ErrRestrictedXML)
		}
	}
}

// Next returns the next child of the container.
// When the container ends, Next returns io.EOF.
// If the container is an XMPP stream and a new stream header is read, Next
// returns a *Restart and continues reading children of the new stream on the
// next call.
func (d *Decoder) Next() (Stanza, error) {
	if _, err := d.Start(); err != nil {
		return Stanza{}, err
	}
	for {
		if len(d.frames) == 0 {
			return Stanza{}, io.EOF
		}
		d.rec.discard(d.offset())
		begin := d.offset()
		tok, err := d.d.RawToken()
		if err != nil {
			return Stanza{}, d.wrap(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return Stanza{}, d.errorf(ErrUnexpectedText)
			}
		case xml.ProcInst:
			// A restarted stream may be preceded by a new XML declaration.
			if t.Target != "xml" {
				return Stanza{}, d.errorf(ErrRestrictedXML)
			}
		case xml.EndElement:
			if t.Name != d.frames[0].raw {
				return Stanza{}, d.errorf(ErrMismatchedEnd)
			}
			d.frames = d.frames[:0]
			return Stanza{}, io.EOF
		case xml.StartElement:
			if d.isRestart(t) {
				d.frames = d.frames[:0]
				start, err := d.push(t)
				if err != nil {
					return Stanza{}, err
				}
				d.start = start
				return Stanza{}, &Restart{Start: start}
			}
			return d.stanza(t, begin)
		default:
			return Stanza{}, d.errorf(ErrRestrictedXML)
		}
	}
}

// Finish reads the remainder of the input after the container has ended and
// returns an error if anything other than whitespace is found.
func (d *Decoder) Finish() error {
	for {
		tok, err := d.d.RawToken()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return d.wrap(err)
		}
		if cd, ok := tok.(xml.CharData); ok && len(bytes.TrimSpace(cd)) == 0 {
			continue
		}
		return d.errorf(ErrTrailingContent)
	}
}

func (d *Decoder) isRestart(t xml.StartElement) bool {
	return d.start.Name.Space == ns.Stream && d.start.Name.Local == "stream" &&
		t.Name == d.frames[0].raw
}

// stanza reads one complete child element whose start token has already been
// read.
func (d *Decoder) stanza(t xml.StartElement, begin int64) (Stanza, error) {
	rootLevel := len(d.frames)
	_, inherited, _ := d.resolve("", rootLevel)
	if inherited == ns.HTTPBind || inherited == "" {
		inherited = ns.Client
	}
	_, ownDefault := declarations(t)[""]

	rawOK := true
	var stack []*Element
	var root *Element
	tok := xml.Token(t)
	for {
		switch tt := tok.(type) {
		case xml.StartElement:
			start, err := d.push(tt)
			if err != nil {
				return Stanza{}, err
			}
			if !d.local(tt, rootLevel) {
				rawOK = false
			}
			el := &Element{Name: start.Name, Attr: start.Attr}
			if tt.Name.Space == "" && (el.Name.Space == ns.HTTPBind || el.Name.Space == "") {
				el.Name.Space = ns.Client
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Child = append(parent.Child, el)
			} else {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			if tt.Name != d.frames[len(d.frames)-1].raw {
				return Stanza{}, d.errorf(ErrMismatchedEnd)
			}
			d.frames = d.frames[:len(d.frames)-1]
			stack = stack[:len(stack)-1]
		case xml.CharData:
			parent := stack[len(stack)-1]
			parent.Child = append(parent.Child, Text(tt))
		default:
			return Stanza{}, d.errorf(ErrRestrictedXML)
		}
		if len(stack) == 0 {
			break
		}
		var err error
		tok, err = d.d.RawToken()
		if err != nil {
			return Stanza{}, d.wrap(err)
		}
	}

	s := Stanza{Element: root}
	if rawOK {
		raw := d.rec.slice(begin, d.offset())
		if !ownDefault && inherited != d.target {
			raw = injectDefault(raw, inherited)
		}
		s.Raw = raw
	}
	return s, nil
}

// local reports whether all prefixes used by t are either declared inside of
// the stanza rooted at level or will be declared at the destination.
func (d *Decoder) local(t xml.StartElement, rootLevel int) bool {
	check := func(prefix string) bool {
		if prefix == "" || prefix == "xml" {
			return true
		}
		level, uri, _ := d.resolve(prefix, len(d.frames))
		if level > rootLevel {
			return true
		}
		switch {
		case prefix == "stream" && uri == ns.Stream:
			return true
		case prefix == "xmpp" && uri == ns.XBOSH && d.target == ns.HTTPBind:
			return true
		}
		return false
	}
	if !check(t.Name.Space) {
		return false
	}
	for _, a := range t.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		if !check(a.Name.Space) {
			return false
		}
	}
	return true
}

// push adds a new scope for t and returns t with its names resolved and
// namespace declarations removed.
func (d *Decoder) push(t xml.StartElement) (xml.StartElement, error) {
	decl := declarations(t)
	for prefix, uri := range decl {
		if (prefix != "" && uri == "") || prefix == "xmlns" || (prefix == "xml" && uri != ns.XML) {
			return xml.StartElement{}, d.errorf(ErrBadDeclaration)
		}
	}
	d.frames = append(d.frames, frame{raw: t.Name, decl: decl})
	level := len(d.frames)

	_, space, ok := d.resolve(t.Name.Space, level)
	if !ok {
		return xml.StartElement{}, d.errorf(ErrUnboundPrefix)
	}
	start := xml.StartElement{Name: xml.Name{Space: space, Local: t.Name.Local}}
	for _, a := range t.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		name := a.Name
		if name.Space != "" {
			_, space, ok := d.resolve(name.Space, level)
			if !ok {
				return xml.StartElement{}, d.errorf(ErrUnboundPrefix)
			}
			name.Space = space
		}
		start.Attr = append(start.Attr, xml.Attr{Name: name, Value: a.Value})
	}
	return start, nil
}

// resolve looks up a namespace prefix in the innermost level frames and
// returns the (1-based) level it was declared at and its value.
// The xml prefix and the empty default namespace resolve at level 0.
func (d *Decoder) resolve(prefix string, level int) (int, string, bool) {
	for i := level - 1; i >= 0; i-- {
		if uri, ok := d.frames[i].decl[prefix]; ok {
			return i + 1, uri, true
		}
	}
	switch prefix {
	case "xml":
		return 0, ns.XML, true
	case "":
		return 0, "", true
	}
	return 0, "", false
}

func declarations(t xml.StartElement) map[string]string {
	var decl map[string]string
	for _, a := range t.Attr {
		var prefix string
		switch {
		case a.Name.Space == "xmlns":
			prefix = a.Name.Local
		case a.Name.Space == "" && a.Name.Local == "xmlns":
		default:
			continue
		}
		if decl == nil {
			decl = make(map[string]string)
		}
		decl[prefix] = a.Value
	}
	return decl
}

// injectDefault adds a default namespace declaration to the start tag of a
// serialized element.
func injectDefault(raw, space string) string {
	end := strings.IndexAny(raw, " \t\r\n/>")
	if end < 0 {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + len(space) + 10)
	b.WriteString(raw[:end])
	b.WriteString(" xmlns='")
	escapeAttr(&b, space)
	b.WriteString("'")
	b.WriteString(raw[end:])
	return b.String()
}

// recorder keeps a copy of everything read from r so that the exact bytes of
// a token range can be recovered from the offsets reported by xml.Decoder.
type recorder struct {
	r    io.Reader
	buf  []byte
	base int64
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.buf = append(r.buf, p[:n]...)
	return n, err
}

func (r *recorder) slice(start, end int64) string {
	return string(r.buf[start-r.base : end-r.base])
}

func (r *recorder) discard(off int64) {
	n := int(off - r.base)
	if n <= 0 {
		return
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
	r.base = off
}

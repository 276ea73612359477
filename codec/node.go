// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/xml"
	"strings"

	"mellium.im/xmlstream"
)

// Node is a member of a parsed XML tree.
// It is always either an *Element or a Text.
type Node interface {
	node()
}

// Text is character data.
type Text string

func (Text) node() {}

// Element is an XML element with resolved namespaces.
// Namespace declarations are not present in Attr, they are implied by the
// names of the element and its attributes.
type Element struct {
	Name  xml.Name
	Attr  []xml.Attr
	Child []Node
}

func (*Element) node() {}

// Attribute returns the value of the first attribute with the provided local
// name and namespace, and whether it was present.
func (e *Element) Attribute(space, local string) (string, bool) {
	for _, a := range e.Attr {
		if a.Name.Space == space && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// Elements returns the child elements of e.
func (e *Element) Elements() []*Element {
	var els []*Element
	for _, c := range e.Child {
		if el, ok := c.(*Element); ok {
			els = append(els, el)
		}
	}
	return els
}

// FirstChild returns the first child element with the given name or nil.
func (e *Element) FirstChild(name xml.Name) *Element {
	for _, c := range e.Child {
		if el, ok := c.(*Element); ok && el.Name == name {
			return el
		}
	}
	return nil
}

// Text returns the concatenated character data that are direct children of
// e.
func (e *Element) Text() string {
	var b strings.Builder
	for _, c := range e.Child {
		if t, ok := c.(Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// TokenReader returns a stream of XML tokens that encode e.
func (e *Element) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(e.Child))
	for _, c := range e.Child {
		switch child := c.(type) {
		case *Element:
			inner = append(inner, child.TokenReader())
		case Text:
			inner = append(inner, xmlstream.Token(xml.CharData(child)))
		}
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: e.Name, Attr: e.Attr},
	)
}

// String encodes e as XML.
// If e cannot be encoded the returned string is empty.
func (e *Element) String() string {
	var b strings.Builder
	if err := encode(&b, e); err != nil {
		return ""
	}
	return b.String()
}

// Equal reports whether e and other are logically identical: they have the
// same name, the same attributes in the same order, and the same children.
// Character data consisting only of whitespace is ignored and adjacent
// character data is merged before comparison.
func (e *Element) Equal(other *Element) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Name != other.Name || len(e.Attr) != len(other.Attr) {
		return false
	}
	for i := range e.Attr {
		if e.Attr[i] != other.Attr[i] {
			return false
		}
	}
	a, b := significant(e.Child), significant(other.Child)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		switch an := a[i].(type) {
		case Text:
			bn, ok := b[i].(Text)
			if !ok || an != bn {
				return false
			}
		case *Element:
			bn, ok := b[i].(*Element)
			if !ok || !an.Equal(bn) {
				return false
			}
		}
	}
	return true
}

func significant(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	var text strings.Builder
	flush := func() {
		if s := text.String(); strings.TrimSpace(s) != "" {
			out = append(out, Text(s))
		}
		text.Reset()
	}
	for _, n := range nodes {
		switch c := n.(type) {
		case Text:
			text.WriteString(string(c))
		default:
			flush()
			out = append(out, c)
		}
	}
	flush()
	return out
}

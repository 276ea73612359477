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
	"strconv"
	"strings"

	"mellium.im/bosh/internal/ns"
)

// MaxRID is the largest request identifier allowed by XEP-0124.
const MaxRID = 1<<53 - 1

// Errors related to body attributes.
// They are always wrapped in a *ParseError.
var (
	ErrNotBody     = errors.New("codec: root element is not an httpbind body")
	ErrInvalidAttr = errors.New("codec: invalid attribute value")
)

// Body is the set of attributes carried by a BOSH <body/> wrapper.
// Numeric attributes that may legitimately be zero are pointers and are nil
// when absent.
// A zero RID is treated as absent.
type Body struct {
	RID       uint64
	SID       string
	To        string
	From      string
	Route     string
	Lang      string
	Ver       string
	Key       string
	NewKey    string
	Type      string
	Condition string
	Content   string
	Accept    string
	AuthID    string
	Secure    bool

	Wait       *int
	Hold       *int
	Inactivity *int
	Window     *int
	Requests   *int
	Polling    *int
	MaxPause   *int
	Pause      *int
	Ack        *uint64

	// Attributes in the urn:xmpp:xbosh namespace (XEP-0206).
	XMPPVersion  string
	Restart      bool
	RestartLogic bool

	// Extra holds any attributes that were not recognized.
	Extra []xml.Attr
}

// Int returns a pointer to v.
// It is a convenience for setting optional numeric attributes.
func Int(v int) *int {
	return &v
}

// Uint returns a pointer to v.
func Uint(v uint64) *uint64 {
	return &v
}

// Parse reads a complete HTTP request body.
// Malformed XML, a root element other than the httpbind <body/>, and invalid
// attribute values all result in a *ParseError.
func Parse(data []byte) (Body, []Stanza, error) {
	d := NewDecoder(bytes.NewReader(data), ns.Client)
	start, err := d.Start()
	if err != nil {
		return Body{}, nil, asParseError(d, err)
	}
	if start.Name.Space != ns.HTTPBind || start.Name.Local != "body" {
		return Body{}, nil, d.errorf(ErrNotBody)
	}
	b, err := parseAttrs(start.Attr)
	if err != nil {
		return Body{}, nil, d.errorf(err)
	}

	var payload []Stanza
	for {
		s, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Body{}, nil, asParseError(d, err)
		}
		payload = append(payload, s)
	}
	if err = d.Finish(); err != nil {
		return Body{}, nil, asParseError(d, err)
	}
	return b, payload, nil
}

func asParseError(d *Decoder, err error) error {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return err
	}
	return d.errorf(err)
}

func parseAttrs(attrs []xml.Attr) (Body, error) {
	var b Body
	for _, a := range attrs {
		var err error
		switch a.Name.Space {
		case "":
			err = b.setAttr(a)
		case ns.XML:
			if a.Name.Local == "lang" {
				b.Lang = a.Value
			} else {
				b.Extra = append(b.Extra, a)
			}
		case ns.XBOSH:
			switch a.Name.Local {
			case "version":
				b.XMPPVersion = a.Value
			case "restart":
				b.Restart, err = parseBool(a.Value)
			case "restartlogic":
				b.RestartLogic, err = parseBool(a.Value)
			default:
				b.Extra = append(b.Extra, a)
			}
		default:
			b.Extra = append(b.Extra, a)
		}
		if err != nil {
			return b, fmt.Errorf("%w: %s=%q", ErrInvalidAttr, a.Name.Local, a.Value)
		}
	}
	return b, nil
}

func (b *Body) setAttr(a xml.Attr) (err error) {
	switch a.Name.Local {
	case "rid":
		b.RID, err = strconv.ParseUint(a.Value, 10, 64)
		if err == nil && b.RID > MaxRID {
			err = strconv.ErrRange
		}
	case "sid":
		b.SID = a.Value
	case "to":
		b.To = a.Value
	case "from":
		b.From = a.Value
	case "route":
		b.Route = a.Value
	case "ver":
		b.Ver = a.Value
	case "key":
		b.Key = a.Value
	case "newkey":
		b.NewKey = a.Value
	case "type":
		b.Type = a.Value
	case "condition":
		b.Condition = a.Value
	case "content":
		b.Content = a.Value
	case "accept":
		b.Accept = a.Value
	case "authid":
		b.AuthID = a.Value
	case "secure":
		b.Secure, err = parseBool(a.Value)
	case "wait":
		b.Wait, err = parseInt(a.Value)
	case "hold":
		b.Hold, err = parseInt(a.Value)
	case "inactivity":
		b.Inactivity, err = parseInt(a.Value)
	case "window":
		b.Window, err = parseInt(a.Value)
	case "requests":
		b.Requests, err = parseInt(a.Value)
	case "polling":
		b.Polling, err = parseInt(a.Value)
	case "maxpause":
		b.MaxPause, err = parseInt(a.Value)
	case "pause":
		b.Pause, err = parseInt(a.Value)
	case "ack":
		var v uint64
		v, err = strconv.ParseUint(a.Value, 10, 64)
		b.Ack = &v
	default:
		b.Extra = append(b.Extra, a)
	}
	return err
}

func parseInt(s string) (*int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 31)
	if err != nil {
		return nil, err
	}
	i := int(v)
	return &i, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

// Marshal returns the encoding of a <body/> wrapper with the provided
// attributes around the payload.
func Marshal(b Body, payload ...Stanza) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.Encode(&buf, payload...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the <body/> wrapper and payload to w.
// We don't use an xml.Encoder because it does not understand the prefixed
// attributes used by XEP-0206 and because the payload must be written as raw
// bytes.
func (b Body) Encode(w io.Writer, payload ...Stanza) (int64, error) {
	cw := &countWriter{w: w}
	var sb strings.Builder
	sb.WriteString("<body")
	for _, a := range b.attrs() {
		sb.WriteByte(' ')
		sb.WriteString(a.Name.Local)
		sb.WriteString("='")
		escapeAttr(&sb, a.Value)
		sb.WriteByte('\'')
	}
	sb.WriteString(` xmlns='` + ns.HTTPBind + `' xmlns:xmpp='` + ns.XBOSH + `' xmlns:stream='` + ns.Stream + `'`)
	if len(payload) == 0 {
		sb.WriteString("/>")
		_, err := io.WriteString(cw, sb.String())
		return cw.n, err
	}
	sb.WriteByte('>')
	if _, err := io.WriteString(cw, sb.String()); err != nil {
		return cw.n, err
	}
	for _, s := range payload {
		if _, err := s.WriteTo(cw); err != nil {
			return cw.n, err
		}
	}
	_, err := io.WriteString(cw, "</body>")
	return cw.n, err
}

// attrs returns the attributes of b in a stable order.
// Prefixed attributes are returned with their prefix in the local name.
func (b Body) attrs() []xml.Attr {
	var attrs []xml.Attr
	str := func(name, v string) {
		if v != "" {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: v})
		}
	}
	num := func(name string, v *int) {
		if v != nil {
			str(name, strconv.Itoa(*v))
		}
	}
	flag := func(name string, v bool) {
		if v {
			str(name, "true")
		}
	}
	str("type", b.Type)
	str("condition", b.Condition)
	str("sid", b.SID)
	if b.RID != 0 {
		str("rid", strconv.FormatUint(b.RID, 10))
	}
	str("to", b.To)
	str("from", b.From)
	str("route", b.Route)
	str("xml:lang", b.Lang)
	num("wait", b.Wait)
	num("hold", b.Hold)
	num("inactivity", b.Inactivity)
	num("window", b.Window)
	num("requests", b.Requests)
	num("polling", b.Polling)
	num("maxpause", b.MaxPause)
	num("pause", b.Pause)
	if b.Ack != nil {
		str("ack", strconv.FormatUint(*b.Ack, 10))
	}
	str("ver", b.Ver)
	str("key", b.Key)
	str("newkey", b.NewKey)
	str("content", b.Content)
	str("accept", b.Accept)
	str("authid", b.AuthID)
	flag("secure", b.Secure)
	str("xmpp:version", b.XMPPVersion)
	flag("xmpp:restart", b.Restart)
	flag("xmpp:restartlogic", b.RestartLogic)
	for _, a := range b.Extra {
		if a.Name.Space == "" {
			str(a.Name.Local, a.Value)
		}
	}
	return attrs
}

func escapeAttr(b *strings.Builder, s string) {
	// xml.EscapeText only fails if the writer fails and strings.Builder never
	// does.
	_ = xml.EscapeText(b, []byte(s))
}

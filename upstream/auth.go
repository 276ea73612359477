// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upstream

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"mellium.im/sasl"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/attr"
	"mellium.im/bosh/internal/ns"
)

// mechanisms is the list of SASL mechanisms used to log in on behalf of
// clients in order of preference.
var mechanisms = []sasl.Mechanism{
	sasl.ScramSha256,
	sasl.ScramSha1,
	sasl.Plain,
}

// startTLS upgrades the transport and restarts the stream.
func (c *Conn) startTLS(cfg *tls.Config) (*codec.Element, error) {
	if _, err := io.WriteString(c.conn, `<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`); err != nil {
		return nil, err
	}
	st, err := c.next()
	if err != nil {
		return nil, err
	}
	switch st.Name {
	case xml.Name{Space: ns.StartTLS, Local: "proceed"}:
	case xml.Name{Space: ns.StartTLS, Local: "failure"}:
		return nil, fmt.Errorf("upstream: StartTLS negotiation failed")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpected, st.Name.Local)
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	c.conn = tlsConn
	c.secure = true
	c.log.Debug("upstream.starttls", slog.Uint64("version", uint64(tlsConn.ConnectionState().Version)))
	return c.open()
}

// authenticate logs in with SASL and restarts the stream.
func (c *Conn) authenticate(features *codec.Element, creds *Credentials) (*codec.Element, error) {
	list := features.FirstChild(xml.Name{Space: ns.SASL, Local: "mechanisms"})
	if list == nil {
		return nil, fmt.Errorf("%w: server does not offer SASL", ErrAuthFailed)
	}
	var remote []string
	for _, m := range list.Elements() {
		if m.Name.Local == "mechanism" {
			remote = append(remote, strings.TrimSpace(m.Text()))
		}
	}
	var (
		selected sasl.Mechanism
		found    bool
	)
	for _, m := range mechanisms {
		for _, name := range remote {
			if name == m.Name {
				selected, found = m, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no supported mechanism in %v", ErrAuthFailed, remote)
	}

	opts := []sasl.Option{
		sasl.RemoteMechanisms(remote...),
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(creds.Username), []byte(creds.Password), []byte(creds.Identity)
		}),
	}
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		opts = append(opts, sasl.TLSState(tlsConn.ConnectionState()))
	}
	client := sasl.NewClient(selected, opts...)

	more, resp, err := client.Step(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if _, err = fmt.Fprintf(c.conn,
		`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='%s'>%s</auth>`,
		selected.Name, encodeSASL(resp),
	); err != nil {
		return nil, err
	}

	for {
		st, err := c.next()
		if err != nil {
			return nil, err
		}
		if st.Name.Space != ns.SASL {
			return nil, fmt.Errorf("%w: %s", ErrUnexpected, st.Name.Local)
		}
		switch st.Name.Local {
		case "challenge":
			challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(st.Text()))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			if more, resp, err = client.Step(challenge); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			if _, err = fmt.Fprintf(c.conn,
				`<response xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>%s</response>`,
				encodeSASL(resp),
			); err != nil {
				return nil, err
			}
		case "success":
			// Additional data with success lets the client verify the server.
			if data := strings.TrimSpace(st.Text()); data != "" && more {
				additional, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
				}
				if _, _, err = client.Step(additional); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
				}
			}
			c.log.Debug("upstream.sasl", slog.String("mechanism", selected.Name))
			return c.reopen()
		case "failure":
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, saslCondition(st.Element))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpected, st.Name.Local)
		}
	}
}

// encodeSASL encodes a SASL response.
// An empty response is sent as "=".
func encodeSASL(resp []byte) string {
	if len(resp) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(resp)
}

func saslCondition(failure *codec.Element) string {
	for _, child := range failure.Elements() {
		if child.Name.Space == ns.SASL && child.Name.Local != "text" {
			return child.Name.Local
		}
	}
	return "undefined-condition"
}

// bind binds a resource to the stream and establishes a session if the server
// requires it.
func (c *Conn) bind(features *codec.Element, resource string) error {
	if features.FirstChild(xml.Name{Space: ns.Bind, Local: "bind"}) == nil {
		return fmt.Errorf("%w: server does not offer resource binding", ErrBindFailed)
	}
	var b strings.Builder
	b.WriteString(`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`)
	if resource != "" {
		b.WriteString(`<resource>`)
		xml.EscapeText(&b, []byte(resource))
		b.WriteString(`</resource>`)
	}
	b.WriteString(`</bind>`)
	result, err := c.iq("set", b.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	bound := result.FirstChild(xml.Name{Space: ns.Bind, Local: "bind"})
	if bound != nil {
		if jid := bound.FirstChild(xml.Name{Space: ns.Bind, Local: "jid"}); jid != nil {
			c.jid = strings.TrimSpace(jid.Text())
		}
	}
	if c.jid == "" {
		return fmt.Errorf("%w: no address in result", ErrBindFailed)
	}

	// RFC 3921 sessions are only established if the server does not mark them
	// as optional.
	if sess := features.FirstChild(xml.Name{Space: ns.Session, Local: "session"}); sess != nil &&
		sess.FirstChild(xml.Name{Space: ns.Session, Local: "optional"}) == nil {
		if _, err := c.iq("set", `<session xmlns='`+ns.Session+`'/>`); err != nil {
			return err
		}
	}
	c.log.Debug("upstream.bind", slog.String("jid", c.jid))
	return nil
}

// legacyAuth logs in using jabber:iq:auth.
func (c *Conn) legacyAuth(creds *Credentials) error {
	var b strings.Builder
	b.WriteString(`<query xmlns='` + ns.LegacyAuth + `'><username>`)
	xml.EscapeText(&b, []byte(creds.Username))
	b.WriteString(`</username><password>`)
	xml.EscapeText(&b, []byte(creds.Password))
	b.WriteString(`</password><resource>`)
	xml.EscapeText(&b, []byte(creds.Resource))
	b.WriteString(`</resource></query>`)
	if _, err := c.iq("set", b.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	c.jid = creds.Username + "@" + c.target.Domain + "/" + creds.Resource
	c.log.Debug("upstream.legacy_auth", slog.String("jid", c.jid))
	return nil
}

// iq sends an IQ with the given payload and waits for its response.
// An IQ of type error is returned as an error.
func (c *Conn) iq(typ, payload string) (*codec.Element, error) {
	id := attr.RandomID()
	if _, err := fmt.Fprintf(c.conn, `<iq type='%s' id='%s'>%s</iq>`, typ, id, payload); err != nil {
		return nil, err
	}
	for {
		st, err := c.next()
		if err != nil {
			return nil, err
		}
		if st.Name.Local != "iq" {
			continue
		}
		if _, respID := attr.Get(st.Attr, "id"); respID != id {
			continue
		}
		switch _, respType := attr.Get(st.Attr, "type"); respType {
		case "result":
			return st.Element, nil
		case "error":
			return nil, fmt.Errorf("upstream: iq error: %s", iqCondition(st.Element))
		default:
			return nil, fmt.Errorf("%w: iq of type %q", ErrUnexpected, respType)
		}
	}
}

func iqCondition(iq *codec.Element) string {
	for _, child := range iq.Elements() {
		if child.Name.Local != "error" {
			continue
		}
		for _, cond := range child.Elements() {
			if cond.Name.Local != "text" {
				return cond.Name.Local
			}
		}
	}
	return "undefined-condition"
}

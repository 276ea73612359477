// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upstream

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/discover"
	"mellium.im/bosh/internal/ns"
)

// Target describes the XMPP service a connection is made to.
type Target struct {
	// Domain is the XMPP domain, sent as the 'to' attribute of the stream
	// header and used to look up the server.
	Domain string

	// Addr, if set, is dialed instead of looking up the domain.
	Addr string

	// Lang is sent as the xml:lang attribute of the stream header.
	Lang string

	// Credentials, if set, are used to authenticate the stream and bind a
	// resource before Connect returns.
	Credentials *Credentials
}

// Credentials are used to log in on behalf of a client.
type Credentials struct {
	Username string
	Password string
	Identity string
	Resource string

	// Legacy selects jabber:iq:auth (XEP-0078) instead of SASL.
	Legacy bool
}

// Handler receives the events of a connection.
// Its methods are called from the goroutine running Serve and must not block
// for long.
type Handler interface {
	// HandleStanza is called for every top level element read from the server.
	HandleStanza(codec.Stanza)

	// HandleError is called once when the stream ends.
	// The error is io.EOF if the server closed the stream cleanly or a
	// *StreamError if it sent a stream error.
	HandleError(error)
}

// A Dialer contains options for connecting to an XMPP server.
//
// The zero value for each field is equivalent to dialing without that option.
type Dialer struct {
	// Resolver is used to look up SRV records.
	// If nil, net.DefaultResolver is used.
	Resolver discover.Resolver

	// Dial opens the TCP connection.
	// If nil, a net.Dialer is used.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSConfig is used when negotiating StartTLS.
	// If nil a default configuration with the target domain as the server name
	// is used.
	TLSConfig *tls.Config

	// NoTLS disables StartTLS negotiation.
	NoTLS bool

	// RequireTLS fails the connection with ErrTLSNotOffered if the server does
	// not offer StartTLS.
	// It has no effect if NoTLS is set or the connection is already secure.
	RequireTLS bool

	// WriteTimeout bounds each write to the server after the connection is
	// established.
	// A write that times out fails and the connection should be closed.
	// If zero, DefaultWriteTimeout is used.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultWriteTimeout is the write timeout used by a Dialer with no
// WriteTimeout.
const DefaultWriteTimeout = 30 * time.Second

// Connect dials the server for t, opens a stream and negotiates its features.
// If t has credentials the stream is authenticated and a resource is bound.
// Once Connect returns, h receives everything the server sends after Serve is
// called.
func (d *Dialer) Connect(ctx context.Context, t Target, h Handler) (*Conn, error) {
	conn, err := d.dial(ctx, t)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock any pending reads or writes.
		conn.SetDeadline(time.Now())
	})

	c := newConn(conn, t, h, d.logger())
	c.writeTimeout = d.WriteTimeout
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if _, secure := conn.(*tls.Conn); secure {
		c.secure = true
	}
	err = c.negotiate(d)
	canceled := !stop()
	if err == nil && canceled {
		err = ctx.Err()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(ctxErr, err)
		}
		c.conn.Close()
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dialer) dialFunc() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Dial != nil {
		return d.Dial
	}
	var nd net.Dialer
	return nd.DialContext
}

// dial connects to the route of t if it has one, otherwise to each address
// found for the domain in order until one succeeds.
func (d *Dialer) dial(ctx context.Context, t Target) (net.Conn, error) {
	dial := d.dialFunc()
	if t.Addr != "" {
		return dial(ctx, "tcp", t.Addr)
	}

	addrs, err := discover.LookupService(ctx, d.Resolver, "xmpp-client", t.Domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoService
	}
	var errs []error
	for _, addr := range addrs {
		host := strings.TrimSuffix(addr.Target, ".")
		conn, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(addr.Port))))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// negotiate opens the stream and negotiates StartTLS, authentication and
// resource binding as required.
func (c *Conn) negotiate(d *Dialer) error {
	features, err := c.open()
	if err != nil {
		return err
	}

	offered := features.FirstChild(xml.Name{Space: ns.StartTLS, Local: "starttls"}) != nil
	switch {
	case c.secure || d.NoTLS:
	case !offered && d.RequireTLS:
		return ErrTLSNotOffered
	case offered:
		cfg := d.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: c.target.Domain, MinVersion: tls.VersionTLS12}
		}
		if features, err = c.startTLS(cfg); err != nil {
			return err
		}
	}

	creds := c.target.Credentials
	if creds == nil {
		return nil
	}
	if creds.Legacy {
		return c.legacyAuth(creds)
	}
	if features, err = c.authenticate(features, creds); err != nil {
		return err
	}
	return c.bind(features, creds.Resource)
}

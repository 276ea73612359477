// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upstream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/attr"
	"mellium.im/bosh/internal/ns"
)

const closeTimeout = time.Second

var featuresName = xml.Name{Space: ns.Stream, Local: "features"}

// Conn is a client-to-server XMPP stream opened on behalf of a BOSH session.
type Conn struct {
	conn   net.Conn
	dec    *codec.Decoder
	h      Handler
	log    *slog.Logger
	target Target
	secure bool
	jid    string

	wmu          sync.Mutex
	writeTimeout time.Duration

	mu       sync.Mutex
	streamID string
	features codec.Stanza

	closed atomic.Bool
}

func newConn(conn net.Conn, t Target, h Handler, log *slog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		h:      h,
		log:    log.With(slog.String("to", t.Domain)),
		target: t,
	}
}

// Features returns the most recent stream features sent by the server.
func (c *Conn) Features() codec.Stanza {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

// StreamID returns the ID of the current stream as assigned by the server.
func (c *Conn) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// Secure reports whether the connection to the server is encrypted.
func (c *Conn) Secure() bool {
	return c.secure
}

// JID returns the address bound to the stream, or the empty string if the
// connection manager did not authenticate the stream.
func (c *Conn) JID() string {
	return c.jid
}

// Send writes stanzas to the server in order.
// If the server does not read them within the write timeout an error wrapping
// os.ErrDeadlineExceeded is returned.
func (c *Conn) Send(stanzas ...codec.Stanza) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	for _, st := range stanzas {
		if _, err := st.WriteTo(c.conn); err != nil {
			return err
		}
	}
	return nil
}

// Restart sends a new stream header.
// The response header and stream features are read by Serve, which reports
// the features to the handler.
func (c *Conn) Restart() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return c.writeHeader()
}

func (c *Conn) setWriteDeadline() error {
	if c.writeTimeout <= 0 {
		return nil
	}
	return c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
}

// Close ends the stream and closes the underlying connection.
// Once Close is called the handler will not receive any more events.
// Calling Close more than once has no effect.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	// If a write is still in progress the stream cannot be ended cleanly;
	// closing the connection unblocks the writer.
	var err error
	if c.wmu.TryLock() {
		err = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		if err == nil {
			_, err = io.WriteString(c.conn, `</stream:stream>`)
		}
		c.wmu.Unlock()
	}
	if closeErr := c.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Serve reads from the stream until it ends or the connection is closed.
// Stanzas are passed to the handler and the reason the stream ended is
// reported through HandleError.
// If the connection was closed by Close, Serve returns nil and the handler is
// not called.
func (c *Conn) Serve() error {
	for {
		st, err := c.dec.Next()
		if c.closed.Load() {
			return nil
		}
		var restart *codec.Restart
		switch {
		case errors.As(err, &restart):
			c.setStream(restart.Start)
			c.log.Debug("upstream.restart", slog.String("id", c.StreamID()))
			continue
		case errors.Is(err, io.EOF):
			c.h.HandleError(io.EOF)
			return nil
		case err != nil:
			c.h.HandleError(err)
			return err
		}

		if isStreamError(st) {
			streamErr := newStreamError(st)
			c.h.HandleError(streamErr)
			return streamErr
		}
		if st.Element != nil && st.Name == featuresName {
			c.mu.Lock()
			c.features = st
			c.mu.Unlock()
		}
		c.h.HandleStanza(st)
	}
}

func (c *Conn) setStream(start xml.StartElement) {
	_, id := attr.Get(start.Attr, "id")
	c.mu.Lock()
	c.streamID = id
	c.mu.Unlock()
}

func (c *Conn) writeHeader() error {
	var b strings.Builder
	b.WriteString(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' to='`)
	xml.EscapeText(&b, []byte(c.target.Domain))
	b.WriteString(`'`)
	if c.target.Lang != "" {
		b.WriteString(` xml:lang='`)
		xml.EscapeText(&b, []byte(c.target.Lang))
		b.WriteString(`'`)
	}
	b.WriteString(`>`)
	_, err := io.WriteString(c.conn, b.String())
	return err
}

// open sends a stream header on a fresh transport and reads the server's
// header and features.
func (c *Conn) open() (*codec.Element, error) {
	c.dec = codec.NewDecoder(c.conn, ns.HTTPBind)
	if err := c.writeHeader(); err != nil {
		return nil, err
	}
	start, err := c.dec.Start()
	if err != nil {
		return nil, err
	}
	if start.Name != (xml.Name{Space: ns.Stream, Local: "stream"}) {
		return nil, fmt.Errorf("%w: %s", ErrUnexpected, start.Name.Local)
	}
	c.setStream(start)
	return c.readFeatures()
}

// reopen sends a new stream header on the current transport and reads the
// server's header and features.
func (c *Conn) reopen() (*codec.Element, error) {
	if err := c.writeHeader(); err != nil {
		return nil, err
	}
	_, err := c.dec.Next()
	var restart *codec.Restart
	if !errors.As(err, &restart) {
		if err == nil {
			err = ErrUnexpected
		}
		return nil, err
	}
	c.setStream(restart.Start)
	return c.readFeatures()
}

func (c *Conn) readFeatures() (*codec.Element, error) {
	st, err := c.next()
	if err != nil {
		return nil, err
	}
	if st.Name != featuresName {
		return nil, fmt.Errorf("%w: want stream features, got %s", ErrUnexpected, st.Name.Local)
	}
	c.mu.Lock()
	c.features = st
	c.mu.Unlock()
	return st.Element, nil
}

// next reads the next element during negotiation.
// A stream error or the end of the stream are returned as errors.
func (c *Conn) next() (codec.Stanza, error) {
	st, err := c.dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return codec.Stanza{}, err
	}
	if isStreamError(st) {
		return codec.Stanza{}, newStreamError(st)
	}
	return st, nil
}

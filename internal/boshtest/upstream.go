// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package boshtest

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"mellium.im/bosh"
	"mellium.im/bosh/codec"
	"mellium.im/bosh/upstream"
)

// DefaultFeatures are the stream features advertised by an Upstream unless
// others are set.
const DefaultFeatures = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`

// Upstream is an in memory XMPP stream that records what is sent to it and
// lets tests inject what the server sends.
type Upstream struct {
	Target upstream.Target

	h        upstream.Handler
	features codec.Stanza
	id       string
	jid      string

	mu       sync.Mutex
	sent     []codec.Stanza
	restarts int
	closed   bool
	sentCh   chan codec.Stanza
	done     chan struct{}
}

// NewUpstream returns a stream with the given ID that reports events to h.
func NewUpstream(id string, t upstream.Target, h upstream.Handler) *Upstream {
	u := &Upstream{
		Target:   t,
		h:        h,
		id:       id,
		features: codec.Stanza{Raw: DefaultFeatures},
		sentCh:   make(chan codec.Stanza, 100),
		done:     make(chan struct{}),
	}
	if t.Credentials != nil {
		u.jid = t.Credentials.Username + "@" + t.Domain + "/" + t.Credentials.Resource
	}
	return u
}

// Serve blocks until the stream is closed.
func (u *Upstream) Serve() error {
	<-u.done
	return nil
}

// Send records stanzas.
func (u *Upstream) Send(stanzas ...codec.Stanza) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return net.ErrClosed
	}
	u.sent = append(u.sent, stanzas...)
	for _, st := range stanzas {
		select {
		case u.sentCh <- st:
		default:
		}
	}
	return nil
}

// Restart counts the restart and reports the stream features to the handler.
func (u *Upstream) Restart() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return net.ErrClosed
	}
	u.restarts++
	u.mu.Unlock()
	u.h.HandleStanza(u.features)
	return nil
}

// Close marks the stream as closed.
func (u *Upstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.done)
	}
	return nil
}

// Features returns the features sent when the stream was opened.
func (u *Upstream) Features() codec.Stanza { return u.features }

// StreamID returns the ID the stream was created with.
func (u *Upstream) StreamID() string { return u.id }

// Secure always returns false.
func (u *Upstream) Secure() bool { return false }

// JID returns the address bound using the target's credentials, if any.
func (u *Upstream) JID() string { return u.jid }

// Deliver reports a stanza from the server.
func (u *Upstream) Deliver(raw string) {
	u.h.HandleStanza(codec.Stanza{Raw: raw})
}

// DeliverStanza reports a structured stanza from the server.
func (u *Upstream) DeliverStanza(st codec.Stanza) {
	u.h.HandleStanza(st)
}

// Fail ends the stream with err.
// If err is nil the stream ends cleanly.
func (u *Upstream) Fail(err error) {
	if err == nil {
		err = io.EOF
	}
	u.h.HandleError(err)
}

// Sent returns the stanzas that were sent so far.
func (u *Upstream) Sent() []codec.Stanza {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]codec.Stanza(nil), u.sent...)
}

// WaitSent waits for the next stanza to be sent or for the timeout to elapse.
func (u *Upstream) WaitSent(timeout time.Duration) (codec.Stanza, bool) {
	select {
	case st := <-u.sentCh:
		return st, true
	case <-time.After(timeout):
		return codec.Stanza{}, false
	}
}

// Restarts returns the number of times the stream was restarted.
func (u *Upstream) Restarts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.restarts
}

// Closed reports whether the stream was closed.
func (u *Upstream) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Connector creates an Upstream for each session.
type Connector struct {
	mu      sync.Mutex
	err     error
	streams []*Upstream
}

// NewConnector returns a connector that creates in memory streams.
func NewConnector() *Connector {
	return &Connector{}
}

// Connect satisfies bosh.Connector.
func (c *Connector) Connect(ctx context.Context, t upstream.Target, h upstream.Handler) (bosh.Upstream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	u := NewUpstream("stream"+strconv.Itoa(len(c.streams)), t, h)
	c.streams = append(c.streams, u)
	return u, nil
}

// SetError makes future connections fail with err.
// If err is nil connections succeed again.
func (c *Connector) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Last returns the most recently created stream or nil.
func (c *Connector) Last() *Upstream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

var _ bosh.Connector = (*Connector)(nil)
var _ bosh.Upstream = (*Upstream)(nil)

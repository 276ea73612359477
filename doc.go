// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements a connection manager for Bidirectional-streams Over
// Synchronous HTTP (BOSH) as defined in XEP-0124 and XEP-0206.
//
// A connection manager lets clients that can only make HTTP requests, such as
// web browsers, take part in a long lived XMPP session.
// Each BOSH session is bridged to one client-to-server XMPP stream: stanzas
// sent by the client in the body of a request are written to the stream, and
// stanzas read from the stream are returned in the bodies of responses to
// requests that the connection manager holds open until there is something to
// deliver.
//
// Sessions are created and tracked by a Manager and served over HTTP by a
// Handler:
//
//	m := bosh.NewManager(bosh.Config{
//		MaxWait: 60 * time.Second,
//	})
//	defer m.Close()
//	http.Handle("/http-bind", bosh.NewHandler(m))
//
// Requests are processed strictly in order of their request ID (rid).
// Requests that arrive early are held until the gap is filled, and the last
// few responses are cached so that a client retransmitting a request after a
// network failure receives the same response again.
//
// All state belonging to a session is owned by a serial run queue, so the
// HTTP handlers and the goroutine reading from the XMPP server never share
// memory directly.
package bosh // import "mellium.im/bosh"

// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package boshtest provides fake XMPP servers for testing the connection
// manager.
package boshtest // import "mellium.im/bosh/internal/boshtest"

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"testing"
)

// StreamHeader is the start of a server-to-client stream with the given ID.
func StreamHeader(id string) string {
	return fmt.Sprintf(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' from='example.net' id='%s'>`, id)
}

type testWriter struct {
	prefix string
	t      testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s: %s", w.prefix, p)
	return len(p), nil
}

// Server is the server side of a scripted XMPP stream.
type Server struct {
	t    testing.TB
	conn net.Conn
	d    *xml.Decoder
	w    io.Writer
}

// Pipe starts script on the server end of an in memory connection and
// returns the client end.
// Once script returns, everything the client writes is discarded until the
// connection is closed.
func Pipe(t testing.TB, script func(*Server)) net.Conn {
	client, server := net.Pipe()
	s := &Server{
		t:    t,
		conn: server,
		d:    xml.NewDecoder(io.TeeReader(server, testWriter{t: t, prefix: "Recv"})),
		w:    io.MultiWriter(server, testWriter{t: t, prefix: "Sent"}),
	}
	go func() {
		defer server.Close()
		script(s)
		io.Copy(io.Discard, server)
	}()
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

// Dial returns a dial function that always returns conn.
func Dial(conn net.Conn) func(context.Context, string, string) (net.Conn, error) {
	return func(context.Context, string, string) (net.Conn, error) {
		return conn, nil
	}
}

// Expect reads until the next start element and reports an error if its local
// name is not local.
func (s *Server) Expect(local string) xml.StartElement {
	for {
		tok, err := s.d.Token()
		if err != nil {
			s.t.Errorf("server: error reading %s: %v", local, err)
			return xml.StartElement{}
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != local {
				s.t.Errorf("server: got element %s, want %s", start.Name.Local, local)
			}
			return start
		}
	}
}

// Decode decodes the element started by start into v.
func (s *Server) Decode(v interface{}, start xml.StartElement) {
	if err := s.d.DecodeElement(v, &start); err != nil {
		s.t.Errorf("server: error decoding %s: %v", start.Name.Local, err)
	}
}

// Send writes a formatted string to the client.
func (s *Server) Send(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		s.t.Logf("server: error writing: %v", err)
	}
}

// Open reads the client's stream header and answers with a header using id
// followed by features.
func (s *Server) Open(id, features string) xml.StartElement {
	start := s.Expect("stream")
	s.Send("%s<stream:features>%s</stream:features>", StreamHeader(id), features)
	return start
}

// Attr returns the value of the first attribute of start with the given local
// name.
func Attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

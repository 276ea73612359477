// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the bosh package and
// other internal packages.
package ns // import "mellium.im/bosh/internal/ns"

// List of commonly used namespaces.
const (
	HTTPBind   = "http://jabber.org/protocol/httpbind"
	XBOSH      = "urn:xmpp:xbosh"
	Client     = "jabber:client"
	Stream     = "http://etherx.jabber.org/streams"
	Streams    = "urn:ietf:params:xml:ns:xmpp-streams"
	Bind       = "urn:ietf:params:xml:ns:xmpp-bind"
	Session    = "urn:ietf:params:xml:ns:xmpp-session"
	SASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS   = "urn:ietf:params:xml:ns:xmpp-tls"
	LegacyAuth = "jabber:iq:auth"
	XML        = "http://www.w3.org/XML/1998/namespace"
)

// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover is used to look up the XMPP servers that sessions are
// bridged to and to advertise the BOSH endpoint itself.
package discover // import "mellium.im/bosh/internal/discover"

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
)

const (
	boshRel = "urn:xmpp:alt-connections:xbosh"

	// HostMetaPath is the well known path of the host metadata document.
	HostMetaPath = "/.well-known/host-meta"
)

// XRD represents an Extensible Resource Descriptor document of the form:
//
//	<?xml version='1.0' encoding=utf-8'?>
//	<XRD xmlns='http://docs.oasis-open.org/ns/xri/xrd-1.0'>
//	  <Link rel="urn:xmpp:alt-connections:xbosh"
//	        href="https://web.example.com:5280/bosh" />
//	</XRD>
//
// as defined by RFC 6415 and OASIS.XRD-1.0.
type XRD struct {
	XMLName xml.Name `xml:"http://docs.oasis-open.org/ns/xri/xrd-1.0 XRD" json:"-"`
	Links   []Link   `xml:"Link" json:"links"`
}

// Link is an individual hyperlink in an XRD document.
type Link struct {
	Rel  string `xml:"rel,attr" json:"rel"`
	Href string `xml:"href,attr" json:"href"`
}

// HostMeta returns an XRD document advertising the provided BOSH endpoints as
// described in XEP-0156.
func HostMeta(urls ...string) XRD {
	xrd := XRD{}
	for _, u := range urls {
		xrd.Links = append(xrd.Links, Link{Rel: boshRel, Href: u})
	}
	return xrd
}

// Resolver looks up SRV records.
// It is implemented by *net.Resolver.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	ok := errors.As(err, &dnsErr)
	return ok && dnsErr.IsNotFound
}

// Errors returned by this package.
var (
	ErrInvalidService = errors.New("service must be one of xmpp-client or xmpps-client")
	ErrInvalidRoute   = errors.New("route must be of the form xmpp:host:port")
)

// FallbackRecords returns fake SRV records based on the service that can be
// used if no actual SRV records can be found but we believe that an XMPP
// service exists at the given domain.
func FallbackRecords(service, domain string) []*net.SRV {
	switch service {
	case "xmpp-client":
		return []*net.SRV{{
			Target: domain,
			Port:   5222,
		}}
	case "xmpps-client":
		return []*net.SRV{{
			Target: domain,
			Port:   5223,
		}}
	}
	return nil
}

// LookupService looks for an XMPP service hosted by the given domain.
// It returns addresses from SRV records and if none are found returns
// fallback records using the domain and the default port of the service.
// If the target of the only record is "." it is removed and an empty list is
// returned.
// Service should be one of "xmpp-client" or "xmpps-client".
// If resolver is nil, net.DefaultResolver is used.
func LookupService(ctx context.Context, resolver Resolver, service, domain string) (addrs []*net.SRV, err error) {
	switch service {
	case "xmpp-client", "xmpps-client":
	default:
		return nil, ErrInvalidService
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err = resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		return FallbackRecords(service, domain), nil
	}
	if len(addrs) == 0 {
		return FallbackRecords(service, domain), nil
	}

	// RFC 6120 §3.2.1
	//    3.  If a response is received, it will contain one or more
	//        combinations of a port and FDQN, each of which is weighted and
	//        prioritized as described in [DNS-SRV].  (However, if the result
	//        of the SRV lookup is a single resource record with a Target of
	//        ".", i.e., the root domain, then the initiating entity MUST abort
	//        SRV processing at this point because according to [DNS-SRV] such
	//        a Target "means that the service is decidedly not available at
	//        this domain".)
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, nil
	}
	return addrs, nil
}

// ParseRoute parses a BOSH route attribute of the form "xmpp:host:port" and
// returns an address suitable for dialing.
// IPv6 literals must be bracketed ("xmpp:[::1]:5222").
func ParseRoute(route string) (string, error) {
	proto, hostport, ok := strings.Cut(route, ":")
	if !ok || proto != "xmpp" {
		return "", ErrInvalidRoute
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return "", ErrInvalidRoute
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return "", ErrInvalidRoute
	}
	return net.JoinHostPort(host, port), nil
}

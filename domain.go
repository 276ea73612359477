// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

var errEmptyDomain = errors.New("bosh: empty domain")

// DomainPolicy restricts the XMPP domains that sessions may be opened to.
//
// Each pattern is either a domain name that must match exactly, a domain name
// with a leading "." or "*." that matches the domain and all of its
// subdomains, or a lone "*" that matches everything.
// Domains are compared after conversion to their IDNA ASCII form.
// The zero value allows all domains.
type DomainPolicy struct {
	// If Allow is not empty, only domains matching one of the patterns are
	// allowed.
	Allow []string

	// Domains matching any pattern in Deny are refused even if they are also
	// allowed.
	Deny []string
}

// NormalizeDomain returns the canonical form of an XMPP domainpart.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", errEmptyDomain
	}
	return idna.Lookup.ToASCII(domain)
}

// Allowed reports whether a session may be opened to domain.
func (p DomainPolicy) Allowed(domain string) bool {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return false
	}
	for _, pattern := range p.Deny {
		if match(pattern, d) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if match(pattern, d) {
			return true
		}
	}
	return false
}

func match(pattern, domain string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "*" {
		return true
	}
	suffix := false
	switch {
	case strings.HasPrefix(pattern, "*."):
		pattern = pattern[2:]
		suffix = true
	case strings.HasPrefix(pattern, "."):
		pattern = pattern[1:]
		suffix = true
	}
	pattern, err := NormalizeDomain(pattern)
	if err != nil {
		return false
	}
	if domain == pattern {
		return true
	}
	return suffix && strings.HasSuffix(domain, "."+pattern)
}

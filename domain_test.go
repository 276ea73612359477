// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh_test

import (
	"fmt"
	"testing"

	"mellium.im/bosh"
)

var domainTests = [...]struct {
	policy  bosh.DomainPolicy
	domain  string
	allowed bool
}{
	0: {domain: "example.net", allowed: true},
	1: {domain: "", allowed: false},
	2: {policy: bosh.DomainPolicy{Allow: []string{"example.net"}}, domain: "example.net", allowed: true},
	3: {policy: bosh.DomainPolicy{Allow: []string{"example.net"}}, domain: "EXAMPLE.net.", allowed: true},
	4: {policy: bosh.DomainPolicy{Allow: []string{"example.net"}}, domain: "chat.example.net", allowed: false},
	5: {policy: bosh.DomainPolicy{Allow: []string{".example.net"}}, domain: "chat.example.net", allowed: true},
	6: {policy: bosh.DomainPolicy{Allow: []string{"*.example.net"}}, domain: "example.net", allowed: true},
	7: {policy: bosh.DomainPolicy{Allow: []string{".example.net"}}, domain: "badexample.net", allowed: false},
	8: {policy: bosh.DomainPolicy{Deny: []string{"example.org"}}, domain: "example.org", allowed: false},
	9: {policy: bosh.DomainPolicy{Deny: []string{"example.org"}}, domain: "example.net", allowed: true},
	10: {
		policy:  bosh.DomainPolicy{Allow: []string{"*"}, Deny: []string{".evil.example"}},
		domain:  "a.evil.example",
		allowed: false,
	},
	11: {policy: bosh.DomainPolicy{Allow: []string{"bücher.example"}}, domain: "xn--bcher-kva.example", allowed: true},
	12: {policy: bosh.DomainPolicy{Allow: []string{"xn--bcher-kva.example"}}, domain: "Bücher.example", allowed: true},
}

func TestDomainPolicy(t *testing.T) {
	for i, tc := range domainTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if allowed := tc.policy.Allowed(tc.domain); allowed != tc.allowed {
				t.Errorf("wrong result for %q: want=%t, got=%t", tc.domain, tc.allowed, allowed)
			}
		})
	}
}

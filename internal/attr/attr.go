// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains unexported functionality related to XML attributes.
package attr // import "mellium.im/bosh/internal/attr"

import (
	"encoding/xml"
)

// Get returns the value of the first unqualified attribute with the provided
// local name from a list of attributes or an empty string if no such attribute
// exists.
// The index of the attribute is also returned, or -1 if it was not found.
func Get(attr []xml.Attr, local string) (int, string) {
	return GetNS(attr, "", local)
}

// GetNS is like Get except that the attribute must be qualified by the
// provided namespace.
func GetNS(attr []xml.Attr, space, local string) (int, string) {
	for i, a := range attr {
		if a.Name.Local == local && a.Name.Space == space {
			return i, a.Value
		}
	}
	return -1, ""
}

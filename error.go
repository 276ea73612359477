// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"errors"
	"net/http"

	"mellium.im/bosh/codec"
)

// A list of BOSH error conditions defined in XEP-0124 §17 and XEP-0206.
var (
	// BadRequest is returned when the format of an HTTP header or body is
	// unacceptable, or a required attribute is missing or invalid.
	BadRequest = Error{Condition: "bad-request"}

	// HostGone is returned when the target domain specified in the 'to'
	// attribute or the target host or port specified in the 'route' attribute
	// is no longer serviced by the connection manager.
	HostGone = Error{Condition: "host-gone"}

	// HostUnknown is returned when the target domain specified in the 'to'
	// attribute or the target host or port specified in the 'route' attribute is
	// unknown to the connection manager or not allowed by its configuration.
	HostUnknown = Error{Condition: "host-unknown"}

	// ImproperAddressing is returned when the session creation request lacks a
	// 'to' attribute or the attribute has no value.
	ImproperAddressing = Error{Condition: "improper-addressing"}

	// InternalServerError is returned when the connection manager has
	// experienced an internal error that prevents it from servicing the request.
	InternalServerError = Error{Condition: "internal-server-error"}

	// ItemNotFound is returned when the session ID is unknown, the request ID is
	// out of the window, or the key sequence is invalid.
	ItemNotFound = Error{Condition: "item-not-found"}

	// NotAuthorized is returned when the client attempted an action before it
	// was authorized to perform it.
	NotAuthorized = Error{Condition: "not-authorized"}

	// OtherRequest is returned when another request being processed at the same
	// time caused the session to terminate.
	OtherRequest = Error{Condition: "other-request"}

	// PolicyViolation is returned when the client has broken the session rules
	// (polling too frequently, requesting too long a pause, or opening too many
	// sessions).
	PolicyViolation = Error{Condition: "policy-violation"}

	// RemoteConnectionFailed is returned when the connection manager was unable
	// to connect to, or has lost its connection to, the XMPP server.
	RemoteConnectionFailed = Error{Condition: "remote-connection-failed"}

	// RemoteStreamError is returned when the XMPP server sent a stream error.
	// The <stream:error/> element is included as the payload.
	RemoteStreamError = Error{Condition: "remote-stream-error"}

	// SeeOtherURI is returned when the connection manager does not operate at
	// this URI.
	SeeOtherURI = Error{Condition: "see-other-uri"}

	// SystemShutdown is returned when the connection manager is being shut down.
	SystemShutdown = Error{Condition: "system-shutdown"}

	// UndefinedCondition is returned when the error is not one of those defined
	// by the other conditions in this list.
	UndefinedCondition = Error{Condition: "undefined-condition"}
)

// Values of the BOSH 'type' attribute sent with errors.
const (
	TypeTerminate = "terminate"
	TypeModify    = "modify"
	TypeCancel    = "cancel"
	TypeWait      = "wait"
)

type reply struct {
	status int
	typ    string
}

var conditions = map[string]reply{
	"bad-request":           {http.StatusBadRequest, TypeModify},
	"not-authorized":        {http.StatusUnauthorized, TypeCancel},
	"item-not-found":        {http.StatusNotFound, TypeCancel},
	"policy-violation":      {http.StatusForbidden, TypeTerminate},
	"internal-server-error": {http.StatusInternalServerError, TypeWait},
}

// Error is a BOSH error condition.
// Errors are sent to the client as a <body/> with a 'type' and 'condition'
// attribute and an HTTP status code that depends on the condition.
type Error struct {
	Condition string

	// Payload is sent to the client as the children of the error body.
	Payload []codec.Stanza

	// Err is the underlying cause, it is never sent to the client.
	Err error
}

// Error satisfies the builtin error interface.
// An Error without a condition is a normal termination of the session.
func (e Error) Error() string {
	cond := e.Condition
	if cond == "" {
		cond = TypeTerminate
	}
	if e.Err != nil {
		return cond + ": " + e.Err.Error()
	}
	return cond
}

// Unwrap returns the underlying cause of e.
func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error with the same condition.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Condition == e.Condition
}

// Wrap returns a copy of e with err as its cause.
func (e Error) Wrap(err error) Error {
	e.Err = err
	return e
}

// WithPayload returns a copy of e that carries the provided stanzas.
func (e Error) WithPayload(payload ...codec.Stanza) Error {
	e.Payload = append(e.Payload[:len(e.Payload):len(e.Payload)], payload...)
	return e
}

// Status returns the HTTP status code used to report e.
// Conditions that terminate the session are sent with 200 OK.
func (e Error) Status() int {
	if r, ok := conditions[e.Condition]; ok {
		return r.status
	}
	return http.StatusOK
}

// Type returns the value of the BOSH 'type' attribute used to report e.
func (e Error) Type() string {
	if r, ok := conditions[e.Condition]; ok {
		return r.typ
	}
	return TypeTerminate
}

// Terminal reports whether e ends the session.
func (e Error) Terminal() bool {
	return e.Type() == TypeTerminate
}

// Body returns the attributes of the <body/> used to report e.
func (e Error) Body() codec.Body {
	return codec.Body{Type: e.Type(), Condition: e.Condition}
}

// Marshal encodes the <body/> used to report e.
func (e Error) Marshal() []byte {
	// Marshal only fails if a structured payload cannot be encoded.
	b, err := codec.Marshal(e.Body(), e.Payload...)
	if err != nil {
		b, _ = codec.Marshal(e.Body())
	}
	return b
}

// asError converts any error to an Error.
// Malformed XML results in a bad-request and unknown errors are reported as
// internal-server-error.
func asError(err error) Error {
	var e Error
	if errors.As(err, &e) {
		return e
	}
	var parseErr *codec.ParseError
	if errors.As(err, &parseErr) {
		return BadRequest.Wrap(err)
	}
	return InternalServerError.Wrap(err)
}

// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package rid correlates BOSH request identifiers.
//
// Every request in a BOSH session carries a request ID (rid) that is one
// greater than the rid of the previous request.
// Because a client may have several requests open at once and may retransmit
// a request after a network failure, requests can arrive out of order or more
// than once.
// A Window decides, for each incoming rid, whether it is the next request to
// process, a retransmission that must be answered with the original response,
// a request that arrived early and must wait for the ones before it, or a
// request that must be rejected.
package rid // import "mellium.im/bosh/rid"

import (
	"context"
	"sync"
)

// CacheSize is the number of responses that are kept for retransmission.
const CacheSize = 3

// Verdict is the result of validating a request ID.
type Verdict int

// A list of possible verdicts.
const (
	// Reject means that the rid is outside of the window or refers to a
	// response that is no longer cached.
	Reject Verdict = iota

	// Accept means that the rid was the next expected one.
	Accept

	// Replay means that the rid refers to a recent request and the original
	// response must be sent again.
	Replay

	// Pending means that the rid is within the window but requests before it
	// have not arrived yet.
	Pending
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Replay:
		return "replay"
	case Pending:
		return "pending"
	}
	return "reject"
}

// Response is the reply to a single request.
// It is created when the request is accepted and resolved exactly once, which
// may be long after the request that created it has gone away.
type Response struct {
	RID uint64

	once   sync.Once
	done   chan struct{}
	status int
	data   []byte
}

func newResponse(rid uint64) *Response {
	return &Response{RID: rid, done: make(chan struct{})}
}

// Resolve sets the HTTP status and body of the response.
// Only the first call has any effect, later calls return false.
func (r *Response) Resolve(status int, data []byte) bool {
	resolved := false
	r.once.Do(func() {
		r.status = status
		r.data = data
		resolved = true
		close(r.done)
	})
	return resolved
}

// Done returns a channel that is closed when the response is resolved.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Result returns the status and body of the response.
// It must only be called after Done is closed.
func (r *Response) Result() (int, []byte) {
	return r.status, r.data
}

// Wait blocks until the response is resolved or the context is canceled.
func (r *Response) Wait(ctx context.Context) (int, []byte, error) {
	select {
	case <-r.done:
		return r.status, r.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Window tracks the expected request ID of a session and a small cache of
// recent responses.
// A Window is not safe for concurrent use.
type Window struct {
	next  uint64
	size  uint64
	cache []*Response
	ready map[uint64]chan struct{}
}

// New returns a window that expects next as the next request ID and accepts
// early requests up to size IDs ahead of it.
// If size is less than 1, only the next ID is accepted.
func New(next uint64, size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		next: next,
		size: uint64(size),
	}
}

// Next returns the next expected request ID.
func (w *Window) Next() uint64 {
	return w.next
}

// Validate checks rid against the window.
// If the verdict is Accept, the expected ID is advanced and the returned
// response must eventually be resolved.
// If the verdict is Replay, the returned response is the one created when rid
// was accepted (it may not be resolved yet).
// Otherwise the response is nil.
func (w *Window) Validate(rid uint64) (Verdict, *Response) {
	switch {
	case rid == w.next:
		resp := newResponse(rid)
		w.cache = append(w.cache, resp)
		if len(w.cache) > CacheSize {
			w.cache[0] = nil
			w.cache = w.cache[1:]
		}
		w.next++
		if ch, ok := w.ready[w.next]; ok {
			close(ch)
			delete(w.ready, w.next)
		}
		return Accept, resp
	case rid < w.next:
		for _, resp := range w.cache {
			if resp.RID == rid {
				return Replay, resp
			}
		}
		return Reject, nil
	case rid-w.next < w.size:
		return Pending, nil
	}
	return Reject, nil
}

// Ready returns a channel that is closed when rid becomes the next expected
// ID, or once it has been passed.
// Ready is meant to be used after a Pending verdict.
func (w *Window) Ready(rid uint64) <-chan struct{} {
	if rid <= w.next {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if ch, ok := w.ready[rid]; ok {
		return ch
	}
	if w.ready == nil {
		w.ready = make(map[uint64]chan struct{})
	}
	ch := make(chan struct{})
	w.ready[rid] = ch
	return ch
}

// Close releases everything waiting on the window.
// Validate should not be called after Close.
func (w *Window) Close() {
	for rid, ch := range w.ready {
		close(ch)
		delete(w.ready, rid)
	}
}

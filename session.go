// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackal-xmpp/runqueue/v2"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/ns"
	"mellium.im/bosh/keychain"
	"mellium.im/bosh/rid"
	"mellium.im/bosh/upstream"
)

var (
	errSessionClosed = errors.New("bosh: session closed")
	errBadRID        = errors.New("bosh: request ID out of window")
	errRIDTimeout    = errors.New("bosh: timed out waiting for earlier requests")
	errPause         = errors.New("bosh: requested pause too long")
)

// state is the lifecycle of a session.
type state int

const (
	stateInitializing state = iota
	stateConnected
	stateBound
	stateTerminating
	stateTerminated
	stateExpired
)

func (s state) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateConnected:
		return "connected"
	case stateBound:
		return "bound"
	case stateTerminating:
		return "terminating"
	case stateTerminated:
		return "terminated"
	case stateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// closed reports whether the session has ended or is in the process of
// ending.
func (s state) closed() bool {
	return s >= stateTerminating
}

// Upstream is a connection to an XMPP server owned by a session.
// It is implemented by *upstream.Conn.
type Upstream interface {
	// Serve reads from the server until the stream ends, reporting stanzas and
	// errors to the handler the connection was created with.
	Serve() error
	Send(...codec.Stanza) error
	Restart() error
	Close() error
	Features() codec.Stanza
	StreamID() string
	Secure() bool
	JID() string
}

// Connector opens connections to XMPP servers.
type Connector interface {
	Connect(context.Context, upstream.Target, upstream.Handler) (Upstream, error)
}

// ConnectorFunc is an adapter that lets an ordinary function be used as a
// Connector.
type ConnectorFunc func(context.Context, upstream.Target, upstream.Handler) (Upstream, error)

// Connect calls f(ctx, t, h).
func (f ConnectorFunc) Connect(ctx context.Context, t upstream.Target, h upstream.Handler) (Upstream, error) {
	return f(ctx, t, h)
}

// DialConnector returns a Connector that opens connections using d.
func DialConnector(d *upstream.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, t upstream.Target, h upstream.Handler) (Upstream, error) {
		conn, err := d.Connect(ctx, t, h)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Session is a single BOSH session.
// It bridges a series of HTTP requests to one XMPP stream.
//
// All session state is owned by a serial run queue: HTTP handlers and the
// upstream read loop never touch it directly, they enqueue work and wait for
// its result.
type Session struct {
	sid string
	m   *Manager
	log *slog.Logger
	rq  *runqueue.RunQueue

	// Negotiated when the session is created and never modified.
	to         string
	wait       time.Duration
	hold       int
	requests   int
	inactivity time.Duration
	maxPause   time.Duration
	ver        string
	ack        bool
	encodings  []string

	// Owned by the run queue.
	state    state
	window   *rid.Window
	keys     *keychain.Chain
	up       Upstream
	queue    []codec.Stanza
	waiters  waitQueue
	pending  *Error
	lastSeen time.Time
	paused   time.Duration
	done     chan struct{}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.sid
}

// Encodings returns the content codings the client accepts for responses in
// order of preference.
func (s *Session) Encodings() []string {
	return s.encodings
}

// Done returns a channel that is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run schedules f on the session's run queue.
func (s *Session) run(f func()) {
	s.rq.Run(func() {
		defer s.logPanic()
		f()
	})
}

// do runs f on the session's run queue and waits for it to return.
func (s *Session) do(f func()) {
	done := make(chan struct{})
	s.rq.Run(func() {
		defer close(done)
		defer s.logPanic()
		f()
	})
	<-done
}

func (s *Session) logPanic() {
	if r := recover(); r != nil {
		s.log.Error("session.panic", slog.Any("panic", r))
	}
}

// Handle processes a request for the session and returns the response that
// will answer it.
// The response is not necessarily resolved when Handle returns; callers
// should wait on it.
// If the request is a retransmission, the original response is returned.
func (s *Session) Handle(ctx context.Context, b codec.Body, payload []codec.Stanza) (*rid.Response, error) {
	for {
		var (
			resp  *rid.Response
			ready <-chan struct{}
			err   error
		)
		s.do(func() {
			resp, ready, err = s.handle(b, payload)
		})
		if ready == nil {
			if resp == nil && err == nil {
				err = InternalServerError
			}
			return resp, err
		}

		// The request arrived before one or more earlier requests; process it
		// once they have been.
		// The session's wait may be zero for polling clients, so the longest
		// wait the manager allows is used instead.
		timer := time.NewTimer(s.m.cfg.MaxWait)
		select {
		case <-ready:
			timer.Stop()
		case <-timer.C:
			return nil, ItemNotFound.Wrap(errRIDTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Terminate ends the session.
// Any stanzas that have not yet been sent to the client are delivered to
// requests that are still open.
// Terminate is idempotent.
func (s *Session) Terminate() {
	s.do(func() {
		s.close(stateTerminated, Error{})
	})
}

func (s *Session) shutdown(e Error) {
	s.do(func() {
		s.close(stateTerminated, e)
	})
}

func (s *Session) handle(b codec.Body, payload []codec.Stanza) (*rid.Response, <-chan struct{}, error) {
	if s.state.closed() {
		return nil, nil, ItemNotFound.Wrap(errSessionClosed)
	}

	// Retransmissions and early requests are handled before checking the key:
	// a retransmitted request carries a key that has already been used.
	if next := s.window.Next(); b.RID != next {
		v, resp := s.window.Validate(b.RID)
		switch v {
		case rid.Replay:
			s.log.Debug("session.replay", slog.Uint64("rid", b.RID))
			s.touch()
			return resp, nil, nil
		case rid.Pending:
			s.log.Debug("session.pending", slog.Uint64("rid", b.RID), slog.Uint64("next", next))
			return nil, s.window.Ready(b.RID), nil
		}
		return nil, nil, ItemNotFound.Wrap(fmt.Errorf("%w: got %d, want %d", errBadRID, b.RID, next))
	}

	if err := s.keys.Check(b.Key, b.NewKey); err != nil {
		s.log.Debug("session.key_mismatch", slog.Uint64("rid", b.RID))
		return nil, nil, ItemNotFound.Wrap(err)
	}
	_, resp := s.window.Validate(b.RID)
	s.touch()
	w := &waiter{rid: b.RID, resp: resp, created: time.Now()}
	s.process(w, b, payload)
	return resp, nil, nil
}

// process handles an accepted request.
// From here on every outcome, including errors, resolves the request's
// response so that it can be replayed.
func (s *Session) process(w *waiter, b codec.Body, payload []codec.Stanza) {
	if s.pending != nil {
		s.fail(w, *s.pending)
		return
	}

	if b.Type == TypeTerminate {
		if len(payload) > 0 {
			if err := s.up.Send(payload...); err != nil {
				s.log.Debug("session.send_error", slog.String("err", err.Error()))
			}
		}
		s.log.Info("session.client_terminate", slog.Uint64("rid", b.RID))
		s.fail(w, Error{})
		return
	}

	if len(payload) > 0 {
		if err := s.up.Send(payload...); err != nil {
			s.fail(w, RemoteConnectionFailed.Wrap(err))
			return
		}
	}

	if b.Restart {
		s.log.Debug("session.restart", slog.Uint64("rid", b.RID))
		if err := s.up.Restart(); err != nil {
			s.fail(w, RemoteConnectionFailed.Wrap(err))
			return
		}
	}

	if b.Pause != nil {
		s.pause(w, time.Duration(*b.Pause)*time.Second)
		return
	}

	s.poll(w)
}

// poll holds w open until there is something to send or its wait time
// elapses.
func (s *Session) poll(w *waiter) {
	if len(s.queue) > 0 {
		s.respond(w, s.take())
		return
	}
	if s.hold == 0 || s.wait == 0 {
		s.respond(w, nil)
		return
	}
	for s.waiters.Len() >= s.hold {
		s.respond(s.waiters.pop(), nil)
	}
	s.waiters.push(w)
	w.timer = time.AfterFunc(s.wait, func() {
		s.run(func() {
			s.timeout(w)
		})
	})
}

func (s *Session) timeout(w *waiter) {
	if s.waiters.remove(w) {
		s.respond(w, nil)
	}
}

func (s *Session) pause(w *waiter, d time.Duration) {
	if s.maxPause <= 0 || d > s.maxPause {
		s.fail(w, PolicyViolation.Wrap(errPause))
		return
	}
	s.log.Debug("session.pause", slog.Duration("pause", d))
	s.waiters.push(w)
	for held := s.waiters.pop(); held != nil; held = s.waiters.pop() {
		s.respond(held, s.take())
	}
	s.paused = d
}

// deliver queues a stanza from the server and sends it to the oldest open
// request, if any.
func (s *Session) deliver(st codec.Stanza) {
	if s.state.closed() {
		return
	}
	if s.state == stateConnected && isBindResult(st) {
		s.state = stateBound
		s.log.Debug("session.bound")
	}
	s.queue = append(s.queue, st)
	if w := s.waiters.pop(); w != nil {
		s.respond(w, s.take())
	}
}

func isBindResult(st codec.Stanza) bool {
	if st.Element == nil || st.Name.Local != "iq" {
		return false
	}
	if typ, _ := st.Attribute("", "type"); typ != "result" {
		return false
	}
	return st.FirstChild(xml.Name{Space: ns.Bind, Local: "bind"}) != nil
}

// remoteError records a failure of the upstream connection.
// If a request is open it is answered immediately, otherwise the error is
// held for the next request.
func (s *Session) remoteError(err error) {
	if s.state.closed() {
		return
	}
	e := remoteCondition(err)
	s.log.Info("session.remote_error", slog.String("condition", e.Condition), slog.String("err", err.Error()))
	if w := s.waiters.pop(); w != nil {
		s.fail(w, e)
		return
	}
	s.pending = &e
}

func remoteCondition(err error) Error {
	var streamErr *upstream.StreamError
	switch {
	case errors.As(err, &streamErr):
		return RemoteStreamError.Wrap(err).WithPayload(streamErr.Stanza)
	case errors.Is(err, io.EOF):
		return Error{Err: err}
	}
	return RemoteConnectionFailed.Wrap(err)
}

// fail answers w with e.
// If e is terminal, the session is closed.
func (s *Session) fail(w *waiter, e Error) {
	if !e.Terminal() {
		w.resolve(e.Status(), e.Marshal())
		return
	}
	s.waiters.remove(w)
	s.terminal(w, e)
	s.close(stateTerminated, e)
}

// terminal answers w with e, preceded by any stanzas that have not been
// delivered yet.
func (s *Session) terminal(w *waiter, e Error) {
	queued := s.take()
	if len(queued) > 0 {
		e.Payload = append(queued, e.Payload...)
	}
	w.resolve(e.Status(), e.Marshal())
	s.lastSeen = time.Now()
}

// respond answers w with a normal response carrying stanzas.
func (s *Session) respond(w *waiter, stanzas []codec.Stanza) {
	var b codec.Body
	if s.ack {
		if last := s.window.Next() - 1; last != w.rid {
			b.Ack = codec.Uint(last)
		}
	}
	data, err := codec.Marshal(b, stanzas...)
	if err != nil {
		s.log.Error("session.marshal_error", slog.String("err", err.Error()))
		w.resolve(http.StatusInternalServerError, InternalServerError.Marshal())
		return
	}
	w.resolve(http.StatusOK, data)
	s.lastSeen = time.Now()
}

func (s *Session) take() []codec.Stanza {
	q := s.queue
	s.queue = nil
	return q
}

func (s *Session) touch() {
	s.lastSeen = time.Now()
	s.paused = 0
}

// checkExpiry closes the session if no request has been open for longer than
// the inactivity period.
func (s *Session) checkExpiry(now time.Time) {
	if s.state.closed() || s.waiters.Len() > 0 {
		return
	}
	limit := s.inactivity
	if s.paused > 0 {
		limit = s.paused
	}
	if now.Sub(s.lastSeen) > limit {
		s.log.Info("session.expire", slog.Duration("inactivity", limit))
		s.close(stateExpired, Error{})
	}
}

// close ends the session.
// Open requests are answered with a terminate body carrying e, the first of
// them receiving any stanzas that are still queued.
func (s *Session) close(final state, e Error) {
	if s.state.closed() {
		return
	}
	s.state = stateTerminating
	for w := s.waiters.pop(); w != nil; w = s.waiters.pop() {
		s.terminal(w, e)
	}
	if len(s.queue) > 0 {
		s.log.Warn("session.dropped_stanzas", slog.Int("count", len(s.queue)))
		s.queue = nil
	}
	if s.up != nil {
		if err := s.up.Close(); err != nil {
			s.log.Debug("session.close_error", slog.String("err", err.Error()))
		}
	}
	s.window.Close()
	s.state = final
	close(s.done)
	s.m.remove(s.sid)
	s.log.Info("session.terminate", slog.String("state", final.String()), slog.String("condition", e.Condition))
}

// sessionHandler forwards events from the upstream connection to the
// session's run queue.
type sessionHandler struct {
	s *Session
}

func (h sessionHandler) HandleStanza(st codec.Stanza) {
	h.s.run(func() {
		h.s.deliver(st)
	})
}

func (h sessionHandler) HandleError(err error) {
	h.s.run(func() {
		h.s.remoteError(err)
	})
}

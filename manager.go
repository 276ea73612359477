// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackal-xmpp/runqueue/v2"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/discover"
	"mellium.im/bosh/keychain"
	"mellium.im/bosh/rid"
	"mellium.im/bosh/upstream"
)

// Errors returned when a session cannot be created.
var (
	ErrManagerClosed = errors.New("bosh: manager closed")
	errMissingRID    = errors.New("bosh: missing or zero request ID")
	errMissingTo     = errors.New("bosh: missing 'to' attribute")
	errDomain        = errors.New("bosh: domain not allowed")
	errBadVersion    = errors.New("bosh: invalid protocol version")
	errRateLimited   = errors.New("bosh: session creation rate exceeded")
	errTooMany       = errors.New("bosh: too many sessions")
	errKeyOnCreate   = errors.New("bosh: 'key' sent with session creation request")
)

// Manager creates BOSH sessions and keeps track of them until they end.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
	domains atomic.Pointer[DomainPolicy]

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// NewManager returns a manager that creates sessions using cfg.
// It starts a goroutine that expires inactive sessions, which is stopped by
// Close.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(cfg.CreateRate, burst)
	}
	policy := cfg.Domains
	m.domains.Store(&policy)
	go m.sweep()
	return m
}

// SetDomains replaces the domain policy used for new sessions.
// Existing sessions are not affected.
func (m *Manager) SetDomains(p DomainPolicy) {
	m.domains.Store(&p)
	m.log.Info("manager.domains", slog.Int("allow", len(p.Allow)), slog.Int("deny", len(p.Deny)))
}

// Lookup returns the session with the given ID or nil if no such session
// exists.
func (m *Manager) Lookup(sid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sid]
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// reserve claims room for a session that is still connecting.
// Every successful call must be followed by add or release.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return SystemShutdown.Wrap(ErrManagerClosed)
	case m.cfg.MaxSessions > 0 && len(m.sessions)+m.reserved >= m.cfg.MaxSessions:
		return PolicyViolation.Wrap(errTooMany)
	case m.limiter != nil && !m.limiter.Allow():
		return PolicyViolation.Wrap(errRateLimited)
	}
	m.reserved++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved--
}

// add registers s in place of its reservation.
func (m *Manager) add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved--
	if m.closed {
		return ErrManagerClosed
	}
	m.sessions[s.sid] = s
	return nil
}

func (m *Manager) remove(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// Close terminates all sessions with a system-shutdown error and stops
// expiring sessions.
// Sessions can no longer be created after Close is called.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	for _, s := range m.snapshot() {
		s.shutdown(SystemShutdown)
	}
	return nil
}

func (m *Manager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			for _, s := range m.snapshot() {
				s.run(func() {
					s.checkExpiry(now)
				})
			}
		}
	}
}

// Create starts a new session from a session creation request and connects it
// to the XMPP server.
// The returned response is already resolved and carries the session
// parameters and the server's stream features.
func (m *Manager) Create(ctx context.Context, b codec.Body) (*Session, *rid.Response, error) {
	s, target, err := m.newSession(b)
	if err != nil {
		return nil, nil, err
	}
	up, err := m.connect(ctx, s, target)
	if err != nil {
		return nil, nil, err
	}

	var resp *rid.Response
	s.do(func() {
		_, resp = s.window.Validate(b.RID)
	})
	reply := m.creationBody(s, b, up)
	var payload []codec.Stanza
	if f := up.Features(); f.Element != nil || f.Raw != "" {
		payload = append(payload, f)
	}
	data, err := codec.Marshal(reply, payload...)
	if err != nil {
		s.do(func() { s.close(stateTerminated, InternalServerError) })
		return nil, nil, InternalServerError.Wrap(err)
	}
	resp.Resolve(http.StatusOK, data)
	return s, resp, nil
}

// Prebound describes a session that was authenticated by the connection
// manager on behalf of a client.
type Prebound struct {
	SID string
	RID uint64
	JID string
}

// Prebind creates a session and authenticates and binds its XMPP stream using
// creds, so that a client can attach to an already established session.
// If b has no request ID a random one is picked.
// The returned RID is the next request ID the client must use.
func (m *Manager) Prebind(ctx context.Context, b codec.Body, creds upstream.Credentials) (Prebound, error) {
	if b.RID == 0 {
		b.RID = rand.Uint64N(1<<32) + 1
	}
	s, target, err := m.newSession(b)
	if err != nil {
		return Prebound{}, err
	}
	target.Credentials = &creds
	up, err := m.connect(ctx, s, target)
	if err != nil {
		return Prebound{}, err
	}
	s.do(func() {
		s.window.Validate(b.RID)
		s.state = stateBound
	})
	return Prebound{SID: s.sid, RID: b.RID + 1, JID: up.JID()}, nil
}

// newSession validates a session creation request and returns an unconnected
// session.
// The session holds a reservation that connect turns into a registration.
func (m *Manager) newSession(b codec.Body) (*Session, upstream.Target, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, upstream.Target{}, SystemShutdown.Wrap(ErrManagerClosed)
	}

	if b.RID == 0 {
		return nil, upstream.Target{}, BadRequest.Wrap(errMissingRID)
	}
	if b.Key != "" {
		return nil, upstream.Target{}, BadRequest.Wrap(errKeyOnCreate)
	}
	if b.To == "" {
		return nil, upstream.Target{}, ImproperAddressing.Wrap(errMissingTo)
	}
	domain, err := NormalizeDomain(b.To)
	if err != nil {
		return nil, upstream.Target{}, ImproperAddressing.Wrap(err)
	}
	if !m.domains.Load().Allowed(domain) {
		return nil, upstream.Target{}, HostUnknown.Wrap(errDomain)
	}
	target := upstream.Target{Domain: domain}
	if b.Route != "" && m.cfg.AllowRoute {
		target.Addr, err = discover.ParseRoute(b.Route)
		if err != nil {
			return nil, upstream.Target{}, BadRequest.Wrap(err)
		}
	}
	if b.Lang != "" {
		tag, err := language.Parse(b.Lang)
		if err != nil {
			return nil, upstream.Target{}, BadRequest.Wrap(err)
		}
		target.Lang = tag.String()
	}
	ver := Version
	if b.Ver != "" {
		if !validVersion(b.Ver) {
			return nil, upstream.Target{}, BadRequest.Wrap(errBadVersion)
		}
		if compareVersion(b.Ver, Version) < 0 {
			ver = b.Ver
		}
	}

	wait := m.cfg.MaxWait
	if b.Wait != nil {
		if w := time.Duration(*b.Wait) * time.Second; w < wait {
			wait = w
		}
	}
	hold := 1
	if b.Hold != nil {
		hold = *b.Hold
	}
	if hold > m.cfg.MaxHold {
		hold = m.cfg.MaxHold
	}
	requests := hold + 1
	window := requests
	if b.Window != nil && *b.Window > 0 && *b.Window < window {
		window = *b.Window
	}
	inactivity := m.cfg.Inactivity
	if b.Inactivity != nil && *b.Inactivity > 0 {
		if i := time.Duration(*b.Inactivity) * time.Second; i < inactivity {
			inactivity = i
		}
	}

	// Only well formed requests count against the session limits.
	if err := m.reserve(); err != nil {
		return nil, upstream.Target{}, err
	}
	sid := uuid.NewString()
	s := &Session{
		sid:        sid,
		m:          m,
		log:        m.log.With(slog.String("sid", sid)),
		rq:         runqueue.New(sid),
		to:         domain,
		wait:       wait,
		hold:       hold,
		requests:   requests,
		inactivity: inactivity,
		maxPause:   m.cfg.MaxPause,
		ver:        ver,
		ack:        b.Ack != nil && *b.Ack == 1,
		encodings:  m.encodings(b.Accept),
		window:     rid.New(b.RID, window),
		keys:       keychain.New(b.NewKey),
		lastSeen:   time.Now(),
		done:       make(chan struct{}),
	}
	return s, target, nil
}

// connect opens the upstream connection of s and registers the session.
func (m *Manager) connect(ctx context.Context, s *Session, target upstream.Target) (Upstream, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	start := time.Now()
	up, err := m.cfg.Connector.Connect(ctx, target, sessionHandler{s: s})
	if err != nil {
		m.release()
		e := connectError(err)
		s.log.Info("session.connect_error",
			slog.String("to", target.Domain),
			slog.String("condition", e.Condition),
			slog.String("err", err.Error()))
		return nil, e
	}
	s.do(func() {
		s.up = up
		s.state = stateConnected
	})
	if err := m.add(s); err != nil {
		s.shutdown(SystemShutdown)
		return nil, SystemShutdown.Wrap(err)
	}
	go func() {
		if err := up.Serve(); err != nil {
			s.log.Debug("session.serve_end", slog.String("err", err.Error()))
		}
	}()
	s.log.Info("session.create",
		slog.String("to", target.Domain),
		slog.Duration("wait", s.wait),
		slog.Int("hold", s.hold),
		slog.Duration("connect", time.Since(start)))
	return up, nil
}

func connectError(err error) Error {
	var (
		streamErr *upstream.StreamError
		dnsErr    *net.DNSError
	)
	switch {
	case errors.As(err, &streamErr):
		if streamErr.Condition == HostUnknown.Condition || streamErr.Condition == HostGone.Condition {
			return Error{Condition: streamErr.Condition, Err: err}
		}
		return RemoteStreamError.Wrap(err).WithPayload(streamErr.Stanza)
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return HostUnknown.Wrap(err)
	case errors.Is(err, upstream.ErrAuthFailed):
		return NotAuthorized.Wrap(err)
	case errors.Is(err, discover.ErrInvalidService):
		return HostUnknown.Wrap(err)
	}
	return RemoteConnectionFailed.Wrap(err)
}

func (m *Manager) creationBody(s *Session, b codec.Body, up Upstream) codec.Body {
	reply := codec.Body{
		SID:        s.sid,
		Wait:       codec.Int(int(s.wait / time.Second)),
		Hold:       codec.Int(s.hold),
		Requests:   codec.Int(s.requests),
		Inactivity: codec.Int(int(s.inactivity / time.Second)),
		Polling:    codec.Int(int(m.cfg.Polling / time.Second)),
		Ver:        s.ver,
		From:       s.to,
		AuthID:     up.StreamID(),
		Secure:     up.Secure(),
	}
	if s.maxPause > 0 {
		reply.MaxPause = codec.Int(int(s.maxPause / time.Second))
	}
	if s.ack {
		reply.Ack = codec.Uint(b.RID)
	}
	if b.XMPPVersion != "" {
		reply.XMPPVersion = "1.0"
		reply.RestartLogic = true
	}
	if len(s.encodings) > 0 {
		reply.Accept = strings.Join(s.encodings, ",")
	}
	return reply
}

// encodings returns the supported content codings listed in the 'accept'
// attribute of a session creation request.
func (m *Manager) encodings(accept string) []string {
	if !m.cfg.Compression || accept == "" {
		return nil
	}
	var list []string
	for _, enc := range strings.Split(accept, ",") {
		switch enc = strings.ToLower(strings.TrimSpace(enc)); enc {
		case "gzip", "deflate":
			list = append(list, enc)
		}
	}
	return list
}

func validVersion(v string) bool {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(major, 10, 16); err != nil {
		return false
	}
	_, err := strconv.ParseUint(minor, 10, 16)
	return err == nil
}

// compareVersion compares two valid major.minor versions.
func compareVersion(a, b string) int {
	amaj, amin, _ := strings.Cut(a, ".")
	bmaj, bmin, _ := strings.Cut(b, ".")
	x, _ := strconv.Atoi(amaj)
	y, _ := strconv.Atoi(bmaj)
	if x != y {
		return x - y
	}
	x, _ = strconv.Atoi(amin)
	y, _ = strconv.Atoi(bmin)
	return x - y
}

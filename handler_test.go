// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh_test

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"mellium.im/bosh"
	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/ns"
	"mellium.im/bosh/keychain"
	"mellium.im/bosh/upstream"
)

func sessionBody(sid string, rid int, attrs string, payload ...string) string {
	b := fmt.Sprintf(`%ssid='%s' rid='%d' %s`, bodyStart, sid, rid, attrs)
	if len(payload) == 0 {
		return b + `/>`
	}
	return b + `>` + strings.Join(payload, "") + `</body>`
}

func TestCreateSession(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	r := e.post(bodyStart + `rid='1' to='example.net' wait='60' hold='1' ver='1.6' xml:lang='en' xmpp:version='1.0'/>`)
	if r.status != http.StatusOK {
		t.Fatalf("wrong status: want=%d, got=%d: %s", http.StatusOK, r.status, r.raw)
	}
	b := r.body
	switch {
	case b.SID == "":
		t.Errorf("expected a session ID")
	case b.Type != "":
		t.Errorf("unexpected type %q", b.Type)
	case b.Wait == nil || *b.Wait != 60:
		t.Errorf("wrong wait: %v", b.Wait)
	case b.Hold == nil || *b.Hold != 1:
		t.Errorf("wrong hold: %v", b.Hold)
	case b.Requests == nil || *b.Requests != 2:
		t.Errorf("wrong requests: %v", b.Requests)
	case b.Inactivity == nil || *b.Inactivity != 60:
		t.Errorf("wrong inactivity: %v", b.Inactivity)
	case b.Polling == nil:
		t.Errorf("expected polling attribute")
	case b.Ver != "1.6":
		t.Errorf("wrong version: want=1.6, got=%s", b.Ver)
	case b.From != "example.net":
		t.Errorf("wrong from: want=example.net, got=%s", b.From)
	case b.AuthID != "stream0":
		t.Errorf("wrong authid: want=stream0, got=%s", b.AuthID)
	case b.XMPPVersion != "1.0" || !b.RestartLogic:
		t.Errorf("expected XEP-0206 attributes, got version=%q restartlogic=%t", b.XMPPVersion, b.RestartLogic)
	case b.MaxPause == nil:
		t.Errorf("expected maxpause attribute")
	}
	if len(r.payload) != 1 || r.payload[0].Name.Space != ns.Stream || r.payload[0].Name.Local != "features" {
		t.Fatalf("expected stream features in creation reply, got=%s", r.raw)
	}
	if e.m.Lookup(b.SID) == nil {
		t.Errorf("session was not registered")
	}
	up := e.conn.Last()
	if up.Target.Domain != "example.net" || up.Target.Lang != "en" {
		t.Errorf("wrong upstream target: %+v", up.Target)
	}
	if origin := r.header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("wrong CORS origin: %q", origin)
	}
	if ct := r.header.Get("Content-Type"); ct != bosh.ContentType {
		t.Errorf("wrong content type: %q", ct)
	}
}

func TestCreateClampsParameters(t *testing.T) {
	e := newEnv(t, bosh.Config{MaxWait: 30 * time.Second, MaxHold: 2, Inactivity: 30 * time.Second})
	r := e.create(`wait='300' hold='5' inactivity='10' window='2'`)
	b := r.body
	if *b.Wait != 30 || *b.Hold != 2 || *b.Requests != 3 || *b.Inactivity != 10 {
		t.Errorf("wrong negotiated parameters: wait=%d hold=%d requests=%d inactivity=%d", *b.Wait, *b.Hold, *b.Requests, *b.Inactivity)
	}
}

var createErrorTests = [...]struct {
	cfg       bosh.Config
	body      string
	status    int
	condition string
}{
	0: {
		body:      bodyStart + `rid='1' wait='60' hold='1'/>`,
		status:    http.StatusOK,
		condition: "improper-addressing",
	},
	1: {
		body:      bodyStart + `to='example.net' wait='60' hold='1'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	2: {
		cfg:       bosh.Config{Domains: bosh.DomainPolicy{Deny: []string{"example.net"}}},
		body:      bodyStart + `rid='1' to='example.net'/>`,
		status:    http.StatusOK,
		condition: "host-unknown",
	},
	3: {
		cfg:       bosh.Config{Domains: bosh.DomainPolicy{Allow: []string{".example.org"}}},
		body:      bodyStart + `rid='1' to='example.net'/>`,
		status:    http.StatusOK,
		condition: "host-unknown",
	},
	4: {
		body:      bodyStart + `rid='1' to='example.net' ver='one'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	5: {
		body:      bodyStart + `rid='1' to='example.net' key='abc'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	6: {
		cfg:       bosh.Config{AllowRoute: true},
		body:      bodyStart + `rid='1' to='example.net' route='http:example.net:5222'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	7: {
		body:      bodyStart + `rid='1' to='example.net' xml:lang='not a tag'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	8: {
		body:      `<body rid='1' to='example.net'/>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	9: {
		body:      bodyStart + `rid='1' to='example.net'>`,
		status:    http.StatusBadRequest,
		condition: "bad-request",
	},
	10: {
		body:      sessionBody("unknown", 2, ""),
		status:    http.StatusNotFound,
		condition: "item-not-found",
	},
}

func TestCreateErrors(t *testing.T) {
	for i, tc := range createErrorTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			e := newEnv(t, tc.cfg)
			r := e.post(tc.body)
			if r.status != tc.status {
				t.Errorf("wrong status: want=%d, got=%d", tc.status, r.status)
			}
			if r.body.Condition != tc.condition {
				t.Errorf("wrong condition: want=%q, got=%q", tc.condition, r.body.Condition)
			}
			if r.body.Type == "" {
				t.Errorf("error reply should have a type")
			}
			if n := e.m.Len(); n != 0 {
				t.Errorf("no session should have been created, got %d", n)
			}
		})
	}
}

func TestCreateConnectFailure(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	e.conn.SetError(errors.New("connection refused"))
	r := e.post(bodyStart + `rid='1' to='example.net'/>`)
	if r.status != http.StatusOK || r.body.Type != bosh.TypeTerminate || r.body.Condition != "remote-connection-failed" {
		t.Errorf("wrong reply: %d %s", r.status, r.raw)
	}

	e.conn.SetError(&upstream.StreamError{Condition: "host-unknown"})
	r = e.post(bodyStart + `rid='1' to='example.net'/>`)
	if r.body.Condition != "host-unknown" {
		t.Errorf("wrong condition for stream error: %s", r.raw)
	}

	e.conn.SetError(fmt.Errorf("login: %w", upstream.ErrAuthFailed))
	r = e.post(bodyStart + `rid='1' to='example.net'/>`)
	if r.status != http.StatusUnauthorized || r.body.Condition != "not-authorized" {
		t.Errorf("wrong reply for authentication failure: %d %s", r.status, r.raw)
	}
}

func TestRoute(t *testing.T) {
	e := newEnv(t, bosh.Config{AllowRoute: true})
	e.create(`route='xmpp:xmpp.example.net:5269'`)
	if addr := e.conn.Last().Target.Addr; addr != "xmpp.example.net:5269" {
		t.Errorf("wrong route: %q", addr)
	}

	e = newEnv(t, bosh.Config{})
	e.create(`route='xmpp:xmpp.example.net:5269'`)
	if addr := e.conn.Last().Target.Addr; addr != "" {
		t.Errorf("route should be ignored when not allowed, got=%q", addr)
	}
}

// A poll with nothing to deliver is answered with an empty body
// once wait elapses.
func TestPollTimeout(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='1' hold='1'`).body.SID

	start := time.Now()
	r := e.post(sessionBody(sid, 2, ""))
	elapsed := time.Since(start)
	if r.status != http.StatusOK || r.body.Type != "" || len(r.payload) != 0 {
		t.Errorf("expected empty body, got %d %s", r.status, r.raw)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("request was not held for wait, returned after %v", elapsed)
	}
}

func TestPollDeliversQueued(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	up := e.conn.Last()
	up.Deliver(`<message xmlns='jabber:client' from='juliet@example.net'><body>one</body></message>`)
	up.Deliver(`<message xmlns='jabber:client' from='juliet@example.net'><body>two</body></message>`)

	r := e.post(sessionBody(sid, 2, ""))
	if len(r.payload) != 2 {
		t.Fatalf("expected both queued stanzas, got %s", r.raw)
	}
	for i, want := range []string{"one", "two"} {
		if got := r.payload[i].FirstChild(xml.Name{Space: ns.Client, Local: "body"}).Text(); got != want {
			t.Errorf("stanzas out of order: want=%s, got=%s", want, got)
		}
	}
}

func TestHeldRequestReceivesStanza(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	s := e.m.Lookup(sid)
	b, _, err := codec.Parse([]byte(sessionBody(sid, 2, "")))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Handle(t.Context(), b, nil)
	if err != nil {
		t.Fatalf("error handling request: %v", err)
	}
	select {
	case <-resp.Done():
		t.Fatal("request should be held")
	default:
	}

	e.conn.Last().Deliver(`<presence xmlns='jabber:client' from='juliet@example.net'/>`)
	status, data, err := resp.Wait(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || !strings.Contains(string(data), "<presence") {
		t.Errorf("held request should receive the stanza, got %d %s", status, data)
	}
}

// With hold=1 a new request releases the one that is held.
func TestHoldReleasesOldest(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID

	first := e.postAsync(sessionBody(sid, 2, ""))
	second := e.postAsync(sessionBody(sid, 3, ""))

	start := time.Now()
	r := wait(t, first)
	if r.status != http.StatusOK || len(r.payload) != 0 {
		t.Errorf("expected empty body for released request, got %d %s", r.status, r.raw)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("oldest request was not released early: %v", elapsed)
	}

	e.conn.Last().Deliver(`<message xmlns='jabber:client'><body>hi</body></message>`)
	r = wait(t, second)
	if len(r.payload) != 1 || r.payload[0].Name.Local != "message" {
		t.Errorf("held request should receive the stanza, got %s", r.raw)
	}
}

// A stream error from the server terminates the session on the
// next poll.
func TestRemoteStreamError(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	up := e.conn.Last()

	up.Fail(&upstream.StreamError{
		Condition: "policy-violation",
		Stanza:    codec.Stanza{Raw: `<stream:error xmlns:stream='http://etherx.jabber.org/streams'><policy-violation xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`},
	})
	r := e.post(sessionBody(sid, 2, ""))
	if r.status != http.StatusOK || r.body.Type != bosh.TypeTerminate || r.body.Condition != "remote-stream-error" {
		t.Fatalf("wrong reply: %d %s", r.status, r.raw)
	}
	if len(r.payload) != 1 || r.payload[0].Name.Local != "error" {
		t.Errorf("expected stream error in payload, got %s", r.raw)
	}
	if e.m.Lookup(sid) != nil {
		t.Errorf("session should be removed after a remote stream error")
	}
	if !up.Closed() {
		t.Errorf("upstream should be closed")
	}

	r = e.post(sessionBody(sid, 3, ""))
	if r.status != http.StatusNotFound {
		t.Errorf("terminated session should be unknown, got %d", r.status)
	}
}

func TestRemoteDisconnectHeld(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	s := e.m.Lookup(sid)
	b, _, _ := codec.Parse([]byte(sessionBody(sid, 2, "")))
	resp, err := s.Handle(t.Context(), b, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.conn.Last().Fail(errors.New("connection reset"))
	status, data, err := resp.Wait(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	body, _, err := codec.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || body.Type != bosh.TypeTerminate || body.Condition != "remote-connection-failed" {
		t.Errorf("wrong reply: %d %s", status, data)
	}
	<-s.Done()
}

func TestStreamEnd(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	e.conn.Last().Deliver(`<message xmlns='jabber:client'><body>bye</body></message>`)
	e.conn.Last().Fail(nil)

	r := e.post(sessionBody(sid, 2, ""))
	if r.body.Type != bosh.TypeTerminate || r.body.Condition != "" {
		t.Errorf("expected plain terminate, got %s", r.raw)
	}
	if len(r.payload) != 1 {
		t.Errorf("queued stanza should be delivered with the terminate body, got %s", r.raw)
	}
}

func TestReplay(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	e.conn.Last().Deliver(`<message xmlns='jabber:client'><body>hi</body></message>`)

	first := e.post(sessionBody(sid, 2, ""))
	again := e.post(sessionBody(sid, 2, ""))
	if string(first.raw) != string(again.raw) || first.status != again.status {
		t.Errorf("retransmission should be answered identically:\nfirst=%s\nagain=%s", first.raw, again.raw)
	}
	if len(e.conn.Last().Sent()) != 0 {
		t.Errorf("nothing should have been sent upstream")
	}
}

func TestReplayDoesNotResend(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='0' hold='1'`).body.SID
	msg := `<message to='romeo@example.net'><body>hi</body></message>`
	e.post(sessionBody(sid, 2, "", msg))
	e.post(sessionBody(sid, 2, "", msg))
	if n := len(e.conn.Last().Sent()); n != 1 {
		t.Errorf("retransmitted payload was sent %d times", n)
	}
}

func TestWindowReject(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='0' hold='1'`).body.SID

	r := e.post(sessionBody(sid, 10, ""))
	if r.status != http.StatusNotFound || r.body.Condition != "item-not-found" {
		t.Errorf("out of window request should be rejected, got %d %s", r.status, r.raw)
	}
	if e.m.Lookup(sid) == nil {
		t.Fatal("a rejected request should not end the session")
	}
	r = e.post(sessionBody(sid, 2, ""))
	if r.status != http.StatusOK {
		t.Errorf("next request should be accepted, got %d %s", r.status, r.raw)
	}
}

func TestOutOfOrder(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='5' hold='1'`).body.SID

	third := e.postAsync(sessionBody(sid, 3, "", `<presence/>`))
	// Give the early request time to arrive first.
	time.Sleep(50 * time.Millisecond)
	second := e.post(sessionBody(sid, 2, "", `<message><body>first</body></message>`))
	if second.status != http.StatusOK {
		t.Fatalf("wrong status: %d %s", second.status, second.raw)
	}
	e.conn.Last().Deliver(`<message xmlns='jabber:client'><body>hi</body></message>`)
	if r := wait(t, third); r.status != http.StatusOK || len(r.payload) != 1 {
		t.Fatalf("early request should be processed once the gap is filled, got %d %s", r.status, r.raw)
	}
	sent := e.conn.Last().Sent()
	if len(sent) != 2 || sent[0].Name.Local != "message" || sent[1].Name.Local != "presence" {
		t.Errorf("payloads were not forwarded in rid order: %v", sent)
	}
}

func TestOutOfOrderPolling(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='0' hold='1'`).body.SID

	third := e.postAsync(sessionBody(sid, 3, ""))
	time.Sleep(50 * time.Millisecond)
	if r := e.post(sessionBody(sid, 2, "")); r.status != http.StatusOK {
		t.Fatalf("wrong status: %d %s", r.status, r.raw)
	}
	if r := wait(t, third); r.status != http.StatusOK {
		t.Errorf("early request of a polling session should wait for the gap to be filled, got %d %s", r.status, r.raw)
	}
}

func TestKeyChain(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	k1 := keychain.Hash("seed")
	k2 := keychain.Hash(k1)
	sid := e.create(`wait='0' hold='1' newkey='` + k2 + `'`).body.SID

	r := e.post(sessionBody(sid, 2, ""))
	if r.status != http.StatusNotFound {
		t.Errorf("missing key should be rejected, got %d", r.status)
	}
	r = e.post(sessionBody(sid, 2, `key='wrong'`))
	if r.status != http.StatusNotFound || r.body.Condition != "item-not-found" {
		t.Errorf("bad key should be rejected, got %d %s", r.status, r.raw)
	}
	r = e.post(sessionBody(sid, 2, `key='`+k1+`'`))
	if r.status != http.StatusOK {
		t.Fatalf("valid key should be accepted, got %d %s", r.status, r.raw)
	}
	r = e.post(sessionBody(sid, 3, `key='`+k1+`'`))
	if r.status != http.StatusNotFound {
		t.Errorf("reused key should be rejected, got %d", r.status)
	}
	r = e.post(sessionBody(sid, 3, `key='seed'`))
	if r.status != http.StatusOK {
		t.Errorf("next key should be accepted, got %d %s", r.status, r.raw)
	}
}

func TestClientTerminate(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='10' hold='1'`).body.SID
	up := e.conn.Last()

	r := e.post(sessionBody(sid, 2, `type='terminate'`, `<presence type='unavailable'/>`))
	if r.status != http.StatusOK || r.body.Type != bosh.TypeTerminate {
		t.Errorf("wrong reply: %d %s", r.status, r.raw)
	}
	sent := up.Sent()
	if len(sent) != 1 || sent[0].Name.Local != "presence" {
		t.Errorf("terminate payload should be forwarded, got %v", sent)
	}
	if !up.Closed() {
		t.Errorf("upstream should be closed")
	}
	if e.m.Lookup(sid) != nil {
		t.Errorf("session should be removed")
	}
}

func TestRestart(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	sid := e.create(`wait='5' hold='1' xmpp:version='1.0'`).body.SID
	up := e.conn.Last()

	r := e.post(sessionBody(sid, 2, `xmpp:restart='true'`))
	if up.Restarts() != 1 {
		t.Errorf("stream was not restarted")
	}
	if len(r.payload) != 1 || r.payload[0].Name.Local != "features" {
		t.Errorf("expected new stream features, got %s", r.raw)
	}
}

func TestPause(t *testing.T) {
	e := newEnv(t, bosh.Config{MaxPause: 30 * time.Second})
	sid := e.create(`wait='10' hold='1'`).body.SID
	held := e.postAsync(sessionBody(sid, 2, ""))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	r := e.post(sessionBody(sid, 3, `pause='20'`))
	if r.status != http.StatusOK || r.body.Type != "" {
		t.Errorf("wrong pause reply: %d %s", r.status, r.raw)
	}
	if r := wait(t, held); r.status != http.StatusOK {
		t.Errorf("held request should be answered, got %d", r.status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("pause should answer requests at once, took %v", elapsed)
	}

	r = e.post(sessionBody(sid, 4, `pause='60'`))
	if r.status != http.StatusForbidden || r.body.Condition != "policy-violation" {
		t.Errorf("too long pause should be a policy violation, got %d %s", r.status, r.raw)
	}
	if e.m.Lookup(sid) != nil {
		t.Errorf("policy violation should end the session")
	}
}

func TestAck(t *testing.T) {
	e := newEnv(t, bosh.Config{})
	r := e.create(`wait='0' hold='1' ack='1'`)
	if r.body.Ack == nil || *r.body.Ack != 1 {
		t.Errorf("creation reply should acknowledge rid 1, got %v", r.body.Ack)
	}
}

var compressionTests = [...]struct {
	accept   string
	header   string
	encoding string
}{
	0: {accept: "gzip", header: "gzip", encoding: "gzip"},
	1: {accept: "deflate", header: "gzip, deflate", encoding: "deflate"},
	2: {accept: "gzip,deflate", header: "deflate;q=0, gzip;q=0.5", encoding: "gzip"},
	3: {accept: "gzip", header: "identity", encoding: ""},
	4: {accept: "gzip", header: "*", encoding: "gzip"},
	5: {accept: "", header: "gzip", encoding: ""},
}

func TestCompression(t *testing.T) {
	for i, tc := range compressionTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			e := newEnv(t, bosh.Config{Compression: true})
			attrs := `wait='0' hold='1'`
			if tc.accept != "" {
				attrs += ` accept='` + tc.accept + `'`
			}
			r := e.post(bodyStart+`rid='1' to='example.net' `+attrs+`/>`, "Accept-Encoding", tc.header)
			if r.body.SID == "" {
				t.Fatalf("session was not created: %s", r.raw)
			}
			if got := r.header.Get("Content-Encoding"); got != tc.encoding {
				t.Errorf("wrong creation encoding: want=%q, got=%q", tc.encoding, got)
			}
			r = e.post(sessionBody(r.body.SID, 2, ""), "Accept-Encoding", tc.header)
			if got := r.header.Get("Content-Encoding"); got != tc.encoding {
				t.Errorf("wrong encoding: want=%q, got=%q", tc.encoding, got)
			}
			if r.status != http.StatusOK {
				t.Errorf("wrong status: %d", r.status)
			}
		})
	}
}

func TestCreateLimits(t *testing.T) {
	e := newEnv(t, bosh.Config{MaxSessions: 1})
	e.create(`wait='0'`)
	r := e.post(bodyStart + `rid='1' to='example.net'/>`)
	if r.status != http.StatusForbidden || r.body.Condition != "policy-violation" {
		t.Errorf("too many sessions should be a policy violation, got %d %s", r.status, r.raw)
	}

	e = newEnv(t, bosh.Config{CreateRate: rate.Every(time.Hour), CreateBurst: 1})
	e.create(`wait='0'`)
	r = e.post(bodyStart + `rid='1' to='example.net'/>`)
	if r.status != http.StatusForbidden || r.body.Condition != "policy-violation" {
		t.Errorf("creation rate should be limited, got %d %s", r.status, r.raw)
	}
}

func TestCreateRateIgnoresBadRequests(t *testing.T) {
	e := newEnv(t, bosh.Config{CreateRate: rate.Every(time.Hour), CreateBurst: 1})
	for _, body := range []string{
		bodyStart + `to='example.net'/>`,
		bodyStart + `rid='1' to='example.net' ver='one'/>`,
		bodyStart + `rid='1' to='example.net' key='abc'/>`,
	} {
		if r := e.post(body); r.status != http.StatusBadRequest {
			t.Errorf("wrong status for %s: want=%d, got=%d", body, http.StatusBadRequest, r.status)
		}
	}
	e.create(`wait='0'`)
}

var methodTests = [...]struct {
	method      string
	contentType string
	status      int
}{
	0: {method: http.MethodOptions, status: http.StatusOK},
	1: {method: http.MethodGet, status: http.StatusMethodNotAllowed},
	2: {method: http.MethodPut, status: http.StatusMethodNotAllowed},
	3: {method: http.MethodPost, contentType: "application/json", status: http.StatusBadRequest},
	4: {method: http.MethodPost, contentType: "text/plain;charset=UTF-8", status: http.StatusOK},
	5: {method: http.MethodPost, contentType: "application/xml", status: http.StatusOK},
}

func TestMethods(t *testing.T) {
	for i, tc := range methodTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			e := newEnv(t, bosh.Config{Origin: "https://example.net"})
			req, err := http.NewRequest(tc.method, e.srv.URL, strings.NewReader(bodyStart+`rid='1' to='example.net' wait='0'/>`))
			if err != nil {
				t.Fatal(err)
			}
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			resp, err := e.srv.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Errorf("wrong status: want=%d, got=%d", tc.status, resp.StatusCode)
			}
			if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "https://example.net" {
				t.Errorf("wrong CORS origin: %q", origin)
			}
			if tc.status == http.StatusMethodNotAllowed && resp.Header.Get("Allow") == "" {
				t.Errorf("expected Allow header")
			}
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	e := newEnv(t, bosh.Config{MaxBodySize: 64})
	r := e.post(bodyStart + `rid='1' to='example.net'><message><body>` + strings.Repeat("x", 128) + `</body></message></body>`)
	if r.status != http.StatusBadRequest {
		t.Errorf("oversized body should be rejected, got %d", r.status)
	}
}

// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh_test

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"mellium.im/bosh"
	"mellium.im/bosh/codec"
	"mellium.im/bosh/internal/boshtest"
)

const (
	timeout = 5 * time.Second

	bodyStart = `<body xmlns='http://jabber.org/protocol/httpbind' xmlns:xmpp='urn:xmpp:xbosh' `
)

type env struct {
	t    *testing.T
	m    *bosh.Manager
	conn *boshtest.Connector
	srv  *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, cfg bosh.Config) *env {
	t.Helper()
	conn := boshtest.NewConnector()
	if cfg.Connector == nil {
		cfg.Connector = conn
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	m := bosh.NewManager(cfg)
	srv := httptest.NewServer(bosh.NewHandler(m))
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return &env{t: t, m: m, conn: conn, srv: srv}
}

type reply struct {
	status  int
	header  http.Header
	raw     []byte
	body    codec.Body
	payload []codec.Stanza
}

// post sends a request and parses the response, decompressing it if
// necessary.
func (e *env) post(body string, header ...string) reply {
	e.t.Helper()
	r, err := e.do(body, header...)
	if err != nil {
		e.t.Fatal(err)
	}
	return r
}

func (e *env) do(body string, header ...string) (reply, error) {
	req, err := http.NewRequest(http.MethodPost, e.srv.URL, strings.NewReader(body))
	if err != nil {
		return reply{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("error posting: %w", err)
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return reply{}, fmt.Errorf("error reading gzip response: %w", err)
		}
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return reply{}, fmt.Errorf("error reading deflate response: %w", err)
		}
		r = zr
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return reply{}, fmt.Errorf("error reading response: %w", err)
	}
	out := reply{status: resp.StatusCode, header: resp.Header, raw: raw}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	out.body, out.payload, err = codec.Parse(raw)
	if err != nil {
		return reply{}, fmt.Errorf("error parsing response %q: %w", raw, err)
	}
	return out, nil
}

// postAsync sends a request in a new goroutine.
func (e *env) postAsync(body string) <-chan reply {
	c := make(chan reply, 1)
	go func() {
		r, err := e.do(body)
		if err != nil {
			e.t.Error(err)
		}
		c <- r
	}()
	return c
}

// create opens a session and returns its creation reply.
func (e *env) create(attrs string) reply {
	e.t.Helper()
	r := e.post(bodyStart + `rid='1' to='example.net' ` + attrs + `/>`)
	if r.status != http.StatusOK || r.body.SID == "" {
		e.t.Fatalf("session creation failed: %d %s", r.status, r.raw)
	}
	return r
}

func wait(t *testing.T, c <-chan reply) reply {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(timeout):
		t.Fatal("timed out waiting for response")
	}
	return reply{}
}

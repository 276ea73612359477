// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"mellium.im/bosh/upstream"
)

// Version is the highest version of XEP-0124 implemented by this package.
const Version = "1.11"

// Default values used for zero fields of Config.
const (
	DefaultMaxWait        = 60 * time.Second
	DefaultMaxHold        = 1
	DefaultInactivity     = 60 * time.Second
	DefaultPolling        = 2 * time.Second
	DefaultMaxPause       = 120 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultMaxBodySize    = 1 << 20
)

// Config controls the behavior of a Manager and the sessions it creates.
// The zero value for each field is equivalent to using the default listed in
// its documentation.
type Config struct {
	// MaxWait is the longest time a request will be held open.
	// Longer values requested by clients are reduced to MaxWait.
	// Defaults to DefaultMaxWait.
	MaxWait time.Duration

	// MaxHold is the maximum number of requests held open at once.
	// Defaults to DefaultMaxHold.
	MaxHold int

	// Inactivity is the longest time a session may go without a request open
	// before it expires.
	// Defaults to DefaultInactivity.
	Inactivity time.Duration

	// Polling is the shortest allowable interval between requests in polling
	// sessions, it is advertised to clients.
	// Defaults to DefaultPolling.
	Polling time.Duration

	// MaxPause is the longest time a client may pause a session for.
	// If negative, pausing is disabled.
	// Defaults to DefaultMaxPause.
	MaxPause time.Duration

	// StartupTimeout bounds the time spent connecting to the XMPP server and
	// waiting for its stream features.
	// Defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration

	// SweepInterval is how often sessions are checked for inactivity.
	// Defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// MaxBodySize is the largest HTTP request body that will be read.
	// Defaults to DefaultMaxBodySize.
	MaxBodySize int64

	// MaxSessions limits the number of concurrent sessions.
	// If zero there is no limit.
	MaxSessions int

	// CreateRate limits how many sessions may be created per second with bursts
	// of up to CreateBurst.
	// If zero there is no limit.
	CreateRate  rate.Limit
	CreateBurst int

	// Domains restricts the domains that sessions may be opened to.
	Domains DomainPolicy

	// AllowRoute enables the 'route' attribute that lets clients pick the host
	// and port of the XMPP server.
	AllowRoute bool

	// Compression enables gzip and deflate compression of responses for clients
	// that advertise support with the 'accept' attribute.
	Compression bool

	// Origin is sent as the value of the Access-Control-Allow-Origin header.
	// If empty, "*" is used.
	Origin string

	// Connector is used to open connections to XMPP servers.
	// If nil, a zero upstream.Dialer is used.
	Connector Connector

	// Logger receives structured logs about sessions and requests.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxHold <= 0 {
		c.MaxHold = DefaultMaxHold
	}
	if c.Inactivity <= 0 {
		c.Inactivity = DefaultInactivity
	}
	if c.Polling <= 0 {
		c.Polling = DefaultPolling
	}
	if c.MaxPause == 0 {
		c.MaxPause = DefaultMaxPause
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Origin == "" {
		c.Origin = "*"
	}
	if c.Connector == nil {
		c.Connector = DialConnector(&upstream.Dialer{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

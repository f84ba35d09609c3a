package ftp

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// sessionConns dials and tracks the control and data connections of one
// session, so that a cancelled context can tear all of them down. The library
// only exposes the data connection of a retrieval; an upload blocked on a
// stalled data connection can only be released by closing the socket.
type sessionConns struct {
	dialer    net.Dialer
	tlsConfig *tls.Config

	mu      sync.Mutex
	dialed  int
	open    map[*trackedConn]struct{}
	aborted bool
}

func newSessionConns(timeout time.Duration, tlsConfig *tls.Config) *sessionConns {
	return &sessionConns{
		dialer:    net.Dialer{Timeout: timeout},
		tlsConfig: tlsConfig,
		open:      make(map[*trackedConn]struct{}),
	}
}

// dial is handed to the library for every connection it opens. The first one
// is the control connection; the library upgrades it itself when TLS is on.
// Data connections bypass the library's TLS handling when a dial function is
// set, so they are wrapped here.
func (s *sessionConns) dial(network, address string) (net.Conn, error) {
	conn, err := s.dialer.Dial(network, address)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		conn.Close()
		return nil, net.ErrClosed
	}
	tc := &trackedConn{Conn: conn, owner: s}
	s.open[tc] = struct{}{}
	s.dialed++
	if s.dialed > 1 && s.tlsConfig != nil {
		return tls.Client(tc, s.tlsConfig), nil
	}
	return tc, nil
}

// abort closes every open connection. The session is unusable afterwards.
func (s *sessionConns) abort() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.aborted = true
	conns := make([]*trackedConn, 0, len(s.open))
	for tc := range s.open {
		conns = append(conns, tc)
	}
	s.mu.Unlock()

	for _, tc := range conns {
		tc.Close()
	}
}

func (s *sessionConns) isAborted() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *sessionConns) forget(tc *trackedConn) {
	s.mu.Lock()
	delete(s.open, tc)
	s.mu.Unlock()
}

type trackedConn struct {
	net.Conn
	owner *sessionConns
	once  sync.Once
	err   error
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.owner.forget(c)
		c.err = c.Conn.Close()
	})
	return c.err
}

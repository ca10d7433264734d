// Package proxyserver implements the per-request proxy state machine
// (§4.5) and the accept loop that feeds it (§4.6).
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
)

// recognizedVerbInitials are the first-byte values (case-insensitive) of
// the HTTP verbs the accept loop is willing to hand to the HTTP server.
// Anything else — a TLS ClientHello, an SSH banner, garbage — is dropped
// before it ever reaches the HTTP codec.
var recognizedVerbInitials = map[byte]bool{
	'G': true, // GET
	'H': true, // HEAD
	'P': true, // POST
	'D': true, // DELETE
	'C': true, // CONNECT
	'O': true, // OPTIONS
	'T': true, // TRACE
}

// AcceptLoop binds a listener, screens each accepted connection's first
// byte, and serves recognized HTTP connections with Handler.
type AcceptLoop struct {
	Addr    string
	Handler *Service

	// Backlog sets the listen(2) backlog, per spec.md's "concurrent sets
	// both the TCP listen() backlog and the bound on the blocking-thread
	// pool." Zero or less falls back to the runtime's own default
	// backlog via a plain net.Listen.
	Backlog int
}

// Run binds the listener and serves until ctx is cancelled, at which point
// it stops accepting and waits for in-flight connections to drain
// gracefully (dhttp.ServerConfig.Serve's built-in shutdown behavior).
func (a *AcceptLoop) Run(ctx context.Context) error {
	var ln net.Listener
	var err error
	if a.Backlog > 0 {
		ln, err = listenTCPWithBacklog(a.Addr, a.Backlog)
	} else {
		ln, err = net.Listen("tcp", a.Addr)
	}
	if err != nil {
		return err
	}
	sl := &sniffingListener{Listener: ln, ctx: ctx}

	// h2c lets a client that already knows this is a proxy speak HTTP/2
	// cleartext (prior-knowledge or Upgrade) directly; anything else falls
	// through to Handler unchanged, same wiring as the teacher's echo
	// server in integration_test/testdata/echo-server/main.go.
	var handler http.Handler = h2c.NewHandler(a.Handler, &http2.Server{})
	sc := &dhttp.ServerConfig{Handler: handler}
	dlog.Infof(ctx, "accept: listening on %s", ln.Addr())
	return sc.Serve(ctx, sl)
}

// sniffingListener wraps a net.Listener, classifying accept() errors per
// §4.6 and peeking (without consuming) the first byte of every accepted
// connection to screen for a recognized HTTP verb initial.
type sniffingListener struct {
	net.Listener
	ctx context.Context
}

func (s *sniffingListener) Accept() (net.Conn, error) {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if isTransientAcceptError(err) {
				continue
			}
			if s.ctx.Err() != nil {
				return nil, err
			}
			dlog.Errorf(s.ctx, "accept: %v", err)
			select {
			case <-time.After(time.Second):
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			}
			continue
		}

		peeked, ok := peekAndScreen(s.ctx, conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		return peeked, nil
	}
}

func isTransientAcceptError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// peekAndScreen reads exactly one byte without consuming it from the
// server's point of view: the byte and everything after it remain
// available to the HTTP codec via the returned conn's buffered reader.
func peekAndScreen(ctx context.Context, conn net.Conn) (net.Conn, bool) {
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	if err != nil {
		dlog.Debugf(ctx, "accept: peek from %s: %v", conn.RemoteAddr(), err)
		return nil, false
	}
	verb := strings.ToUpper(string(b))[0]
	if !recognizedVerbInitials[verb] {
		dlog.Warnf(ctx, "accept: unrecognized first byte %q from %s, dropping", b[0], conn.RemoteAddr())
		return nil, false
	}
	return &peekedConn{Conn: conn, br: br}, true
}

// peekedConn routes reads through the buffered reader that already holds
// the peeked byte, so nothing is lost to the screening step.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

package proxyserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datawire/dlib/dlog"

	"github.com/randhop/randhop/internal/connector"
	"github.com/randhop/randhop/internal/errcat"
	"github.com/randhop/randhop/internal/resolve"
	"github.com/randhop/randhop/internal/shutdown"
)

// defaultHappyEyeballsTimeout is the delay before the Connector starts
// racing the fallback address family. It isn't an operator-facing config
// field (§6 lists no such field); it's an internal tuning constant, the
// same role the teacher's hardcoded dialTimeout plays in
// pkg/connpool/dialer.go.
const defaultHappyEyeballsTimeout = 300 * time.Millisecond

// Service implements the per-request proxy state machine of §4.5:
// dispatch on method, either forward a plain HTTP request or establish a
// CONNECT tunnel.
type Service struct {
	Connector      *connector.Connector
	ConfigSnapshot func() ConnectPolicy

	// Drain, if set, tracks in-flight CONNECT tunnels and forwarded
	// requests. Hijacked connections are invisible to dhttp's own
	// graceful-shutdown bookkeeping (they leave the HTTP server's
	// accounting the moment Hijack() returns), so tunnels need this
	// separate refcount for an orderly drain on exit.
	Drain *shutdown.Token
}

// ConnectPolicy is the subset of the live config snapshot the Connector
// needs per request.
type ConnectPolicy struct {
	ConnectTimeout time.Duration
	CIDR           *netip.Prefix
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	ctx := dlog.WithField(r.Context(), "req_id", reqID)
	r = r.WithContext(ctx)

	if r.Method == http.MethodConnect {
		s.tunnel(w, r)
		return
	}
	s.forward(w, r)
}

func (s *Service) connectorFor() *connector.Connector {
	policy := s.ConfigSnapshot()
	cfg := connector.Config{
		ConnectTimeout:       policy.ConnectTimeout,
		HappyEyeballsTimeout: defaultHappyEyeballsTimeout,
		NoDelay:              true,
	}
	if policy.CIDR != nil {
		cfg.CIDR = policy.CIDR
	}
	return s.Connector.WithConfig(cfg)
}

// forward builds a one-shot HTTP client whose transport dials through the
// Connector, issues the request verbatim, and streams the response body
// back to the client.
func (s *Service) forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Tracked the same way tunnel() tracks a hijacked connection: once a
	// request is admitted, a shutdown signal (Drain.Cancel) must not
	// truncate it mid-stream, only stop new requests from extending the
	// drain window.
	if s.Drain != nil {
		done := s.Drain.Track()
		defer done()
	}

	conn := s.connectorFor()

	transport := &http.Transport{
		DialContext:        conn.DialContext,
		DisableCompression: true,
	}
	client := &http.Client{Transport: transport}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = outReq.Host
	}

	resp, err := client.Do(outReq)
	if err != nil {
		dlog.Warnf(ctx, "forward %s: %v", r.URL, err)
		http.Error(w, errcat.Http.Newf("upstream request failed: %w", err).Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		dlog.Debugf(ctx, "forward %s: copying response body: %v", r.URL, err)
	}
	dlog.Tracef(ctx, "forward %s: %d response bytes", r.URL, n)
}

// tunnel implements the CONNECT state machine of §4.5: respond before any
// upstream attempt, then relay bytes until EOF or error.
func (s *Service) tunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, _, explicit, err := resolve.SplitHostPort("", r.Host)
	if err != nil || !explicit {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("CONNECT must be to a socket address"))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, errcat.Upgrade.Newf("connection does not support hijacking").Error(), http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		dlog.Errorf(ctx, "tunnel %s: hijack: %v", r.Host, err)
		return
	}
	defer clientConn.Close()

	if s.Drain != nil {
		done := s.Drain.Track()
		defer done()
	}

	// The response must be observable before any upstream attempt: a
	// tunnel failure is never reflected on the HTTP status line, only in
	// logs and via the client seeing EOF on its subsequent I/O.
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		dlog.Errorf(ctx, "tunnel %s: writing 200: %v", r.Host, err)
		return
	}

	conn := s.connectorFor()
	upstream, err := conn.Connect(ctx, "", r.Host)
	if err != nil {
		dlog.Errorf(ctx, "tunnel %s: connect: %v", r.Host, err)
		return
	}
	defer upstream.Close()

	upBytes, downBytes := relay(ctx, clientConn, upstream)
	dlog.Tracef(ctx, "tunnel %s: %d bytes up, %d bytes down", r.Host, upBytes, downBytes)
}

// relay copies bytes bidirectionally until both directions finish. A
// half-close (EOF in one direction) does not end the other; any I/O error
// closes both sides to unblock the peer.
func relay(ctx context.Context, client, upstream net.Conn) (upBytes, downBytes int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(upstream, client)
		upBytes = n
		dlog.Tracef(ctx, "tunnel: client->upstream done, %d bytes, err=%v", n, err)
		if err != nil {
			_ = client.Close()
			_ = upstream.Close()
		} else if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(client, upstream)
		downBytes = n
		dlog.Tracef(ctx, "tunnel: upstream->client done, %d bytes, err=%v", n, err)
		if err != nil {
			_ = client.Close()
			_ = upstream.Close()
		} else if cw, ok := client.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	wg.Wait()
	return upBytes, downBytes
}

package proxyserver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randhop/randhop/internal/connector"
	"github.com/randhop/randhop/internal/resolve"
	"github.com/randhop/randhop/internal/shutdown"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	conn := connector.New(resolve.New(4), connector.Config{ConnectTimeout: 2 * time.Second})
	return &Service{
		Connector: conn,
		ConfigSnapshot: func() ConnectPolicy {
			return ConnectPolicy{ConnectTimeout: 2 * time.Second}
		},
	}
}

func TestServiceForwardsPlainRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	proxySrv := httptest.NewServer(svc)
	defer proxySrv.Close()

	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	proxyURL, err := req.URL.Parse(proxySrv.URL)
	require.NoError(t, err)

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
}

// TestServiceForwardDoesNotTruncateStreamingBodyOnShutdownSignal covers
// Scenario S6: a shutdown signal arriving mid-stream must not truncate an
// already-admitted forward response body, only stop the drain token from
// treating it as finished before it actually is.
func TestServiceForwardDoesNotTruncateStreamingBodyOnShutdownSignal(t *testing.T) {
	const (
		chunkSize  = 64 * 1024
		chunkCount = 160 // 10 MiB total
	)
	chunk := bytes.Repeat([]byte{0xAB}, chunkSize)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for i := 0; i < chunkCount; i++ {
			_, _ = w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer upstream.Close()

	svc := newTestService(t)
	svc.Drain = shutdown.NewToken(context.Background())
	proxySrv := httptest.NewServer(svc)
	defer proxySrv.Close()

	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)
	proxyURL, err := req.URL.Parse(proxySrv.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	drained := make(chan struct{})
	go func() {
		svc.Drain.Wait()
		close(drained)
	}()

	// Fire the shutdown signal while the body is still streaming. Cancel
	// only stops new work from being tracked; it must not abort this
	// already-admitted request.
	time.Sleep(5 * time.Millisecond)
	svc.Drain.Cancel()

	select {
	case <-drained:
		t.Fatal("drain finished before the in-flight forward completed")
	default:
	}

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, body, chunkSize*chunkCount)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete after the forward finished")
	}
}

func TestServiceTunnelRelaysBytes(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	svc := newTestService(t)
	proxySrv := httptest.NewServer(svc)
	defer proxySrv.Close()

	proxyAddr := proxySrv.Listener.Addr().String()
	rawConn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer rawConn.Close()

	fmtReq := "CONNECT " + echoLn.Addr().String() + " HTTP/1.1\r\nHost: " + echoLn.Addr().String() + "\r\n\r\n"
	_, err = rawConn.Write([]byte(fmtReq))
	require.NoError(t, err)

	reader := bufio.NewReader(rawConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")
	// Consume the blank line terminating the response headers.
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	_, err = rawConn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestServiceTunnelRejectsMissingPort(t *testing.T) {
	svc := newTestService(t)
	proxySrv := httptest.NewServer(svc)
	defer proxySrv.Close()

	rawConn, err := net.Dial("tcp", proxySrv.Listener.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	_, err = rawConn.Write([]byte("CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(rawConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "400")
}

package proxyserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeekAndScreenAcceptsRecognizedVerb(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	}()

	conn, ok := peekAndScreen(context.Background(), server)
	require.True(t, ok)

	buf := make([]byte, 3)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "GET", string(buf[:n]))
}

func TestPeekAndScreenRejectsUnrecognizedFirstByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("\x16\x03\x01\x00\x01")) // TLS ClientHello record header
	}()

	_, ok := peekAndScreen(context.Background(), server)
	require.False(t, ok)
}

func TestIsTransientAcceptError(t *testing.T) {
	require.False(t, isTransientAcceptError(context.Canceled))
}

func TestSniffingListenerStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sl := &sniffingListener{Listener: ln, ctx: ctx}

	done := make(chan error, 1)
	go func() {
		_, err := sl.Accept()
		done <- err
	}()

	cancel()
	_ = ln.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after listener close")
	}
}

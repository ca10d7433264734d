//go:build !windows

package proxyserver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenTCPWithBacklogAcceptsConnections(t *testing.T) {
	ln, err := listenTCPWithBacklog("127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
		accepted <- err
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, <-accepted)
}

func TestListenTCPWithBacklogRejectsBadAddress(t *testing.T) {
	_, err := listenTCPWithBacklog("not-an-address", 16)
	require.Error(t, err)
}

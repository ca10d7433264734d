package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveIPv4Literal(t *testing.T) {
	r := New(4)
	addrs, err := r.Resolve(context.Background(), "127.0.0.1", 8080)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "127.0.0.1:8080", addrs[0].String())
}

func TestResolveIPv6Literal(t *testing.T) {
	r := New(4)
	addrs, err := r.Resolve(context.Background(), "::1", 443)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, uint16(443), addrs[0].Port())
}

func TestResolveCancelledContext(t *testing.T) {
	r := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, "example.invalid.", 80)
	require.Error(t, err)
}

func TestResolveTimeout(t *testing.T) {
	r := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	_, err := r.Resolve(ctx, "example.invalid.", 80)
	require.Error(t, err)
}

func TestSplitHostPortDefaults(t *testing.T) {
	host, port, explicit, err := SplitHostPort("https", "example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(443), port)
	require.False(t, explicit)

	host, port, explicit, err = SplitHostPort("http", "example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(80), port)
	require.False(t, explicit)
}

func TestSplitHostPortExplicit(t *testing.T) {
	host, port, explicit, err := SplitHostPort("http", "example.com:8080")
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(8080), port)
	require.True(t, explicit)
}

func TestSplitHostPortIPv6Brackets(t *testing.T) {
	host, port, explicit, err := SplitHostPort("http", "[::1]:9000")
	require.NoError(t, err)
	require.Equal(t, "::1", host)
	require.Equal(t, uint16(9000), port)
	require.True(t, explicit)
}

func TestSplitHostPortMissing(t *testing.T) {
	_, _, _, err := SplitHostPort("http", "")
	require.Error(t, err)
}

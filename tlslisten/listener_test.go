package tlslisten

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenPlainNoTLSNoProxy(t *testing.T) {
	lis, h, acmeHandler, err := Listen("localhost:0", DefaultOptions(), http.NotFoundHandler())
	require.NoError(t, err)
	defer lis.Close()

	assert.NotNil(t, h)
	assert.Nil(t, acmeHandler)

	_, ok := lis.(*proxyCapableListener)
	assert.True(t, ok)
}

func TestListenRejectsMismatchedTLSFiles(t *testing.T) {
	opts := DefaultOptions()
	opts.TLSCertFile = "/does/not/exist.pem"
	opts.TLSKeyFile = "/does/not/exist-key.pem"

	_, _, _, err := Listen("localhost:0", opts, http.NotFoundHandler())
	assert.Error(t, err)
}

func TestProxyCapableListenerAcceptPlainConnection(t *testing.T) {
	nl, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	tl := nl.(*net.TCPListener)
	l, err := newProxyCapableListener(tl, Options{})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	_, ok := conn.(*proxyConn)
	assert.False(t, ok)
}

func TestProxyConnParsesV1Header(t *testing.T) {
	nl, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	tl := nl.(*net.TCPListener)
	l, err := newProxyCapableListener(tl, Options{ProxyEnabled: true})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte("PROXY TCP4 10.0.0.1 10.0.0.2 1111 2222\r\nhello"))
	}()

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	pc, ok := conn.(*proxyConn)
	require.True(t, ok)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	assert.Equal(t, "10.0.0.1", pc.RemoteAddr().(*net.TCPAddr).IP.String())
	assert.Equal(t, 1111, pc.RemoteAddr().(*net.TCPAddr).Port)
	assert.Equal(t, "10.0.0.2", pc.LocalAddr().(*net.TCPAddr).IP.String())
}

func TestProxyConnWhitelistExcludesUnlistedPeer(t *testing.T) {
	nl, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	tl := nl.(*net.TCPListener)
	l, err := newProxyCapableListener(tl, Options{
		ProxyEnabled:            true,
		ProxyRelayerIPWhitelist: []string{"192.0.2.1/32"},
	})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	_, ok := conn.(*proxyConn)
	assert.False(t, ok, "loopback peer is not in the whitelist, so PROXY parsing must be skipped")
}

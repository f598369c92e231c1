package rendezvous

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyRegistersAndReportsPublicAddr(t *testing.T) {
	var registrations int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "client-1", req.ClientID)
		assert.Equal(t, "tok", req.AuthToken)

		if r.URL.Path == "/register" {
			atomic.AddInt32(&registrations, 1)
		}

		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(registerResponse{PublicHost: "proxy.example.com", PublicPort: 2222})
	}))
	defer srv.Close()

	target := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}
	p := Start("client-1", srv.URL, target, "tok", 50*time.Millisecond, 20*time.Millisecond)
	defer p.Shutdown()

	info, ok := p.PublicAddr(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "proxy.example.com", info.Hostname)
	assert.Equal(t, 2222, info.Port)
	assert.Empty(t, info.HostKeyFingerprints, "host-key fingerprints are supplied by the coordinator later, not derived here")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&registrations), int32(1))
}

func TestProxyPublicAddrTimesOutWhenServerUnreachable(t *testing.T) {
	target := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}
	p := Start("client-1", "http://127.0.0.1:1", target, "tok", time.Second, 10*time.Millisecond)
	defer p.Shutdown()

	_, ok := p.PublicAddr(100 * time.Millisecond)
	assert.False(t, ok)
}

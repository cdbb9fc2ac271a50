package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConnections(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	srv := NewServer(DefaultServerConfig(), nil)

	var gone []string
	srv.SetOnDisconnect(func(id string) { gone = append(gone, id) })

	staleConn, stalePeer := net.Pipe()
	defer stalePeer.Close()
	liveConn, livePeer := net.Pipe()
	defer livePeer.Close()
	go func() { _, _ = io.Copy(io.Discard, livePeer) }()

	now := time.Now()
	stale := &Connection{ID: "stale", Conn: staleConn, Fd: 1}
	stale.lastActive.Store(now.Add(-time.Minute).UnixNano())
	live := &Connection{ID: "live", Conn: liveConn, Fd: 2, writeTimeout: time.Second}
	live.lastActive.Store(now.UnixNano())

	srv.conns.Add(stale)
	srv.conns.Add(live)

	checkConnections(srv, cfg, now)

	assert.Equal(t, []string{"stale"}, gone)
	require.NotNil(t, srv.Connections().Get("live"))
	assert.Nil(t, srv.Connections().Get("stale"))
}

func TestConnection_TouchAndLastActive(t *testing.T) {
	c := &Connection{}
	before := time.Now()
	c.Touch()
	assert.False(t, c.LastActive().Before(before))
}

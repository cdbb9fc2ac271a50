package ws

import (
	"time"

	"github.com/gobwas/ws"
	log "github.com/sirupsen/logrus"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frame received within Interval + Timeout). It returns
// immediately; the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections idle for longer than Interval +
// Timeout and pings the rest. Browsers answer the protocol-level ping
// (opcode 0x9) with a pong automatically, which counts as activity.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.WithFields(log.Fields{
				"component": "ws",
				"session":   c.ID,
				"idle":      idle.Round(time.Second).String(),
			}).Info("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.WithFields(log.Fields{"component": "ws", "session": c.ID}).
				WithError(err).Debug("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame on the connection.
// The write mutex ensures this does not interleave with other outbound
// frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

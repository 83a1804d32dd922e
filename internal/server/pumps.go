package server

import (
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/streamgate/internal/hub"
	"github.com/adred-codev/streamgate/internal/monitoring"
)

const (
	// heartbeatInterval paces the literal `ping` text frame. There is no
	// read deadline; a dead peer is detected when this write fails.
	heartbeatInterval = 80 * time.Second
	heartbeatMessage  = "ping"

	// writeWait bounds a single frame write so a wedged peer cannot park
	// the write pump forever.
	writeWait = 5 * time.Second
)

// conn pairs one upgraded socket with its broadcast receiver. The write
// pump owns the socket's write half, the read pump its read half; the
// registries are touched only through bounded critical sections.
type conn struct {
	id       string
	channel  string
	sock     net.Conn
	receiver *hub.Receiver

	closeOnce sync.Once
}

// close shuts the socket once; whichever pump is still blocked on it
// then fails fast and unwinds.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.sock.Close()
	})
}

// writePump multiplexes the broadcast receiver and the heartbeat ticker
// onto the socket. Payload frames are forwarded verbatim; `ping` may be
// interleaved between payloads but never splits one.
func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
		s.wg.Done()
	}()

	for {
		select {
		case msg, ok := <-c.receiver.C():
			if !ok {
				// Receiver detached by teardown.
				wsutil.WriteServerMessage(c.sock, ws.OpClose, nil)
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpText, []byte(msg)); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpText, []byte(heartbeatMessage)); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("Failed to send heartbeat")
				return
			}
			monitoring.HeartbeatsSent.Inc()
		}
	}
}

// readPump drains inbound frames. Subscribers have no upstream channel,
// so payloads are discarded; a Close frame, a read error, or a frame
// arriving after an admin detach removed the record ends the session,
// and this pump then owns the shared teardown.
func (s *Server) readPump(c *conn) {
	defer func() {
		s.teardown(c)
		s.wg.Done()
	}()

	for {
		_, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if !slices.Contains(s.clients.IDsOn(c.channel), c.id) {
			return
		}
	}
}

// teardown closes the socket, detaches the broadcast receiver (which
// unblocks the write pump immediately) and drops the registry record.
// The record may already be gone after an admin detach; Remove is
// idempotent, so that race is harmless.
func (s *Server) teardown(c *conn) {
	c.close()
	c.receiver.Close()
	s.clients.Remove(c.id)
	s.conns.Delete(c)

	monitoring.ConnectionsActive.Dec()
	s.logger.Info().
		Str("connection_id", c.id).
		Str("channel", c.channel).
		Msg("Subscriber disconnected")
}

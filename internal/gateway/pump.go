package gateway

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// lockedWriter routes control-frame replies (pongs) through the
// connection's write mutex so they cannot interleave with data frames.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	w.c.sock.SetWriteDeadline(time.Now().Add(w.c.gw.cfg.WriteTimeout))
	return w.c.sock.Write(p)
}

// readPump is the connection's only reader. Frames beyond the envelope
// cap are a protocol violation: the client gets ERROR 4000 and close
// code 1002. Everything else routes through the dispatcher.
func (c *Conn) readPump() {
	defer c.gw.wg.Done()
	defer c.Close(protocol.CloseNormal, "client disconnected")

	reader := wsutil.NewReader(c.sock, ws.StateServerSide)
	controls := wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)

	// Heartbeats arrive every interval; twice that without any frame
	// means the peer is gone.
	readWait := 2 * c.gw.cfg.HeartbeatInterval

	for {
		if c.State() == StateClosed {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(readWait))

		hdr, err := reader.NextFrame()
		if err != nil {
			c.logReadExit(err)
			return
		}

		if hdr.OpCode.IsControl() {
			if err := controls(hdr, reader); err != nil {
				c.logReadExit(err)
				return
			}
			continue
		}

		if hdr.Length > protocol.MaxEnvelopeBytes {
			if err := reader.Discard(); err != nil {
				return
			}
			c.writeDirect(protocol.NewError(protocol.CodeInvalidFormat, "message exceeds 64KiB limit"))
			c.Close(protocol.CloseProtocolError, "frame too large")
			return
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			c.logReadExit(err)
			return
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			continue
		}
		c.gw.dispatcher.Dispatch(c, payload)
	}
}

func (c *Conn) logReadExit(err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		c.gw.logger.Debug().
			Int64("conn_id", c.id).
			Int("close_code", int(closed.Code)).
			Msg("client sent close frame")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		// Ordinary disconnect.
	default:
		c.gw.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("read pump exit")
	}
}

// writePump is the connection's only data-frame writer. It drains the
// send queue in batches and emits a protocol ping plus a SYSTEM
// heartbeat on the configured interval.
func (c *Conn) writePump() {
	defer c.gw.wg.Done()

	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.writeFrame(ws.OpText, data); err != nil {
				c.Close(0, "write failed")
				return
			}
			// Drain whatever else is queued before going back to sleep.
			for n := len(c.send); n > 0; n-- {
				select {
				case more := <-c.send:
					if err := c.writeFrame(ws.OpText, more); err != nil {
						c.Close(0, "write failed")
						return
					}
				default:
					n = 0
				}
			}

		case <-ticker.C:
			if err := c.writeFrame(ws.OpPing, nil); err != nil {
				c.Close(0, "ping failed")
				return
			}
			hb, err := protocol.Encode(&protocol.Envelope{
				Type:   protocol.TypeSystem,
				Topic:  "system",
				Action: "heartbeat",
			})
			if err == nil {
				if err := c.writeFrame(ws.OpText, hb); err != nil {
					c.Close(0, "heartbeat failed")
					return
				}
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	return wsutil.WriteServerMessage(c.sock, op, data)
}

// writeDirect pushes an ERROR frame straight onto the socket, bypassing
// the queue. Used when the queue cannot be trusted to deliver (protocol
// violations, slow-consumer teardown).
func (c *Conn) writeDirect(perr *protocol.Error) {
	data, err := protocol.Encode(protocol.ErrorEnvelope(perr))
	if err != nil {
		return
	}
	c.writeFrame(ws.OpText, data)
}

package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxFlushFrames      = 64
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter owns all writes to the connection. Frames are written in
// queue order; nothing is reordered or dropped while the connection is up.
type outboundWriter struct {
	ws      wsWriter
	ctx     context.Context
	cfg     Config
	queue   <-chan outboundFrame
	onWrite func(outboundFrame)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		// Queued frames go out before a pending shutdown is honored.
		select {
		case frame, ok := <-w.queue:
			if !ok {
				w.close(writeTimeout)
				return nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-done:
			w.flushOnShutdown(writeTimeout)
			w.close(writeTimeout)
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.queue:
			if !ok {
				w.close(writeTimeout)
				return nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) close(writeTimeout time.Duration) {
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

// flushOnShutdown writes frames still queued when the connection context is
// canceled, bounded in time and count.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		return err
	}
	if w.onWrite != nil {
		w.onWrite(frame)
	}
	return nil
}

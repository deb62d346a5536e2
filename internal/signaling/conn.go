package signaling

import (
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// closeGrace is how long the writer waits for the peer to answer a close
// frame before dropping the socket.
const closeGrace = time.Second

const idleTimeoutText = "idle timeout"

// wsConn is the registry.Conn for one WebSocket.
type wsConn struct {
	id    string
	attrs map[string]string

	ws      *websocket.Conn
	q       *sendQueue
	log     *slog.Logger
	metrics *metrics.Metrics

	writeTimeout time.Duration

	writerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(id string, attrs map[string]string, ws *websocket.Conn, cfg Config) *wsConn {
	return &wsConn{
		id:           id,
		attrs:        attrs,
		ws:           ws,
		q:            newSendQueue(cfg.SendQueueFrames, cfg.SendQueueBytes),
		log:          cfg.Logger.With("conn_id", id),
		metrics:      cfg.Metrics,
		writeTimeout: cfg.WriteTimeout,
		writerDone:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Attr(key string) (string, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

func (c *wsConn) Send(frame []byte) error {
	err := c.q.push(outbound{kind: textFrame, data: frame})
	if errors.Is(err, ErrSendQueueFull) {
		c.metrics.Inc(metrics.SendQueueFull)
	}
	return err
}

func (c *wsConn) Ping(payload []byte) error {
	return c.q.push(outbound{kind: pingFrame, data: payload})
}

// closeWith flushes queued frames, then sends a close frame.
func (c *wsConn) closeWith(code int, text string) {
	c.q.seal(outbound{kind: closeFrame, data: websocket.FormatCloseMessage(code, text)})
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		f, ok := c.q.pop()
		if !ok {
			return
		}
		deadline := time.Now().Add(c.writeTimeout)

		var err error
		switch f.kind {
		case textFrame:
			_ = c.ws.SetWriteDeadline(deadline)
			err = c.ws.WriteMessage(websocket.TextMessage, f.data)
		case pingFrame:
			err = c.ws.WriteControl(websocket.PingMessage, f.data, deadline)
		case closeFrame:
			err = c.ws.WriteControl(websocket.CloseMessage, f.data, deadline)
			if err == nil {
				// The read loop sees the peer's close reply; the timer covers a
				// peer that never answers.
				time.AfterFunc(closeGrace, func() { _ = c.ws.Close() })
				return
			}
		}
		if err != nil {
			c.log.Debug("signaling write failed", "err", err)
			c.q.close()
			_ = c.ws.Close()
			return
		}
	}
}

// shutdown stops the writer and releases the socket. It is safe to call more
// than once.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.q.close()
		_ = c.ws.Close()
		<-c.writerDone
	})
}

// attributes keeps the first value of each query parameter.
func attributes(query url.Values) map[string]string {
	attrs := make(map[string]string, len(query))
	for k, vs := range query {
		if len(vs) > 0 {
			attrs[k] = vs[0]
		}
	}
	return attrs
}

// closeReason reports why the read loop ended.
func closeReason(err error) lifecycle.CloseReason {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		return lifecycle.CloseReason{Code: ce.Code, Text: ce.Text}
	case errors.Is(err, websocket.ErrReadLimit):
		return lifecycle.CloseReason{Code: websocket.CloseMessageTooBig, Text: "message too big"}
	case isTimeout(err):
		return lifecycle.CloseReason{Code: websocket.CloseAbnormalClosure, Text: idleTimeoutText}
	default:
		return lifecycle.CloseReason{Code: websocket.CloseAbnormalClosure}
	}
}

package broadcast

import (
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	QueueSize      int `yaml:"QueueSize"`
	WriteTimeoutMs int `yaml:"WriteTimeoutMs"`
}

func DefaultConfig() Config {
	return Config{QueueSize: DefaultQueueSize, WriteTimeoutMs: 1000}
}

func (c Config) WriteTimeout() time.Duration {
	if c.WriteTimeoutMs <= 0 {
		return time.Second
	}
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// WSSubscriber delivers messages over a gorilla websocket connection.
type WSSubscriber struct {
	*QueueSubscriber
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSSubscriber wraps conn and starts its writer goroutine.
func NewWSSubscriber(conn *websocket.Conn, cfg Config) *WSSubscriber {
	s := &WSSubscriber{
		QueueSubscriber: NewQueueSubscriber(cfg.QueueSize),
		conn:            conn,
		writeTimeout:    cfg.WriteTimeout(),
	}
	s.onClose = func() {
		deadline := time.Now().Add(s.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	go s.writePump()
	return s
}

func (s *WSSubscriber) writePump() {
	for {
		select {
		case <-s.Done():
			return
		case msg := <-s.Messages():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

// ReadLoop consumes client keepalive traffic until the peer goes away, then
// closes the subscriber. It blocks.
func (s *WSSubscriber) ReadLoop() {
	s.conn.SetReadLimit(64 * 1024)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			_ = s.Close()
			return
		}
	}
}

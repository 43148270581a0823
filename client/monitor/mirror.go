package monitor

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/pimbroker/broker/internal/notify"
)

// WebSocketMirror relays notifications from a broker server's websocket
// notification endpoint into a Monitor, for clients that want delivery
// over a web-friendly transport instead of the binary wire protocol.
type WebSocketMirror struct {
	conn    *websocket.Conn
	monitor *Monitor
}

func DialMirror(url string, monitor *Monitor) (*WebSocketMirror, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketMirror{conn: conn, monitor: monitor}, nil
}

// Run reads notifications until the socket closes, feeding each into the
// monitor.
func (m *WebSocketMirror) Run() error {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return err
		}
		var n notify.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		m.monitor.Record(n)
	}
}

func (m *WebSocketMirror) Close() error {
	return m.conn.Close()
}

package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// dialWithRetry attempts to dial a WebSocket connection with retries for transient errors
func dialWithRetry(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var conn *websocket.Conn
	var resp *http.Response
	var err error

	for i := 0; i < 10; i++ {
		conn, resp, err = websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			return conn, resp, nil
		}

		errMsg := err.Error()
		if strings.Contains(errMsg, "can't assign requested address") ||
			strings.Contains(errMsg, "connection refused") ||
			strings.Contains(errMsg, "i/o timeout") {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return nil, resp, err
	}
	return conn, resp, err
}

// readJSON reads the next frame into v with a deadline
func readJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// newTestClient builds a client without a connection for hub-level tests
func newTestClient(hub *Hub, id string, buffer int) *Client {
	client := NewClient(nil, hub, id)
	client.Send = make(chan []byte, buffer)
	return client
}

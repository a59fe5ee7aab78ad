// Package websockettest holds helpers for exercising websocket endpoints in tests.
package websockettest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// URL rewrites an httptest server URL into a websocket URL with an optional raw query.
func URL(serverURL, path, rawQuery string) string {
	url := "ws" + strings.TrimPrefix(serverURL, "http") + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}

// Dial opens a websocket connection with the default dialer.
func Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, header)
}

// DialIgnoringPongs connects and disables automatic pong replies so tests can simulate an unresponsive peer.
func DialIgnoringPongs(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// ReadWithin reads one data message, failing after timeout.
func ReadWithin(conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

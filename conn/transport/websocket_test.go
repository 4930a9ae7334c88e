package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer() *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	srv := newEchoServer()
	defer srv.Close()

	d := &WebSocketDialer{}
	tr, err := d.Dial(wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	opened := make(chan struct{})
	messages := make(chan []byte, 1)
	tr.Bind(Handler{
		OnOpen: func() {
			close(opened)
		},
		OnMessage: func(data []byte) {
			messages <- data
		},
	})

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("open event never fired")
	}

	if err := tr.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-messages:
		if string(data) != "hello" {
			t.Fatalf("echo = %q, want %q", data, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	tr := NewWebSocket("ws://127.0.0.1:1/")

	errs := make(chan error, 1)
	tr.Bind(Handler{
		OnError: func(err error) {
			errs <- err
		},
	})

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("error event never fired for unreachable endpoint")
	}
}

func TestWebSocketPeerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "done"),
			time.Now().Add(time.Second),
		)
		// Drain until the close handshake completes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := &WebSocketDialer{}
	tr, err := d.Dial(wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	type closeEvent struct {
		code   int
		reason string
	}
	closes := make(chan closeEvent, 1)
	tr.Bind(Handler{
		OnClose: func(code int, reason string) {
			closes <- closeEvent{code, reason}
		},
	})

	select {
	case ev := <-closes:
		if ev.code != 4000 || ev.reason != "done" {
			t.Fatalf("close event = %+v, want (4000, done)", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close event never fired")
	}
}

func TestWebSocketFromConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		tr := NewWebSocketFromConn(conn)
		tr.Bind(Handler{
			OnMessage: func(data []byte) {
				tr.Send(data)
			},
		})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("echo = %q, want %q", data, "ping")
	}
}

func TestWebSocketDialerRejectsScheme(t *testing.T) {
	d := &WebSocketDialer{}
	if _, err := d.Dial("http://example.test/"); err != ErrBadAddress {
		t.Fatalf("Dial = %v, want ErrBadAddress", err)
	}
}

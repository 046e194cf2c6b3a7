package tabsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newStoreServer runs a fake realtime store endpoint. handle is invoked per
// connection with the 1-based dial count; the auth frame is already consumed.
func newStoreServer(t *testing.T, handle func(conn *websocket.Conn, dial int64)) string {
	t.Helper()
	var dials int64
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		auth := wsFrame{}
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		handle(conn, atomic.AddInt64(&dials, 1))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestWSStoreFailsInFlightRequestsOnDisconnect(t *testing.T) {
	t.Parallel()
	host := newStoreServer(t, func(conn *websocket.Conn, dial int64) {
		for {
			f := wsFrame{}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if dial == 1 {
				// Drop with the request in flight, no reply.
				return
			}
			conn.WriteJSON(wsResp{Type: "r", ID: f.ID, Data: "v"})
		}
	})

	s := NewWSStore(StoreConfig{Host: host, ReadMessageSizeLimit: 1 << 20}, "o1", "tab-ws")
	defer s.Close()

	ready := make(chan struct{})
	var once sync.Once
	cancel := s.Connected(func(c bool) {
		if c {
			once.Do(func() { close(ready) })
		}
	})
	defer cancel()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("store never connected")
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "x")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("dropped request: got nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request still blocked after disconnect")
	}

	// After the redial the client serves requests again.
	waitFor(t, 10*time.Second, "request after reconnect", func() bool {
		ctx, cc := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cc()
		v, err := s.Get(ctx, "x")
		return err == nil && v == "v"
	})
}

func TestWSStoreRequestFailsFastWhileDisconnected(t *testing.T) {
	t.Parallel()
	// No server at all: the client keeps redialing and must not queue
	// requests into the void.
	s := NewWSStore(StoreConfig{Host: "127.0.0.1:1", ReadMessageSizeLimit: 1 << 20}, "o1", "tab-ws2")
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "x")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("disconnected request: got nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request blocked with no connection")
	}
}

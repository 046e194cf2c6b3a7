package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	redialDelay = 2 * time.Second
)

type wsFrame struct {
	Type   string         `json:"t"`
	ID     string         `json:"i,omitempty"`
	Path   string         `json:"p,omitempty"`
	Data   any            `json:"d,omitempty"`
	Fields map[string]any `json:"f,omitempty"`

	// auth fields
	Origin string `json:"o,omitempty"`
	Client string `json:"m,omitempty"`
	Token  string `json:"tk,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

type wsResp struct {
	Type string `json:"t"`
	ID   string `json:"i"`
	Code int    `json:"c"`
	Path string `json:"p"`
	Data any    `json:"d"`
	Msg  string `json:"m"`
}

// WSStore talks to the remote realtime database over a websocket. It
// reconnects with a fixed delay, replays path subscriptions and disconnect
// hook registrations after each dial, and drives the connected signal.
type WSStore struct {
	cfg      StoreConfig
	origin   string
	clientID string
	log      *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	pending   map[string]chan wsResp
	subs      map[string]func(any)
	hooks     map[string]*wsHook
	connected bool
	connSubs  map[int]func(bool)
	nextSub   int
	closed    bool

	nextID int64
}

func NewWSStore(cfg StoreConfig, origin, clientID string) *WSStore {
	s := &WSStore{
		cfg:      cfg,
		origin:   origin,
		clientID: clientID,
		log:      zap.S().With("method", "wsstore", "client", clientID),
		pending:  map[string]chan wsResp{},
		subs:     map[string]func(any){},
		hooks:    map[string]*wsHook{},
		connSubs: map[int]func(bool){},
	}
	go s.run()
	return s
}

func (s *WSStore) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.dial(); err != nil {
			s.log.Error("dial:", err)
			time.Sleep(redialDelay)
			continue
		}
		s.pump()
		s.setConnected(false)
		time.Sleep(redialDelay)
	}
}

func (s *WSStore) dial() error {
	u := url.URL{Scheme: "ws", Host: s.cfg.Host, Path: "/ws"}
	dialer := websocket.Dialer{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	ts := time.Now().Unix()
	auth := wsFrame{
		Type:   "auth",
		Origin: s.origin,
		Client: s.clientID,
		Token:  TokenMD5(s.cfg.Secret, s.origin, s.clientID, fmt.Sprint(ts)),
		Ts:     ts,
	}
	data, _ := json.Marshal(auth)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.send = make(chan []byte, 16)
	paths := make([]string, 0, len(s.subs))
	for p := range s.subs {
		paths = append(paths, p)
	}
	hooks := make([]*wsHook, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.mu.Unlock()

	s.setConnected(true)

	// Replay live subscriptions and hook registrations.
	for _, p := range paths {
		s.post(wsFrame{Type: "sub", ID: s.reqID(), Path: p})
	}
	for _, h := range hooks {
		s.post(wsFrame{Type: "ondisc", ID: h.id, Path: h.path, Fields: h.fields})
	}
	return nil
}

// pump runs both pumps and returns when the connection dies.
func (s *WSStore) pump() {
	s.mu.Lock()
	conn := s.conn
	send := s.send
	s.mu.Unlock()

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(conn)
	close(done)
	conn.Close()
	s.failPending()
}

// failPending fails every in-flight request when the connection drops so
// callers return promptly instead of blocking across the redial.
func (s *WSStore) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]chan wsResp{}
	s.send = nil
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- wsResp{Code: 1, Msg: "connection lost"}
	}
}

// readPump pumps frames from the websocket connection. At most one reader
// per connection.
func (s *WSStore) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(s.cfg.ReadMessageSizeLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Error("read:", err)
			}
			return
		}
		r := wsResp{}
		if err := json.Unmarshal(message, &r); err != nil {
			s.log.Error("read json:", err)
			continue
		}
		switch r.Type {
		case "r":
			s.mu.Lock()
			ch, ok := s.pending[r.ID]
			delete(s.pending, r.ID)
			s.mu.Unlock()
			if ok {
				ch <- r
			}
		case "ev":
			s.mu.Lock()
			fn := s.subs[r.Path]
			s.mu.Unlock()
			if fn != nil {
				fn(r.Data)
			}
		}
	}
}

// writePump pumps queued frames to the websocket connection. At most one
// writer per connection.
func (s *WSStore) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Error("write:", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Error("write ping:", err)
				return
			}
		}
	}
}

func (s *WSStore) setConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	fns := make([]func(bool), 0, len(s.connSubs))
	for _, fn := range s.connSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (s *WSStore) reqID() string {
	return fmt.Sprint(atomic.AddInt64(&s.nextID, 1))
}

func (s *WSStore) post(f wsFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error("post json:", err)
		return false
	}
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return false
	}
	select {
	case send <- data:
		return true
	default:
		s.log.Error("post: send queue full, dropping ", f.Type)
		return false
	}
}

// request posts a frame and waits for the matching response.
func (s *WSStore) request(ctx context.Context, f wsFrame) (wsResp, error) {
	f.ID = s.reqID()
	ch := make(chan wsResp, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()
	if !s.post(f) {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return wsResp{}, fmt.Errorf("store: not connected")
	}
	select {
	case r := <-ch:
		if r.Code != 0 {
			return r, fmt.Errorf("store: %s", r.Msg)
		}
		return r, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return wsResp{}, ctx.Err()
	}
}

func (s *WSStore) Get(ctx context.Context, path string) (any, error) {
	r, err := s.request(ctx, wsFrame{Type: "get", Path: path})
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (s *WSStore) Set(ctx context.Context, path string, value any) error {
	_, err := s.request(ctx, wsFrame{Type: "set", Path: path, Data: value})
	return err
}

func (s *WSStore) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := s.request(ctx, wsFrame{Type: "update", Path: path, Fields: fields})
	return err
}

func (s *WSStore) Push(ctx context.Context, path string, value any) (string, error) {
	r, err := s.request(ctx, wsFrame{Type: "push", Path: path, Data: value})
	if err != nil {
		return "", err
	}
	key, _ := r.Data.(string)
	return key, nil
}

func (s *WSStore) Delete(ctx context.Context, path string) error {
	_, err := s.request(ctx, wsFrame{Type: "delete", Path: path})
	return err
}

func (s *WSStore) Subscribe(ctx context.Context, path string, fn func(any)) error {
	s.mu.Lock()
	s.subs[path] = fn
	s.mu.Unlock()
	_, err := s.request(ctx, wsFrame{Type: "sub", Path: path})
	return err
}

func (s *WSStore) Unsubscribe(ctx context.Context, path string) error {
	s.mu.Lock()
	delete(s.subs, path)
	s.mu.Unlock()
	_, err := s.request(ctx, wsFrame{Type: "unsub", Path: path})
	return err
}

type wsHook struct {
	store  *WSStore
	id     string
	path   string
	fields map[string]any
}

func (h *wsHook) Cancel(ctx context.Context) error {
	h.store.mu.Lock()
	delete(h.store.hooks, h.id)
	h.store.mu.Unlock()
	_, err := h.store.request(ctx, wsFrame{Type: "ondisc_cancel", Path: h.path, Data: h.id})
	return err
}

func (s *WSStore) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) (DisconnectHook, error) {
	h := &wsHook{store: s, id: s.reqID(), path: path, fields: fields}
	s.mu.Lock()
	s.hooks[h.id] = h
	s.mu.Unlock()
	if _, err := s.request(ctx, wsFrame{Type: "ondisc", Path: path, Fields: fields}); err != nil {
		s.mu.Lock()
		delete(s.hooks, h.id)
		s.mu.Unlock()
		return nil, err
	}
	return h, nil
}

func (s *WSStore) Connected(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.connSubs[id] = fn
	cur := s.connected
	s.mu.Unlock()
	go fn(cur)
	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

func (s *WSStore) ServerTimestamp() any {
	return map[string]any{serverTimestampMarker: true}
}

func (s *WSStore) Transaction(ctx context.Context, path string, fn func(any) (any, error)) error {
	// Optimistic read-modify-write; the server rejects stale writes.
	cur, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	_, err = s.request(ctx, wsFrame{Type: "tx", Path: path, Data: next})
	return err
}

func (s *WSStore) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

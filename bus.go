package tabsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

// Channel names, one per concern. Election traffic and realtime relay
// never share a channel so a chatty relay cannot delay election messages.
const (
	ChannelTabSync  = "tab-sync-channel"
	ChannelRealtime = "realtime-sync-channel"
)

type MessageType string

const (
	MsgHello           MessageType = "HELLO"
	MsgMasterPresent   MessageType = "MASTER_PRESENT"
	MsgMasterAlive     MessageType = "MASTER_ALIVE"
	MsgMasterClaim     MessageType = "MASTER_CLAIM"
	MsgMasterReleased  MessageType = "MASTER_RELEASED"
	MsgRequestSync     MessageType = "REQUEST_SYNC"
	MsgRequestPathSync MessageType = "REQUEST_PATH_SYNC"
	MsgRealtimeUpdate  MessageType = "REALTIME_UPDATE"
)

// Message is one broadcast frame. Sender carries the posting tab's id so
// receivers can drop their own frames; a browser broadcast channel never
// delivers to the poster, redis pub/sub does.
type Message struct {
	Type   MessageType `json:"t"`
	Sender string      `json:"s"`
	Path   string      `json:"p,omitempty"`
	Data   any         `json:"d,omitempty"`
}

// Bus is one origin-scoped broadcast channel. Listen callbacks never see
// the bus's own posts.
type Bus interface {
	Post(m Message) error
	Listen(fn func(Message)) (cancel func())
	Close() error
}

// RedisBus carries one channel over redis pub/sub.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	sender  string

	mu        sync.Mutex
	listeners map[int]func(Message)
	next      int
	sub       *redis.PubSub
	closed    bool
}

func NewRedisBus(rdb *redis.Client, origin, channel, sender string) *RedisBus {
	b := &RedisBus{
		rdb:       rdb,
		channel:   origin + ":" + channel,
		sender:    sender,
		listeners: map[int]func(Message){},
	}
	go b.recv()
	return b
}

func (b *RedisBus) recv() {
	log := zap.S().With("method", "busRecv", "channel", b.channel)
	defer func() {
		if err := recover(); err != nil {
			log.Error("recv err:", err)
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			go b.recv()
		}
	}()
	sub := b.rdb.Subscribe(context.Background(), b.channel)
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	for msg := range sub.Channel() {
		m := Message{}
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			log.Error("recv json:", err)
			continue
		}
		if m.Sender == b.sender {
			continue
		}
		b.dispatch(m)
	}
}

func (b *RedisBus) dispatch(m Message) {
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (b *RedisBus) Post(m Message) error {
	m.Sender = b.sender
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), b.channel, string(data)).Err()
}

func (b *RedisBus) Listen(fn func(Message)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// MemoryBroker connects buses inside one process. Used by tests and by
// multi-tab setups that share a process; semantics match the redis bus.
type MemoryBroker struct {
	mu    sync.Mutex
	buses map[string][]*memoryBus
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{buses: map[string][]*memoryBus{}}
}

// Open returns a bus on the named channel for one tab.
func (k *MemoryBroker) Open(channel, sender string) Bus {
	b := &memoryBus{
		broker:    k,
		channel:   channel,
		sender:    sender,
		listeners: map[int]func(Message){},
	}
	k.mu.Lock()
	k.buses[channel] = append(k.buses[channel], b)
	k.mu.Unlock()
	return b
}

type memoryBus struct {
	broker  *MemoryBroker
	channel string
	sender  string

	mu        sync.Mutex
	listeners map[int]func(Message)
	next      int
	closed    bool
}

func (b *memoryBus) Post(m Message) error {
	m.Sender = b.sender
	b.broker.mu.Lock()
	peers := append([]*memoryBus(nil), b.broker.buses[b.channel]...)
	b.broker.mu.Unlock()
	for _, p := range peers {
		if p == b {
			continue
		}
		p.dispatch(m)
	}
	return nil
}

func (b *memoryBus) dispatch(m Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	fns := make([]func(Message), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (b *memoryBus) Listen(fn func(Message)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.broker.mu.Lock()
	peers := b.broker.buses[b.channel]
	for i, p := range peers {
		if p == b {
			b.broker.buses[b.channel] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	b.broker.mu.Unlock()
	return nil
}

package tabsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type coordState int

const (
	stateIdle coordState = iota
	stateCandidate
	stateMaster
)

// TabCoordinator elects one visible tab per origin as master. There is no
// global lock: duplicate masters are resolved by the next MASTER_CLAIM
// collision, not prevented.
type TabCoordinator struct {
	bus Bus
	vis *VisibilityTracker
	cfg TabsConfig
	log *zap.SugaredLogger

	mu         sync.Mutex
	state      coordState
	claimTimer *time.Timer
	hbStop     chan struct{}
	subs       map[int]chan bool
	next       int
	closed     bool

	cancelBus func()
	cancelVis func()
}

// NewTabCoordinator wires the election. bus may be nil when the broadcast
// primitive is unavailable; the tab then never becomes master and the
// gateway runs in degraded single-tab mode.
func NewTabCoordinator(bus Bus, vis *VisibilityTracker, cfg TabsConfig) *TabCoordinator {
	return &TabCoordinator{
		bus:  bus,
		vis:  vis,
		cfg:  cfg,
		log:  zap.S().With("method", "coordinator"),
		subs: map[int]chan bool{},
	}
}

func (c *TabCoordinator) Start() {
	if c.bus != nil {
		c.cancelBus = c.bus.Listen(c.onMessage)
	}
	ch, cancel := c.vis.Subscribe()
	c.cancelVis = cancel
	go func() {
		for visible := range ch {
			c.onVisibility(visible)
		}
	}()
}

func (c *TabCoordinator) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateMaster
}

// Subscribe returns a mastership stream primed with the current value.
func (c *TabCoordinator) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	ch := make(chan bool, 8)
	c.subs[id] = ch
	ch <- c.state == stateMaster
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}
}

// Close releases mastership, as on page unload.
func (c *TabCoordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasMaster := c.state == stateMaster
	c.toIdleLocked()
	c.mu.Unlock()
	if wasMaster && c.bus != nil {
		c.bus.Post(Message{Type: MsgMasterReleased})
	}
	if c.cancelBus != nil {
		c.cancelBus()
	}
	if c.cancelVis != nil {
		c.cancelVis()
	}
	c.notify(false)
}

func (c *TabCoordinator) onVisibility(visible bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if visible {
		if c.state == stateIdle && c.bus != nil {
			c.toCandidateLocked()
			c.mu.Unlock()
			c.bus.Post(Message{Type: MsgHello})
			return
		}
		c.mu.Unlock()
		return
	}
	switch c.state {
	case stateMaster:
		c.toIdleLocked()
		c.mu.Unlock()
		c.log.Info("hidden, releasing master")
		c.bus.Post(Message{Type: MsgMasterReleased})
		c.notify(false)
	case stateCandidate:
		c.toIdleLocked()
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *TabCoordinator) onMessage(m Message) {
	switch m.Type {
	case MsgHello:
		c.mu.Lock()
		master := c.state == stateMaster
		c.mu.Unlock()
		if master {
			c.bus.Post(Message{Type: MsgMasterAlive})
			c.bus.Post(Message{Type: MsgMasterPresent})
		}
	case MsgMasterAlive, MsgMasterPresent:
		c.mu.Lock()
		if c.state == stateCandidate {
			c.toIdleLocked()
		}
		c.mu.Unlock()
	case MsgMasterClaim:
		c.mu.Lock()
		switch c.state {
		case stateMaster:
			// Last claim wins. Step down and let the release round
			// re-elect if the claimer dies.
			c.toIdleLocked()
			c.mu.Unlock()
			c.log.Info("competing claim, stepping down")
			c.bus.Post(Message{Type: MsgMasterReleased})
			c.notify(false)
		case stateCandidate:
			// A claim proves a master exists; abort candidacy.
			c.toIdleLocked()
			c.mu.Unlock()
		default:
			c.mu.Unlock()
		}
	case MsgMasterReleased:
		c.mu.Lock()
		if c.state == stateIdle && !c.closed && c.vis.Visible() {
			c.toCandidateLocked()
			c.mu.Unlock()
			c.bus.Post(Message{Type: MsgHello})
			return
		}
		c.mu.Unlock()
	}
}

func (c *TabCoordinator) toCandidateLocked() {
	c.state = stateCandidate
	c.claimTimer = time.AfterFunc(c.cfg.MasterCheckDelay, c.claim)
}

func (c *TabCoordinator) claim() {
	c.mu.Lock()
	if c.state != stateCandidate || c.closed || !c.vis.Visible() {
		if c.state == stateCandidate {
			c.state = stateIdle
		}
		c.mu.Unlock()
		return
	}
	c.state = stateMaster
	c.claimTimer = nil
	c.hbStop = make(chan struct{})
	go c.heartbeat(c.hbStop)
	c.mu.Unlock()
	c.log.Info("claiming master")
	c.bus.Post(Message{Type: MsgMasterClaim})
	c.notify(true)
}

func (c *TabCoordinator) heartbeat(stop chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if c.vis.Visible() {
				c.bus.Post(Message{Type: MsgMasterAlive})
			}
		}
	}
}

// toIdleLocked cancels the claim timer and heartbeat for any state.
func (c *TabCoordinator) toIdleLocked() {
	if c.claimTimer != nil {
		c.claimTimer.Stop()
		c.claimTimer = nil
	}
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.state = stateIdle
}

func (c *TabCoordinator) notify(master bool) {
	c.mu.Lock()
	for _, ch := range c.subs {
		push(ch, master)
	}
	c.mu.Unlock()
}

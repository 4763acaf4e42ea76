package hydraclient

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultMaxReconnectAttempts is how many times a dropped connection
	// is redialed before the client gives up for good.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectDelay is the fixed pause before each reconnect
	// attempt.
	DefaultReconnectDelay = 5 * time.Second

	// defaultHandshakeTimeout bounds the websocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound command write.
	writeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Send when the transport is not open.
// Commands are never queued while disconnected.
var ErrNotConnected = errors.New("connection to head node not open")

// ConnConfig packages the dependencies and knobs of a single node
// connection.
type ConnConfig struct {
	// Participant names the node this connection belongs to, such as
	// "platform" or "platform-peer".
	Participant string

	// URL is the node's websocket endpoint.
	URL string

	// OnEvent receives every decoded inbound event, in arrival order.
	// It is invoked from a single dispatch goroutine.
	OnEvent func(Event)

	// OnConnect fires each time the transport (re)opens, after the
	// snapshot request has been issued.
	OnConnect func()

	// OnExhausted fires once when all reconnect attempts are spent.
	// The connection is dead afterwards and requires operator action.
	OnExhausted func()

	// MaxReconnectAttempts overrides DefaultMaxReconnectAttempts when
	// positive.
	MaxReconnectAttempts int

	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
}

// Status is a point-in-time view of the transport, exposed for channel
// status reporting.
type Status struct {
	// Connected reports whether the transport is currently open.
	Connected bool

	// ReconnectAttempts is the number of consecutive failed attempts
	// since the transport was last open.
	ReconnectAttempts int

	// Exhausted reports whether the client has permanently given up.
	Exhausted bool
}

// Conn maintains one duplex connection to a participant's head node. It
// redials dropped connections a bounded number of times, decodes inbound
// protocol events and hands them to the configured handler in arrival
// order, and serializes outbound commands.
type Conn struct {
	started uint32
	stopped uint32

	cfg *ConnConfig

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	attempts  int
	exhausted bool

	events *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewConn creates a connection for the given config. The transport is not
// dialed until Start.
func NewConn(cfg *ConnConfig) *Conn {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	return &Conn{
		cfg:    cfg,
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
	}
}

// Start dials the node and launches the receive and dispatch loops.
func (c *Conn) Start() error {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return nil
	}

	log.Infof("ChannelConnection(%s): connecting to %s",
		c.cfg.Participant, c.cfg.URL)

	c.events.Start()

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.connectLoop()

	return nil
}

// Stop tears down the transport and waits for all goroutines to exit.
func (c *Conn) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return nil
	}

	log.Infof("ChannelConnection(%s): shutting down", c.cfg.Participant)

	close(c.quit)

	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.events.Stop()

	return nil
}

// Status returns the current transport state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Connected:         c.connected,
		ReconnectAttempts: c.attempts,
		Exhausted:         c.exhausted,
	}
}

// Send serializes the command onto the wire. It fails immediately with
// ErrNotConnected while the transport is down; nothing is queued.
func (c *Conn) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.ws == nil {
		return ErrNotConnected
	}

	log.Debugf("ChannelConnection(%s): sending %s", c.cfg.Participant,
		cmd.Tag())

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(cmd)
}

// InitHead requests head initialization.
func (c *Conn) InitHead() error {
	return c.Send(InitCommand())
}

// SubmitTx submits a CBOR encoded transaction into the head.
func (c *Conn) SubmitTx(cborHex string) error {
	return c.Send(&NewTxCommand{CborHex: cborHex})
}

// CloseHead requests head closure.
func (c *Conn) CloseHead() error {
	return c.Send(CloseCommand())
}

// Fanout requests distribution of the final output set back to L1.
func (c *Conn) Fanout() error {
	return c.Send(FanoutCommand())
}

// RequestSnapshot asks the node for a full output set snapshot.
func (c *Conn) RequestSnapshot() error {
	return c.Send(GetUTxOCommand())
}

// connectLoop dials the node and runs the read loop, redialing on drops
// until the attempt budget is spent.
func (c *Conn) connectLoop() {
	defer c.wg.Done()

	for {
		dialer := websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		}
		ws, _, err := dialer.Dial(c.cfg.URL, nil)
		if err != nil {
			log.Warnf("ChannelConnection(%s): dial failed: %v",
				c.cfg.Participant, err)

			if !c.waitRetry() {
				return
			}
			continue
		}

		// Stop may have run while the dial was in flight, in which
		// case nothing would ever close the fresh socket. The check
		// happens under the mutex: Stop closes quit before it
		// inspects c.ws, so either we see quit closed here, or Stop
		// sees the installed socket and closes it.
		c.mu.Lock()
		select {
		case <-c.quit:
			c.mu.Unlock()
			ws.Close()
			return
		default:
		}

		c.ws = ws
		c.connected = true
		c.attempts = 0
		c.mu.Unlock()

		log.Infof("ChannelConnection(%s): connected",
			c.cfg.Participant)

		// Seed the reconciler with a full snapshot on every
		// (re)connect before reporting the connection up.
		if err := c.RequestSnapshot(); err != nil {
			log.Warnf("ChannelConnection(%s): snapshot request "+
				"failed: %v", c.cfg.Participant, err)
		}

		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}

		c.readLoop(ws)

		c.mu.Lock()
		c.connected = false
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-c.quit:
			return
		default:
		}

		log.Warnf("ChannelConnection(%s): connection dropped",
			c.cfg.Participant)

		if !c.waitRetry() {
			return
		}
	}
}

// waitRetry consumes one reconnect attempt and sleeps the fixed delay. It
// returns false when the budget is spent or the client is shutting down,
// signaling the connect loop to exit.
func (c *Conn) waitRetry() bool {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	if attempts > c.cfg.MaxReconnectAttempts {
		c.exhausted = true
	}
	exhausted := c.exhausted
	c.mu.Unlock()

	if exhausted {
		log.Errorf("ChannelConnection(%s): reconnect attempts "+
			"exhausted after %d tries", c.cfg.Participant,
			c.cfg.MaxReconnectAttempts)

		if c.cfg.OnExhausted != nil {
			c.cfg.OnExhausted()
		}

		return false
	}

	log.Infof("ChannelConnection(%s): reconnecting, attempt %d/%d",
		c.cfg.Participant, attempts, c.cfg.MaxReconnectAttempts)

	select {
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	case <-c.quit:
		return false
	}
}

// readLoop decodes inbound messages and feeds them to the event queue until
// the transport drops. Unparseable payloads are dropped and logged, never
// fatal.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		event, err := decodeEvent(raw)
		if err != nil {
			log.Warnf("ChannelConnection(%s): dropping "+
				"unparseable message: %v", c.cfg.Participant,
				err)
			log.Tracef("ChannelConnection(%s): raw payload: %s",
				c.cfg.Participant, raw)
			continue
		}

		if unknown, ok := event.(*UnknownEvent); ok {
			log.Debugf("ChannelConnection(%s): unhandled event "+
				"%s: %v", c.cfg.Participant, unknown.EventTag,
				spew.Sdump(unknown.Raw))
		}

		select {
		case c.events.ChanIn() <- event:
		case <-c.quit:
			return
		}
	}
}

// dispatchLoop drains the event queue, handing events to the handler one at
// a time so per-connection arrival order is preserved.
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case item := <-c.events.ChanOut():
			event := item.(Event)

			log.Tracef("ChannelConnection(%s): dispatching %s",
				c.cfg.Participant, event.Tag())

			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(event)
			}

		case <-c.quit:
			return
		}
	}
}

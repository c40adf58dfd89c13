package transports

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/square-key-labs/waav/src/gateway"
	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/session"
)

// GatewayUpgrader is the websocket.Upgrader the gateway's connection
// shell uses: permissive CheckOrigin, since the client SDKs, dashboards and
// widgets this gateway serves run from arbitrary browser origins, and
// origin policy belongs in front of the gateway (reverse proxy / auth),
// not in this upgrader.
var GatewayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ConnectionOptions configures the per-connection gateway transport
// shell.
type ConnectionOptions struct {
	// ControlMessageRate and ControlMessageBurst bound the token
	// bucket applied to inbound control (text) frames; audio (binary)
	// frames are never rate limited here. Audio backpressure is
	// enforced downstream, at the provider push_audio boundary.
	ControlMessageRate  rate.Limit
	ControlMessageBurst int

	// PingInterval is how often the shell sends a transport-level
	// (RFC 6455) ping frame. PongTimeout is how long it waits for the
	// matching pong before declaring the heartbeat lost.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// SlowClientBudget bounds how long a single write to the
	// underlying connection may take before the client is judged too
	// slow to keep up and the connection is closed with SLOW_CLIENT.
	SlowClientBudget time.Duration

	// WriteTimeout bounds every individual WriteMessage/WriteControl
	// call, independent of SlowClientBudget.
	WriteTimeout time.Duration
}

func (o *ConnectionOptions) setDefaults() {
	if o.ControlMessageRate == 0 {
		o.ControlMessageRate = 20
	}
	if o.ControlMessageBurst == 0 {
		o.ControlMessageBurst = 40
	}
	if o.PingInterval == 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = 45 * time.Second
	}
	if o.SlowClientBudget == 0 {
		o.SlowClientBudget = time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// GatewayConnection bridges one gorilla/websocket connection to a
// session.Session: an upgraded connection, a read pump decoding frames
// into session input, a write pump draining session output, and a
// heartbeat watchdog, all scoped to a single client.
//
// GatewayConnection owns exactly one socket and exactly one Session;
// there is no shared registry of connections. The gateway's HTTP
// handler constructs one pair per accepted upgrade and lets this type
// drive it to completion.
type GatewayConnection struct {
	conn *websocket.Conn
	sess *session.Session
	opt  ConnectionOptions
	log  *logger.Logger

	limiter *rate.Limiter

	writeMu  sync.Mutex
	lastPong atomic.Int64 // unix nano
}

// NewGatewayConnection wraps an already-upgraded websocket connection.
// Call Serve to run it; Serve blocks until the connection or session
// closes.
func NewGatewayConnection(conn *websocket.Conn, sess *session.Session, opt ConnectionOptions) *GatewayConnection {
	opt.setDefaults()
	c := &GatewayConnection{
		conn:    conn,
		sess:    sess,
		opt:     opt,
		log:     logger.WithPrefix("ws-connection"),
		limiter: rate.NewLimiter(opt.ControlMessageRate, opt.ControlMessageBurst),
	}
	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return c
}

// Serve drives the connection until either side closes it. It never
// returns an error; transport failures surface as a session close.
func (c *GatewayConnection) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.readLoop(cancel) }()
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()

	select {
	case <-c.sess.Done():
	case <-ctx.Done():
	}
	code := c.sess.CloseCode()
	_ = c.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), ""), time.Now().Add(2*time.Second))
	_ = c.conn.Close()
	cancel()
	wg.Wait()
}

// readLoop decodes inbound frames and submits them to the session. It
// returns (via cancel) once the underlying connection errors or the
// peer sends a close frame.
func (c *GatewayConnection) readLoop(cancel context.CancelFunc) {
	defer cancel()
	defer c.sess.Submit(session.InboundEvent{Kind: session.InboundTransportClosed})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("read error: %v", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.sess.Submit(session.InboundEvent{Kind: session.InboundAudio, Audio: data})

		case websocket.TextMessage:
			if !c.limiter.Allow() {
				c.writeError(gateway.NewGatewayError(gateway.ErrProtocol, "control message rate exceeded", true))
				continue
			}
			kind, payload, decodeErr := gateway.DecodeInbound(data)
			if decodeErr != nil {
				if gerr, ok := decodeErr.(*gateway.GatewayError); ok {
					c.writeError(gerr)
				} else {
					c.writeError(gateway.NewGatewayError(gateway.ErrProtocol, decodeErr.Error(), true))
				}
				continue
			}
			c.sess.Submit(session.InboundEvent{Kind: session.InboundControl, Control: kind, Payload: payload})
		}
	}
}

// writeLoop drains the session's outbound wire frames onto the
// connection, enforcing both a hard per-write timeout and a slow
// client budget: a write that blocks past SlowClientBudget means the
// peer isn't draining fast enough and the connection is torn down
// rather than left to buffer unboundedly.
func (c *GatewayConnection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.sess.Out():
			if !ok {
				return
			}
			start := time.Now()
			if err := c.writeText(frame); err != nil {
				c.log.Debug("write error: %v", err)
				return
			}
			if elapsed := time.Since(start); elapsed > c.opt.SlowClientBudget {
				c.log.Debug("slow client: write took %s", elapsed)
				_ = c.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(int(gateway.CloseSlowClient), ""), time.Now().Add(time.Second))
				return
			}
		}
	}
}

// heartbeatLoop sends periodic transport-level pings and watches for a
// missed pong beyond PongTimeout. This is independent of the
// client-issued "ping"/"pong" JSON control messages the session answers
// directly; those measure application latency, this measures transport
// liveness.
func (c *GatewayConnection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.opt.PongTimeout {
				c.log.Debug("heartbeat lost, no pong in %s", c.opt.PongTimeout)
				_ = c.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(int(gateway.CloseHeartbeatLost), ""), time.Now().Add(time.Second))
				return
			}
			if err := c.writeControl(websocket.PingMessage, nil, time.Now().Add(c.opt.WriteTimeout)); err != nil {
				c.log.Debug("ping write error: %v", err)
				return
			}
		}
	}
}

func (c *GatewayConnection) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *GatewayConnection) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

func (c *GatewayConnection) writeError(err *gateway.GatewayError) {
	_ = c.writeText(gateway.EncodeError(err))
}

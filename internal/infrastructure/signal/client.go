package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/protocol"
	"voxrelay/pkg/tracing"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateInChannel
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateInChannel:
		return "in_channel"
	default:
		return "closed"
	}
}

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

type frame struct {
	data   []byte
	binary bool
}

// job is work for the connection's presence worker: either a decoded frame
// or an internal presence update.
type job struct {
	t    protocol.Type
	data []byte
	run  func(ctx context.Context) error
}

// client is one WebSocket connection. Only the serve goroutine writes to
// the socket; everyone else queues through send, or voice for relayed
// audio. Messages that touch
// presence run on a separate worker so a slow store never stalls writes.
type client struct {
	server  *Server
	conn    *websocket.Conn
	userID  domain.UserID
	limiter *rate.Limiter

	send     chan []byte
	voice    chan []byte
	jobs     chan job
	done     chan struct{}
	finished chan struct{}
	idle     chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu             sync.Mutex
	state          connState
	channelID      domain.ChannelID
	protocolErrors int
	// relayed is set once voice_data from this tenure was recorded.
	relayed bool
}

func newClient(s *Server, conn *websocket.Conn, userID domain.UserID) *client {
	c := &client{
		server:    s,
		conn:      conn,
		userID:    userID,
		send:      make(chan []byte, s.cfg.SendBuffer),
		voice:     make(chan []byte, s.cfg.SendBuffer),
		jobs:      make(chan job, s.cfg.PendingOperations),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		idle:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
		state:     stateUnauthenticated,
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = int(s.cfg.MessagesPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}
	return c
}

func (c *client) UserID() domain.UserID { return c.userID }

func (c *client) ChannelID() domain.ChannelID {
	_, ch := c.snapshot()
	return ch
}

func (c *client) snapshot() (connState, domain.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.channelID
}

func (c *client) setState(state connState, channelID domain.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = state
	c.channelID = channelID
}

// Send queues msg for delivery. A connection that cannot keep up is closed
// rather than allowed to stall its senders.
func (c *client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// offer queues voice data on its own lossy queue, so audio can neither
// crowd out replies nor get a member closed. Dropped packets are cheaper
// than a closed member.
func (c *client) offer(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.voice <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendRaw(data []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		c.server.logger.Warnw("closing slow signaling connection", "user_id", c.userID)
		c.shutdown(websocket.CloseTryAgainLater, "send buffer full")
		return errSendBufferFull
	}
}

// shutdown asks the serve loop to send a close frame and stop. The first
// code wins.
func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) serve() {
	s := c.server
	defer close(c.finished)

	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	frames := make(chan frame)
	readErr := make(chan error, 1)
	go c.readPump(frames, readErr)
	go c.work()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

loop:
	for {
		select {
		case f := <-frames:
			if !c.handleFrame(f) {
				c.shutdown(websocket.ClosePolicyViolation, "too many protocol errors")
				c.sendClose()
				break loop
			}

		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to signaling client", "user_id", c.userID, "error", err)
				break loop
			}

		case data := <-c.voice:
			if err := c.write(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to signaling client", "user_id", c.userID, "error", err)
				break loop
			}

		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "user_id", c.userID, "error", err)
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("signaling connection lost", "user_id", c.userID, "error", err)
			}
			break loop

		case <-c.done:
			c.sendClose()
			break loop
		}
	}

	c.shutdown(websocket.CloseNormalClosure, "")
	_ = c.conn.Close()
	<-c.idle
	c.cleanup()
}

// work runs queued presence jobs in arrival order until the connection is
// done. A job already running finishes first.
func (c *client) work() {
	defer close(c.idle)
	for {
		select {
		case <-c.done:
			return
		case j := <-c.jobs:
			select {
			case <-c.done:
				return
			default:
			}
			if !c.runJob(j) {
				c.shutdown(websocket.ClosePolicyViolation, "too many protocol errors")
				return
			}
		}
	}
}

func (c *client) runJob(j job) bool {
	if j.run == nil {
		return c.process(j.t, j.data)
	}
	s := c.server
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		s.logger.Infow("background presence update failed", "user_id", c.userID, "error", err)
	}
	return true
}

// enqueue hands j to the worker without blocking the serve loop.
func (c *client) enqueue(j job) bool {
	select {
	case c.jobs <- j:
		return true
	default:
		return false
	}
}

// sendClose flushes queued messages and sends the close frame chosen by
// the first shutdown call.
func (c *client) sendClose() {
	c.flush()
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.server.cfg.WriteTimeout))
}

// flush writes whatever is already queued, so a final error reply reaches
// the client before the close frame.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) readPump(frames chan<- frame, readErr chan<- error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
		select {
		case frames <- frame{data: data, binary: mt == websocket.BinaryMessage}:
		case <-c.done:
			return
		}
	}
}

// cleanup runs once the socket is gone: the user leaves their channel
// implicitly and the connection record is released. Presence that a newer
// connection of the same user already owns is left alone.
func (c *client) cleanup() {
	s := c.server
	s.unregister(c)

	state, channelID := c.snapshot()
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()

	if state == stateInChannel {
		lock := s.lockUser(c.userID)
		lock.Lock()
		if successor, ch := s.successor(c); successor {
			s.logger.Infow("presence already owned by a newer connection", "user_id", c.userID, "channel_id", ch)
			if ch != channelID {
				s.Broadcast(channelID, protocol.UserEvent{
					Type:      protocol.TypeUserLeft,
					ChannelID: channelID,
					User:      domain.VoiceState{UserID: c.userID, ChannelID: channelID},
				}, c.userID)
			}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
			if err := s.leaveChannel(ctx, c, channelID); err != nil {
				s.logger.Warnw("implicit leave failed", "user_id", c.userID, "channel_id", channelID, "error", err)
			}
			cancel()
		}
		lock.Unlock()
	}

	s.metrics.RecordConnectionClosed()
	s.logger.Infow("signaling client disconnected", "user_id", c.userID, "state", state.String())
}

// handleFrame processes one inbound frame and reports whether the
// connection may stay open.
func (c *client) handleFrame(f frame) bool {
	s := c.server

	if c.limiter != nil && !c.limiter.Allow() {
		return c.protocolError(apperrors.ProtocolError("message rate limit exceeded"))
	}
	if f.binary {
		return c.protocolError(apperrors.ProtocolError("binary frames are not supported"))
	}

	t, err := protocol.Peek(f.data)
	if err != nil {
		return c.protocolError(apperrors.ProtocolError(err.Error()))
	}
	s.metrics.RecordMessage(string(t))

	if state, _ := c.snapshot(); state != stateUnauthenticated && s.deferred(t) {
		if !c.enqueue(job{t: t, data: f.data}) {
			return c.protocolError(apperrors.ProtocolError("too many requests in flight"))
		}
		return true
	}
	return c.process(t, f.data)
}

// process dispatches one message and reports whether the connection may
// stay open.
func (c *client) process(t protocol.Type, data []byte) bool {
	s := c.server

	ctx, span := tracing.TraceWebSocketMessage(s.ctx, string(t), string(c.userID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	err := s.dispatch(ctx, c, t, data)
	switch {
	case err == nil:
		c.resetProtocolErrors()
	case errors.Is(err, domain.ErrProtocol):
		tracing.RecordError(ctx, err)
		return c.protocolError(err)
	default:
		tracing.RecordError(ctx, err)
		c.resetProtocolErrors()
		s.logger.Infow("signaling request failed", "user_id", c.userID, "type", t, "error", err)
		c.replyError(err)
	}
	return true
}

func (c *client) protocolError(err error) bool {
	c.server.metrics.RecordProtocolError()
	c.replyError(err)

	c.mu.Lock()
	c.protocolErrors++
	n := c.protocolErrors
	c.mu.Unlock()

	if n >= c.server.cfg.MaxProtocolErrors {
		c.server.logger.Infow("closing connection after repeated protocol errors", "user_id", c.userID, "errors", n)
		return false
	}
	return true
}

func (c *client) resetProtocolErrors() {
	c.mu.Lock()
	c.protocolErrors = 0
	c.mu.Unlock()
}

// replyError sends the user-facing message only, never the raw cause.
func (c *client) replyError(err error) {
	_ = c.Send(protocol.NewError(apperrors.UserMessage(err)))
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/protocol"
)

var errDialRefused = errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")

// fakeConn plays the signaling server's side of the handshake.
type fakeConn struct {
	userID  domain.UserID
	members []domain.VoiceState

	in chan []byte

	mu      sync.Mutex
	sent    [][]byte
	dropErr error
	dropped chan struct{}
	once    sync.Once
}

func newFakeConn(userID domain.UserID, members []domain.VoiceState) *fakeConn {
	return &fakeConn{
		userID:  userID,
		members: members,
		in:      make(chan []byte, 64),
		dropped: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.dropped:
		return errors.New("use of closed connection")
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()

	t, _ := protocol.Peek(data)
	switch t {
	case protocol.TypeAuthenticate:
		c.push(protocol.Authenticated{Type: protocol.TypeAuthenticated, UserID: c.userID})
	case protocol.TypeJoinChannel:
		var join protocol.JoinChannel
		_ = json.Unmarshal(data, &join)
		members := append([]domain.VoiceState(nil), c.members...)
		members = append(members, domain.VoiceState{UserID: c.userID, ChannelID: join.ChannelID, IsMuted: join.IsMuted})
		c.push(protocol.ChannelMembers{Type: protocol.TypeChannelMembers, ChannelID: join.ChannelID, Members: members, PeerID: "peer-1"})
	}
	return nil
}

func (c *fakeConn) push(msg interface{}) {
	data, _ := json.Marshal(msg)
	c.in <- data
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.dropped:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.dropErr
	}
}

// drop ends the connection from the server side with err.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.dropErr = err
		c.mu.Unlock()
		close(c.dropped)
	})
}

func (c *fakeConn) Close() error {
	c.drop(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.dropped:
		return true
	default:
		return false
	}
}

// sentOfType returns the frames of type t written by the client.
func (c *fakeConn) sentOfType(t protocol.Type) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, data := range c.sent {
		if got, _ := protocol.Peek(data); got == t {
			out = append(out, data)
		}
	}
	return out
}

type fakeDialer struct {
	userID  domain.UserID
	members []domain.VoiceState

	mu    sync.Mutex
	dials int
	fail  bool
	block bool
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (SignalConn, error) {
	d.mu.Lock()
	d.dials++
	block, fail := d.block, d.fail
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errDialRefused
	}
	conn := newFakeConn(d.userID, d.members)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakePeers struct {
	mu        sync.Mutex
	offers    []domain.UserID
	signals   []protocol.SignalPayload
	removed   []domain.UserID
	frames    int
	connected int
	closed    bool
}

func (p *fakePeers) Offer(remote domain.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, remote)
	return nil
}

func (p *fakePeers) HandleSignal(_ domain.UserID, payload protocol.SignalPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, payload)
	return nil
}

func (p *fakePeers) Remove(remote domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, remote)
}

func (p *fakePeers) Has(remote domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.offers {
		if id == remote {
			return true
		}
	}
	return false
}

func (p *fakePeers) WriteAudio([]byte) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *fakePeers) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeers) setConnected(n int) {
	p.mu.Lock()
	p.connected = n
	p.mu.Unlock()
}

func (p *fakePeers) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

type peersView struct {
	offers    []domain.UserID
	signals   []protocol.SignalPayload
	removed   []domain.UserID
	frames    int
	connected int
	closed    bool
}

func (p *fakePeers) snapshot() peersView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peersView{
		offers:    append([]domain.UserID(nil), p.offers...),
		signals:   append([]protocol.SignalPayload(nil), p.signals...),
		removed:   append([]domain.UserID(nil), p.removed...),
		frames:    p.frames,
		connected: p.connected,
		closed:    p.closed,
	}
}

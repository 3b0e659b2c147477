// Package client is the voice client session: microphone permission, the
// signaling connection with bounded reconnection, the local audio graph and
// direct peer sessions with the other channel members.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/config"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/protocol"
	"voxrelay/pkg/retry"
	"voxrelay/pkg/validation"
)

type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StateConnecting
	StateJoined
	StateReconnecting
	StateLeaving
	// StateFailed is Idle with an error: reconnection was exhausted or the
	// microphone was lost. Join starts over from it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingPermission:
		return "requesting_permission"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	ServerID   domain.ServerID
	DeviceInfo domain.DeviceInfo

	// MaxRetries bounds consecutive close events, MaxConnectionErrors the
	// abnormal ones among them.
	MaxRetries          int
	MaxConnectionErrors int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	JoinTimeout         time.Duration

	// QualityInterval throttles connection_quality reports.
	QualityInterval time.Duration
	// VoiceDataFallback relays audio through the signaling server while no
	// direct session carries media.
	VoiceDataFallback bool
	// ICEServers are used when channel_members carries none.
	ICEServers []domain.ICEServer
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		MaxConnectionErrors: 3,
		BackoffBase:         time.Second,
		BackoffMax:          5 * time.Second,
		JoinTimeout:         15 * time.Second,
		QualityInterval:     5 * time.Second,
		VoiceDataFallback:   true,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.MaxRetries = cfg.Client.MaxRetries
	c.MaxConnectionErrors = cfg.Client.MaxConnectionErrors
	c.BackoffBase = cfg.Client.BackoffBase
	c.BackoffMax = cfg.Client.BackoffMax
	c.JoinTimeout = cfg.Client.JoinTimeout
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, domain.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return c
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder attaches a recorder, created per join, to the audio graph.
func WithRecorder(newRecorder func() (Recorder, error)) Option {
	return func(o *Orchestrator) { o.newRecorder = newRecorder }
}

func WithPeerFactory(f PeerFactory) Option {
	return func(o *Orchestrator) { o.newPeers = f }
}

// WithRemoteAudio receives PCMU payloads from other members, whether over a
// direct session or relayed voice_data. Nothing is delivered while deafened.
func WithRemoteAudio(fn func(from domain.UserID, payload []byte)) Option {
	return func(o *Orchestrator) { o.onAudio = fn }
}

type stateEvent struct {
	state State
	err   error
}

// Orchestrator drives one user's voice session. One mutex guards its state;
// the generation counter invalidates joins, dials, timers and pumps that
// belong to an earlier session.
type Orchestrator struct {
	cfg         Config
	devices     AudioDevices
	dialer      Dialer
	newRecorder func() (Recorder, error)
	newPeers    PeerFactory
	onAudio     func(domain.UserID, []byte)
	logger      *zap.SugaredLogger

	// notifyMu orders observer callbacks across goroutines.
	notifyMu sync.Mutex

	mu            sync.Mutex
	state         State
	lastErr       error
	observers     []func(State, error)
	pending       []stateEvent
	gen           uint64
	channelID     domain.ChannelID
	userID        domain.UserID
	members       map[domain.UserID]struct{}
	conn          SignalConn
	audio         *audioChain
	packetizer    rtp.Packetizer
	peers         Peers
	timer         *time.Timer
	cancelAttempt context.CancelFunc
	closeEvents   int
	connErrors    int
	muted         bool
	deafened      bool
	lastQuality   time.Time

	wg sync.WaitGroup
}

func NewOrchestrator(cfg Config, devices AudioDevices, dialer Dialer, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxConnectionErrors <= 0 {
		cfg.MaxConnectionErrors = def.MaxConnectionErrors
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}

	o := &Orchestrator{
		cfg:      cfg,
		devices:  devices,
		dialer:   dialer,
		newPeers: NewPeerManager,
		logger:   log,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnStateChange registers an observer. Observers run synchronously, in
// transition order, and must not call Join or Leave themselves.
func (o *Orchestrator) OnStateChange(fn func(State, error)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// State returns the current state and the error that ended the last
// session, if any.
func (o *Orchestrator) State() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.lastErr
}

func (o *Orchestrator) ChannelID() domain.ChannelID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channelID
}

// Members returns the other users currently in the channel.
func (o *Orchestrator) Members() []domain.UserID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.UserID, 0, len(o.members))
	for id := range o.members {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) transitionLocked(state State, err error) {
	if o.state == state && err == nil {
		return
	}
	o.state = state
	if err != nil || state == StateIdle {
		o.lastErr = err
	}
	o.pending = append(o.pending, stateEvent{state: state, err: err})
}

// unlockAndNotify releases mu and delivers queued transitions. notifyMu is
// taken before mu is released so events from racing goroutines keep their
// order.
func (o *Orchestrator) unlockAndNotify() {
	events := o.pending
	o.pending = nil
	observers := o.observers
	if len(events) == 0 || len(observers) == 0 {
		o.mu.Unlock()
		return
	}
	o.notifyMu.Lock()
	o.mu.Unlock()
	defer o.notifyMu.Unlock()
	for _, e := range events {
		for _, fn := range observers {
			fn(e.state, e.err)
		}
	}
}

// Join requests microphone permission, joins channelID through the
// signaling server, then acquires audio and offers to every member. It
// returns once joined or when the attempt fails. Join while a session is
// in progress is a no-op.
func (o *Orchestrator) Join(ctx context.Context, channelID domain.ChannelID) error {
	if err := validation.ValidateChannelID(string(channelID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	o.mu.Lock()
	switch o.state {
	case StateRequestingPermission, StateConnecting, StateJoined, StateReconnecting, StateLeaving:
		o.mu.Unlock()
		return nil
	}
	o.gen++
	gen := o.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	o.cancelAttempt = cancel
	o.channelID = channelID
	o.closeEvents, o.connErrors = 0, 0
	o.lastErr = nil
	muted, deafened := o.muted, o.deafened
	o.transitionLocked(StateRequestingPermission, nil)
	o.unlockAndNotify()
	defer cancel()

	if err := o.devices.RequestPermission(attemptCtx); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return o.abortJoin(gen, apperrors.PermissionDenied(err))
		}
		return o.abortJoin(gen, err)
	}
	if !o.advance(gen, StateConnecting) {
		return domain.ErrJoinCancelled
	}

	sess, err := o.connect(attemptCtx, channelID, muted, deafened)
	if err != nil {
		return o.abortJoin(gen, apperrors.ConnectionLost(err))
	}

	audio, err := o.acquireAudio(attemptCtx, gen)
	if err != nil {
		_ = sess.conn.Close()
		return o.abortJoin(gen, err)
	}

	peers, err := o.newPeers(o.peerConfig(gen, sess))
	if err != nil {
		_ = audio.release()
		_ = sess.conn.Close()
		return o.abortJoin(gen, fmt.Errorf("start peer sessions: %w", err))
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		peers.Close()
		_ = audio.release()
		_ = sess.conn.Close()
		return domain.ErrJoinCancelled
	}
	o.cancelAttempt = nil
	o.audio = audio
	o.packetizer = newPacketizer()
	o.peers = peers
	o.adoptLocked(gen, sess)
	audio.graph.SetMuted(o.muted)
	audio.graph.Start()
	o.transitionLocked(StateJoined, nil)
	o.unlockAndNotify()

	o.logger.Infow("joined voice channel", "channel_id", channelID, "user_id", sess.userID, "members", len(sess.members.Members))
	o.offerAll(gen, sess)
	return nil
}

// abortJoin ends a failed attempt in Idle with err recorded, unless Leave
// already took over.
func (o *Orchestrator) abortJoin(gen uint64, err error) error {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return domain.ErrJoinCancelled
	}
	o.cancelAttempt = nil
	o.transitionLocked(StateIdle, err)
	o.unlockAndNotify()
	o.logger.Warnw("voice join failed", "error", err)
	return err
}

func (o *Orchestrator) advance(gen uint64, state State) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.transitionLocked(state, nil)
	o.unlockAndNotify()
	return true
}

// session is a signaling connection that completed authenticate and
// join_channel.
type session struct {
	conn    SignalConn
	userID  domain.UserID
	members protocol.ChannelMembers
}

func (o *Orchestrator) connect(ctx context.Context, channelID domain.ChannelID, muted, deafened bool) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.JoinTimeout)
	defer cancel()

	conn, err := o.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	sess, err := o.handshake(conn, channelID, muted, deafened)
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) handshake(conn SignalConn, channelID domain.ChannelID, muted, deafened bool) (*session, error) {
	if err := conn.Send(protocol.Authenticate{Type: protocol.TypeAuthenticate}); err != nil {
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	sess := &session{conn: conn}
	for {
		data, err := conn.Receive()
		if err != nil {
			return nil, fmt.Errorf("waiting for channel members: %w", err)
		}
		t, err := protocol.Peek(data)
		if err != nil {
			continue
		}

		switch t {
		case protocol.TypeAuthenticated:
			var msg protocol.Authenticated
			if err := protocol.Decode(data, &msg); err != nil {
				return nil, err
			}
			sess.userID = msg.UserID
			join := protocol.JoinChannel{
				Type:       protocol.TypeJoinChannel,
				ChannelID:  channelID,
				ServerID:   o.cfg.ServerID,
				IsMuted:    muted,
				IsDeafened: deafened,
			}
			if o.cfg.DeviceInfo != (domain.DeviceInfo{}) {
				info := o.cfg.DeviceInfo
				join.DeviceInfo = &info
			}
			if err := conn.Send(join); err != nil {
				return nil, fmt.Errorf("send join_channel: %w", err)
			}

		case protocol.TypeChannelMembers:
			if err := protocol.Decode(data, &sess.members); err != nil {
				return nil, err
			}
			if sess.userID == "" || sess.members.ChannelID != channelID {
				continue
			}
			return sess, nil

		case protocol.TypeError:
			var msg protocol.Error
			_ = protocol.Decode(data, &msg)
			return nil, fmt.Errorf("signaling server refused: %s", msg.Message)
		}
	}
}

// adoptLocked installs a joined signaling session and starts its reader.
func (o *Orchestrator) adoptLocked(gen uint64, sess *session) {
	o.conn = sess.conn
	o.userID = sess.userID
	o.closeEvents, o.connErrors = 0, 0
	o.members = make(map[domain.UserID]struct{}, len(sess.members.Members))
	for _, m := range sess.members.Members {
		if m.UserID != sess.userID {
			o.members[m.UserID] = struct{}{}
		}
	}
	o.wg.Add(1)
	go o.readLoop(gen, sess.conn)
}

func (o *Orchestrator) acquireAudio(ctx context.Context, gen uint64) (*audioChain, error) {
	mic, err := o.devices.OpenMicrophone(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrJoinCancelled
		}
		return nil, apperrors.DeviceAccess(err)
	}
	chain := &audioChain{mic: mic}
	chain.graph = NewAudioGraph(mic, o.emit(gen), func(err error) { o.deviceLost(gen, err) })

	if o.newRecorder != nil {
		r, err := o.newRecorder()
		if err != nil {
			_ = mic.Close()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		chain.recorder = r
		chain.graph.AttachRecorder(r)
	}
	return chain, nil
}

func newPacketizer() rtp.Packetizer {
	return rtp.NewPacketizer(1200, 0, rand.Uint32(), &codecs.G711Payloader{}, rtp.NewRandomSequencer(), SampleRate)
}

func (o *Orchestrator) peerConfig(gen uint64, sess *session) PeerConfig {
	ice := sess.members.ICEServers
	if len(ice) == 0 {
		ice = o.cfg.ICEServers
	}
	return PeerConfig{
		LocalUserID: sess.userID,
		ICEServers:  ice,
		Send: func(remote domain.UserID, payload protocol.SignalPayload) error {
			return o.sendSignal(gen, remote, payload)
		},
		OnQuality: func(_ domain.UserID, q domain.ConnectionQuality) {
			o.reportQuality(gen, q)
		},
		OnAudio: o.deliverAudio,
		Logger:  o.logger.With("user_id", sess.userID),
	}
}

// offerAll starts negotiation with every member of the channel.
func (o *Orchestrator) offerAll(gen uint64, sess *session) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	peers := o.peers
	o.mu.Unlock()

	for _, m := range sess.members.Members {
		if m.UserID == sess.userID {
			continue
		}
		if err := peers.Offer(m.UserID); err != nil {
			o.logger.Warnw("failed to offer peer session", "remote", m.UserID, "error", err)
		}
	}
}

// send writes msg on the current connection of session gen.
func (o *Orchestrator) send(gen uint64, msg interface{}) error {
	o.mu.Lock()
	conn := o.conn
	current := o.gen == gen
	o.mu.Unlock()
	if !current || conn == nil {
		return apperrors.ConnectionLost(nil)
	}
	return conn.Send(msg)
}

func (o *Orchestrator) sendSignal(gen uint64, remote domain.UserID, payload protocol.SignalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return o.send(gen, protocol.Signal{Type: protocol.TypeSignal, TargetUserID: remote, Payload: raw})
}

func (o *Orchestrator) reportQuality(gen uint64, q domain.ConnectionQuality) {
	o.mu.Lock()
	if o.gen != gen || o.state != StateJoined || time.Since(o.lastQuality) < o.cfg.QualityInterval {
		o.mu.Unlock()
		return
	}
	o.lastQuality = time.Now()
	o.mu.Unlock()

	// Quality is only measured on peer sessions, so it always describes the
	// direct path.
	msg := protocol.ConnectionQuality{Type: protocol.TypeConnectionQuality, ConnectionQuality: q, ConnectionType: domain.ConnectionDirect}
	if err := o.send(gen, msg); err != nil {
		o.logger.Debugw("failed to report connection quality", "error", err)
	}
}

// emit is the graph's sink: frames go to every peer session, and through
// the signaling server while no session carries media.
func (o *Orchestrator) emit(gen uint64) FrameSink {
	return func(payload []byte) {
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return
		}
		peers, conn, joined := o.peers, o.conn, o.state == StateJoined
		channelID := o.channelID
		others := len(o.members)
		packetizer := o.packetizer
		o.mu.Unlock()

		if peers != nil {
			peers.WriteAudio(payload)
		}
		if !o.cfg.VoiceDataFallback || !joined || conn == nil || others == 0 || packetizer == nil {
			return
		}
		if peers != nil && peers.Connected() > 0 {
			return
		}
		for _, pkt := range packetizer.Packetize(payload, uint32(len(payload))) {
			raw, err := pkt.Marshal()
			if err != nil {
				continue
			}
			if err := conn.Send(protocol.VoiceData{
				Type:      protocol.TypeVoiceData,
				ChannelID: channelID,
				Data:      protocol.EncodeVoiceData(raw),
			}); err != nil {
				o.logger.Debugw("failed to relay voice data", "error", err)
				return
			}
		}
	}
}

func (o *Orchestrator) deliverAudio(from domain.UserID, payload []byte) {
	o.mu.Lock()
	deafened := o.deafened
	o.mu.Unlock()
	if deafened || o.onAudio == nil {
		return
	}
	o.onAudio(from, payload)
}

func (o *Orchestrator) readLoop(gen uint64, conn SignalConn) {
	defer o.wg.Done()
	for {
		data, err := conn.Receive()
		if err != nil {
			o.connectionClosed(gen, conn, err)
			return
		}
		o.handleMessage(gen, data)
	}
}

func (o *Orchestrator) handleMessage(gen uint64, data []byte) {
	t, err := protocol.Peek(data)
	if err != nil {
		o.logger.Debugw("ignoring malformed signaling message", "error", err)
		return
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	peers, channelID := o.peers, o.channelID
	o.mu.Unlock()

	switch t {
	case protocol.TypeSignal:
		var msg protocol.SignalDelivery
		if err := protocol.Decode(data, &msg); err != nil {
			return
		}
		var payload protocol.SignalPayload
		if err := protocol.Decode(msg.Payload, &payload); err != nil {
			o.logger.Debugw("ignoring undecodable signal payload", "from", msg.From, "error", err)
			return
		}
		if peers == nil {
			return
		}
		if err := peers.HandleSignal(msg.From, payload); err != nil {
			o.logger.Warnw("failed to apply signal", "from", msg.From, "kind", payload.Kind, "error", err)
		}

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		var msg protocol.UserEvent
		if err := protocol.Decode(data, &msg); err != nil || msg.ChannelID != channelID {
			return
		}
		o.mu.Lock()
		if o.gen == gen && o.members != nil && msg.User.UserID != o.userID {
			if t == protocol.TypeUserJoined {
				o.members[msg.User.UserID] = struct{}{}
			} else {
				delete(o.members, msg.User.UserID)
			}
		}
		o.mu.Unlock()
		if t == protocol.TypeUserLeft && peers != nil {
			peers.Remove(msg.User.UserID)
		}
		o.logger.Infow("channel membership changed", "event", t, "remote", msg.User.UserID)

	case protocol.TypeVoiceData:
		var msg protocol.VoiceData
		if err := protocol.Decode(data, &msg); err != nil {
			return
		}
		raw, err := protocol.DecodeVoiceData(msg.Data)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw); err != nil {
			return
		}
		o.deliverAudio(msg.From, pkt.Payload)

	case protocol.TypeError:
		var msg protocol.Error
		_ = protocol.Decode(data, &msg)
		o.logger.Warnw("signaling server reported an error", "message", msg.Message)
	}
}

// connectionClosed handles the end of a signaling connection. Closes we
// caused ourselves are ignored through the generation and conn checks.
func (o *Orchestrator) connectionClosed(gen uint64, conn SignalConn, err error) {
	defer conn.Close()

	o.mu.Lock()
	if o.gen != gen || o.conn != conn || o.state != StateJoined {
		o.mu.Unlock()
		return
	}
	o.conn = nil

	kind := classifyClose(err)
	if kind == closeReplaced {
		o.logger.Infow("voice session taken over by another connection")
		res := o.teardownLocked()
		o.transitionLocked(StateIdle, apperrors.ConnectionLost(err))
		o.unlockAndNotify()
		o.release(res)
		return
	}

	o.closeEvents++
	if kind == closeAbnormal {
		o.connErrors++
	}
	o.logger.Warnw("signaling connection closed", "error", err, "close_events", o.closeEvents, "connection_errors", o.connErrors)
	o.retryOrFailLocked(gen, err)
}

// retryOrFailLocked schedules the next reconnect or, once either counter is
// exhausted, fails the session. It releases mu.
func (o *Orchestrator) retryOrFailLocked(gen uint64, cause error) {
	if o.closeEvents >= o.cfg.MaxRetries || o.connErrors >= o.cfg.MaxConnectionErrors {
		o.logger.Errorw("giving up on voice connection", "close_events", o.closeEvents, "connection_errors", o.connErrors)
		res := o.teardownLocked()
		o.transitionLocked(StateFailed, apperrors.ConnectionLost(cause))
		o.unlockAndNotify()
		o.release(res)
		return
	}

	attempt := o.closeEvents
	delay := o.backoff(attempt)
	o.stopTimerLocked()
	o.timer = time.AfterFunc(delay, func() { o.reconnect(gen) })
	o.transitionLocked(StateReconnecting, nil)
	o.unlockAndNotify()
	o.logger.Infow("reconnecting to signaling server", "delay", delay, "attempt", attempt)
}

// backoff is the delay before the attempt following the n-th close event.
func (o *Orchestrator) backoff(n int) time.Duration {
	cfg := retry.ExponentialConfig(o.cfg.MaxRetries, o.cfg.BackoffBase, o.cfg.BackoffMax)
	return retry.CalculateDelay(cfg, n-1)
}

func (o *Orchestrator) reconnect(gen uint64) {
	o.mu.Lock()
	if o.gen != gen || o.state != StateReconnecting {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelAttempt = cancel
	channelID, muted, deafened := o.channelID, o.muted, o.deafened
	o.mu.Unlock()
	defer cancel()

	sess, err := o.connect(ctx, channelID, muted, deafened)

	o.mu.Lock()
	if o.gen != gen || o.state != StateReconnecting {
		o.mu.Unlock()
		if sess != nil {
			_ = sess.conn.Close()
		}
		return
	}
	o.cancelAttempt = nil
	if err != nil {
		o.closeEvents++
		o.connErrors++
		o.logger.Warnw("reconnect attempt failed", "error", err, "close_events", o.closeEvents, "connection_errors", o.connErrors)
		o.retryOrFailLocked(gen, err)
		return
	}

	o.adoptLocked(gen, sess)
	o.transitionLocked(StateJoined, nil)
	peers := o.peers
	o.unlockAndNotify()
	o.logger.Infow("rejoined voice channel", "channel_id", channelID)

	// Sessions that survived the outage keep running; anyone new is offered.
	for _, m := range sess.members.Members {
		if m.UserID == sess.userID || peers == nil || peers.Has(m.UserID) {
			continue
		}
		if err := peers.Offer(m.UserID); err != nil {
			o.logger.Warnw("failed to offer peer session", "remote", m.UserID, "error", err)
		}
	}
}

// deviceLost ends the session when the microphone disappears.
func (o *Orchestrator) deviceLost(gen uint64, err error) {
	o.mu.Lock()
	if o.gen != gen || (o.state != StateJoined && o.state != StateReconnecting) {
		o.mu.Unlock()
		return
	}
	o.logger.Errorw("microphone lost, leaving voice", "error", err)
	res := o.teardownLocked()
	o.transitionLocked(StateFailed, apperrors.DeviceAccess(err))
	o.unlockAndNotify()
	o.release(res)
}

// SetMuted applies in place: the graph stops emitting and the server is
// told. No renegotiation happens.
func (o *Orchestrator) SetMuted(muted bool) error {
	o.mu.Lock()
	o.muted = muted
	if o.audio != nil {
		o.audio.graph.SetMuted(muted)
	}
	gen, joined := o.gen, o.state == StateJoined
	o.mu.Unlock()
	if !joined {
		return nil
	}
	return o.send(gen, protocol.UpdateVoiceState{Type: protocol.TypeUpdateVoiceState, IsMuted: &muted})
}

// SetDeafened stops delivery of remote audio and tells the server.
func (o *Orchestrator) SetDeafened(deafened bool) error {
	o.mu.Lock()
	o.deafened = deafened
	gen, joined := o.gen, o.state == StateJoined
	o.mu.Unlock()
	if !joined {
		return nil
	}
	return o.send(gen, protocol.UpdateVoiceState{Type: protocol.TypeUpdateVoiceState, IsDeafened: &deafened})
}

// resources are detached under the lock and released outside it.
type resources struct {
	conn      SignalConn
	audio     *audioChain
	peers     Peers
	channelID domain.ChannelID
}

// teardownLocked invalidates the current generation and detaches
// everything the session holds.
func (o *Orchestrator) teardownLocked() resources {
	o.gen++
	o.stopTimerLocked()
	if o.cancelAttempt != nil {
		o.cancelAttempt()
		o.cancelAttempt = nil
	}
	res := resources{conn: o.conn, audio: o.audio, peers: o.peers, channelID: o.channelID}
	o.conn, o.audio, o.peers, o.packetizer = nil, nil, nil, nil
	o.members = nil
	o.closeEvents, o.connErrors = 0, 0
	return res
}

func (o *Orchestrator) release(res resources) {
	if res.conn != nil {
		if res.channelID != "" {
			_ = res.conn.Send(protocol.LeaveChannel{Type: protocol.TypeLeaveChannel, ChannelID: res.channelID})
		}
		_ = res.conn.Close()
	}
	if res.peers != nil {
		res.peers.Close()
	}
	if res.audio != nil {
		if err := res.audio.release(); err != nil {
			o.logger.Warnw("error releasing audio", "error", err)
		}
	}
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// Leave ends the session from any state. In-flight joins and retries are
// cancelled, not waited for.
func (o *Orchestrator) Leave() error {
	o.mu.Lock()
	switch o.state {
	case StateIdle, StateFailed, StateLeaving:
		o.mu.Unlock()
		return nil
	}
	res := o.teardownLocked()
	o.transitionLocked(StateLeaving, nil)
	o.unlockAndNotify()

	o.release(res)

	o.mu.Lock()
	if o.state == StateLeaving {
		o.channelID = ""
		o.transitionLocked(StateIdle, nil)
	}
	o.unlockAndNotify()
	o.logger.Infow("left voice channel", "channel_id", res.channelID)
	return nil
}

// Close leaves and waits for background readers to exit.
func (o *Orchestrator) Close() error {
	err := o.Leave()
	o.wg.Wait()
	return err
}

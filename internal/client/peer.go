package client

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/protocol"
)

// Peers negotiates direct media sessions with the other channel members.
type Peers interface {
	// Offer starts a session with remote; the joiner offers.
	Offer(remote domain.UserID) error
	HandleSignal(from domain.UserID, payload protocol.SignalPayload) error
	Remove(remote domain.UserID)
	Has(remote domain.UserID) bool
	// WriteAudio feeds one PCMU frame to every session.
	WriteAudio(payload []byte)
	// Connected reports how many sessions carry media.
	Connected() int
	Close()
}

type PeerConfig struct {
	LocalUserID domain.UserID
	ICEServers  []domain.ICEServer
	// Send delivers a payload to remote through the signaling server.
	Send func(remote domain.UserID, payload protocol.SignalPayload) error
	// OnQuality receives measurements from RTCP receiver reports.
	OnQuality func(remote domain.UserID, q domain.ConnectionQuality)
	// OnAudio receives PCMU payloads from remote tracks.
	OnAudio func(from domain.UserID, payload []byte)
	Logger  *zap.SugaredLogger
}

type PeerFactory func(cfg PeerConfig) (Peers, error)

var errUnknownPeer = errors.New("no session with that user")

var pcmuCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: SampleRate,
	Channels:  1,
}

// PeerManager holds one pion PeerConnection per remote member, each with a
// PCMU track fed by the audio graph.
type PeerManager struct {
	cfg    PeerConfig
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.UserID]*peerSession
	closed   bool
}

type peerSession struct {
	remote domain.UserID
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	connected atomic.Bool
}

// NewPeerManager is the default PeerFactory.
func NewPeerManager(cfg PeerConfig) (Peers, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmuCapability,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU: %w", err)
	}

	// The default interceptors generate the receiver reports we measure.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &PeerManager{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		logger:   log,
		sessions: make(map[domain.UserID]*peerSession),
	}, nil
}

func (p *PeerManager) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(p.cfg.ICEServers))
	for _, s := range p.cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// session returns the session with remote, creating it when missing.
func (p *PeerManager) session(remote domain.UserID) (*peerSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer manager closed")
	}
	if s, ok := p.sessions[remote]; ok {
		return s, nil
	}
	s, err := p.newSession(remote)
	if err != nil {
		return nil, err
	}
	p.sessions[remote] = s
	return s, nil
}

func (p *PeerManager) lookup(remote domain.UserID) *peerSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[remote]
}

func (p *PeerManager) newSession(remote domain.UserID) (*peerSession, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   p.iceServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(pcmuCapability, "audio", "voxrelay-"+string(p.cfg.LocalUserID))
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	s := &peerSession{remote: remote, pc: pc, track: track}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := p.send(remote, protocol.SignalPayload{
			Kind:          protocol.SignalCandidate,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}); err != nil {
			p.logger.Debugw("failed to send ICE candidate", "remote", remote, "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Infow("peer connection state changed", "remote", remote, "connection_state", state)
		s.connected.Store(state == webrtc.PeerConnectionStateConnected)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Infow("remote audio track started", "remote", remote, "codec", track.Codec().MimeType)
		go p.readTrack(remote, track)
	})

	go p.readRTCP(remote, sender)
	return s, nil
}

func (p *PeerManager) send(remote domain.UserID, payload protocol.SignalPayload) error {
	if p.cfg.Send == nil {
		return errors.New("no signaling channel")
	}
	return p.cfg.Send(remote, payload)
}

func (p *PeerManager) Offer(remote domain.UserID) error {
	s, err := p.session(remote)
	if err != nil {
		return err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return p.send(remote, protocol.SignalPayload{Kind: protocol.SignalOffer, SDP: offer.SDP})
}

func (p *PeerManager) HandleSignal(from domain.UserID, payload protocol.SignalPayload) error {
	switch payload.Kind {
	case protocol.SignalOffer:
		return p.handleOffer(from, payload.SDP)
	case protocol.SignalAnswer:
		s := p.lookup(from)
		if s == nil {
			return errUnknownPeer
		}
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return s.flushCandidates()
	case protocol.SignalCandidate:
		s := p.lookup(from)
		if s == nil {
			return errUnknownPeer
		}
		return s.addCandidate(webrtc.ICECandidateInit{
			Candidate:     payload.Candidate,
			SDPMid:        payload.SDPMid,
			SDPMLineIndex: payload.SDPMLineIndex,
		})
	}
	return fmt.Errorf("unknown signal kind %q", payload.Kind)
}

func (p *PeerManager) handleOffer(from domain.UserID, sdp string) error {
	s, err := p.session(from)
	if err != nil {
		return err
	}

	// Both sides offered at once: the lower user ID keeps its offer.
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if p.cfg.LocalUserID < from {
			p.logger.Debugw("ignoring colliding offer", "remote", from)
			return nil
		}
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("roll back local offer: %w", err)
		}
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if err := s.flushCandidates(); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return p.send(from, protocol.SignalPayload{Kind: protocol.SignalAnswer, SDP: answer.SDP})
}

// addCandidate queues candidates that arrive before the remote description.
func (s *peerSession) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.pc.AddICECandidate(c)
}

func (s *peerSession) flushCandidates() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}
	}
	return nil
}

func (p *PeerManager) Remove(remote domain.UserID) {
	p.mu.Lock()
	s := p.sessions[remote]
	delete(p.sessions, remote)
	p.mu.Unlock()
	if s != nil {
		if err := s.pc.Close(); err != nil {
			p.logger.Debugw("error closing peer connection", "remote", remote, "error", err)
		}
	}
}

func (p *PeerManager) Has(remote domain.UserID) bool {
	return p.lookup(remote) != nil
}

func (p *PeerManager) WriteAudio(payload []byte) {
	p.mu.Lock()
	sessions := make([]*peerSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.track.WriteSample(media.Sample{Data: payload, Duration: FrameDuration}); err != nil {
			p.logger.Debugw("failed to write audio sample", "remote", s.remote, "error", err)
		}
	}
}

func (p *PeerManager) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.connected.Load() {
			n++
		}
	}
	return n
}

func (p *PeerManager) Close() {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[domain.UserID]*peerSession)
	p.mu.Unlock()
	for remote, s := range sessions {
		if err := s.pc.Close(); err != nil {
			p.logger.Debugw("error closing peer connection", "remote", remote, "error", err)
		}
	}
}

func (p *PeerManager) readTrack(remote domain.UserID, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if p.cfg.OnAudio != nil {
			p.cfg.OnAudio(remote, pkt.Payload)
		}
	}
}

// readRTCP turns the remote's receiver reports about our stream into
// quality measurements. Reading also drives the interceptors.
func (p *PeerManager) readRTCP(remote domain.UserID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok || len(rr.Reports) == 0 {
				continue
			}
			q := qualityFromReports(rr.Reports, time.Now())
			p.logger.Debugw("receiver report", "remote", remote, "jitter_ms", q.JitterMs, "packet_loss", q.PacketLoss, "rtt_ms", q.RTTMs)
			if p.cfg.OnQuality != nil {
				p.cfg.OnQuality(remote, q)
			}
		}
	}
}

// qualityFromReports averages reception reports. Jitter is in RTP timestamp
// units, loss is a fraction of 256 and RTT follows RFC 3550 section 6.4.1.
func qualityFromReports(reports []rtcp.ReceptionReport, now time.Time) domain.ConnectionQuality {
	var q domain.ConnectionQuality
	if len(reports) == 0 {
		return q
	}
	rttSamples := 0
	nowMid := ntpMiddle(now)
	for _, r := range reports {
		q.JitterMs += float64(r.Jitter) * 1000 / SampleRate
		q.PacketLoss += float64(r.FractionLost) / 256
		if r.LastSenderReport != 0 {
			rtt := nowMid - r.LastSenderReport - r.Delay
			if rtt < 1<<31 {
				q.RTTMs += float64(rtt) * 1000 / 65536
				rttSamples++
			}
		}
	}
	n := float64(len(reports))
	q.JitterMs /= n
	q.PacketLoss /= n
	if rttSamples > 0 {
		q.RTTMs /= float64(rttSamples)
	}
	return q
}

// ntpMiddle is the middle 32 bits of the NTP timestamp for t.
func ntpMiddle(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return uint32(secs<<16) | uint32(frac>>16)
}

package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"voxrelay/internal/core/domain"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/protocol"
)

func isBuiltin(t protocol.Type) bool {
	switch t {
	case protocol.TypeAuthenticate, protocol.TypeJoinChannel, protocol.TypeLeaveChannel,
		protocol.TypeSignal, protocol.TypeVoiceData, protocol.TypeUpdateVoiceState,
		protocol.TypeConnectionQuality, protocol.TypePing:
		return true
	}
	return false
}

// deferred reports whether t runs on the connection's presence worker
// rather than inline on the serve loop.
func (s *Server) deferred(t protocol.Type) bool {
	switch t {
	case protocol.TypeJoinChannel, protocol.TypeLeaveChannel,
		protocol.TypeUpdateVoiceState, protocol.TypeConnectionQuality:
		return true
	}
	_, registered := s.handler(t)
	return registered
}

var (
	errNotInChannel = apperrors.NewAppError(apperrors.ErrCodeInvalidInput,
		"join a voice channel first", http.StatusConflict)
	errTargetUnavailable = apperrors.NewAppError(apperrors.ErrCodeNotFound,
		"that user is not in your voice channel", http.StatusNotFound)
)

// dispatch routes a frame by type. Errors wrapping domain.ErrProtocol count
// toward closing the connection; other errors are only reported.
func (s *Server) dispatch(ctx context.Context, c *client, t protocol.Type, data []byte) error {
	custom, registered := s.handler(t)
	state, _ := c.snapshot()

	if state == stateUnauthenticated && t != protocol.TypeAuthenticate {
		if isBuiltin(t) || registered {
			return apperrors.ProtocolError("authenticate before sending " + string(t))
		}
		return nil
	}

	switch t {
	case protocol.TypeAuthenticate:
		return s.handleAuthenticate(c, data)
	case protocol.TypeJoinChannel:
		return s.handleJoinChannel(ctx, c, data)
	case protocol.TypeLeaveChannel:
		return s.handleLeaveChannel(ctx, c, data)
	case protocol.TypeSignal:
		return s.handleSignal(c, data)
	case protocol.TypeVoiceData:
		return s.handleVoiceData(c, data)
	case protocol.TypeUpdateVoiceState:
		return s.handleUpdateVoiceState(ctx, c, data)
	case protocol.TypeConnectionQuality:
		return s.handleConnectionQuality(ctx, c, data)
	case protocol.TypePing:
		return c.Send(protocol.Ping{Type: protocol.TypePong})
	}

	if registered {
		return custom(ctx, c, data)
	}
	s.logger.Debugw("ignoring unknown message type", "user_id", c.userID, "type", t)
	return nil
}

func decode(t protocol.Type, data []byte, msg interface{}) error {
	if err := protocol.Decode(data, msg); err != nil {
		return apperrors.ProtocolError(fmt.Sprintf("invalid %s message: %v", t, err))
	}
	return nil
}

func (s *Server) handleAuthenticate(c *client, data []byte) error {
	var msg protocol.Authenticate
	if err := decode(protocol.TypeAuthenticate, data, &msg); err != nil {
		return err
	}
	if msg.Token != "" {
		userID, err := s.auth.VerifyToken(msg.Token)
		if err != nil || userID != c.userID {
			return apperrors.ProtocolError("token does not match this connection")
		}
	}

	if state, channelID := c.snapshot(); state == stateUnauthenticated {
		c.setState(stateAuthenticated, channelID)
	}
	return c.Send(protocol.Authenticated{Type: protocol.TypeAuthenticated, UserID: c.userID})
}

func (s *Server) handleJoinChannel(ctx context.Context, c *client, data []byte) error {
	var msg protocol.JoinChannel
	if err := decode(protocol.TypeJoinChannel, data, &msg); err != nil {
		return err
	}

	lock := s.lockUser(c.userID)
	lock.Lock()
	defer lock.Unlock()

	if state, current := c.snapshot(); state == stateInChannel && current != msg.ChannelID {
		if err := s.leaveChannel(ctx, c, current); err != nil {
			return err
		}
	}

	voiceState := &domain.VoiceState{
		UserID:     c.userID,
		ChannelID:  msg.ChannelID,
		ServerID:   msg.ServerID,
		IsMuted:    msg.IsMuted,
		IsDeafened: msg.IsDeafened,
	}
	if msg.DeviceInfo != nil {
		voiceState.DeviceInfo = *msg.DeviceInfo
	}
	if err := s.presence.UpdateVoiceState(ctx, voiceState); err != nil {
		return err
	}

	conn := &domain.VoiceConnection{
		UserID:     c.userID,
		ChannelID:  msg.ChannelID,
		ICEServers: s.cfg.ICEServers,
	}
	if err := s.presence.AddVoiceConnection(ctx, conn); err != nil {
		if rbErr := s.presence.RemoveVoiceState(ctx, c.userID); rbErr != nil {
			s.logger.Warnw("failed to roll back voice state after join failure", "user_id", c.userID, "error", rbErr)
		}
		return err
	}

	members, err := s.presence.GetChannelVoiceStates(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	reply := protocol.ChannelMembers{
		Type:       protocol.TypeChannelMembers,
		ChannelID:  msg.ChannelID,
		Members:    make([]domain.VoiceState, 0, len(members)+1),
		PeerID:     conn.PeerID,
		ICEServers: conn.ICEServers,
	}
	joined := false
	for _, m := range members {
		if m.UserID == c.userID {
			joined = true
		}
		reply.Members = append(reply.Members, *m)
	}
	if !joined {
		reply.Members = append(reply.Members, *voiceState)
	}

	c.setState(stateInChannel, msg.ChannelID)
	c.mu.Lock()
	c.relayed = false
	c.mu.Unlock()
	if err := c.Send(reply); err != nil {
		return err
	}

	s.Broadcast(msg.ChannelID, protocol.UserEvent{
		Type:      protocol.TypeUserJoined,
		ChannelID: msg.ChannelID,
		User:      *voiceState,
	}, c.userID)

	s.logger.Infow("user joined voice channel", "user_id", c.userID, "channel_id", msg.ChannelID, "peer_id", conn.PeerID, "members", len(reply.Members))
	return nil
}

func (s *Server) handleLeaveChannel(ctx context.Context, c *client, data []byte) error {
	var msg protocol.LeaveChannel
	if err := decode(protocol.TypeLeaveChannel, data, &msg); err != nil {
		return err
	}
	lock := s.lockUser(c.userID)
	lock.Lock()
	defer lock.Unlock()

	state, current := c.snapshot()
	if state != stateInChannel || current != msg.ChannelID {
		return apperrors.NewInvalidInputError("you are not in that voice channel")
	}
	return s.leaveChannel(ctx, c, current)
}

// leaveChannel removes the user's presence and tells the remaining
// members. On a store failure the connection stays in the channel.
func (s *Server) leaveChannel(ctx context.Context, c *client, channelID domain.ChannelID) error {
	last := domain.VoiceState{UserID: c.userID, ChannelID: channelID}
	if existing, err := s.presence.GetUserVoiceState(ctx, c.userID); err == nil && existing.ChannelID == channelID {
		last = *existing
	}

	if err := s.presence.RemoveVoiceState(ctx, c.userID); err != nil {
		return err
	}
	if err := s.presence.RemoveVoiceConnection(ctx, c.userID); err != nil {
		s.logger.Warnw("failed to remove voice connection", "user_id", c.userID, "error", err)
	}

	c.setState(stateAuthenticated, "")
	s.Broadcast(channelID, protocol.UserEvent{
		Type:      protocol.TypeUserLeft,
		ChannelID: channelID,
		User:      last,
	}, c.userID)

	s.logger.Infow("user left voice channel", "user_id", c.userID, "channel_id", channelID)
	return nil
}

func (s *Server) handleSignal(c *client, data []byte) error {
	var msg protocol.Signal
	if err := decode(protocol.TypeSignal, data, &msg); err != nil {
		return err
	}
	state, channelID := c.snapshot()
	if state != stateInChannel {
		return errNotInChannel
	}
	if msg.TargetUserID == c.userID {
		return apperrors.NewInvalidInputError("cannot signal yourself")
	}

	target := s.lookup(msg.TargetUserID)
	if target == nil {
		return errTargetUnavailable
	}
	if targetState, targetChannel := target.snapshot(); targetState != stateInChannel || targetChannel != channelID {
		return errTargetUnavailable
	}

	if err := target.Send(protocol.SignalDelivery{
		Type:    protocol.TypeSignal,
		From:    c.userID,
		Payload: msg.Payload,
	}); err != nil {
		if errors.Is(err, errConnectionClosed) || errors.Is(err, errSendBufferFull) {
			return errTargetUnavailable
		}
		return err
	}
	return nil
}

func (s *Server) handleVoiceData(c *client, data []byte) error {
	var msg protocol.VoiceData
	if err := decode(protocol.TypeVoiceData, data, &msg); err != nil {
		return err
	}
	state, channelID := c.snapshot()
	if state != stateInChannel || channelID != msg.ChannelID {
		return errNotInChannel
	}

	s.relay(channelID, protocol.VoiceData{
		Type:      protocol.TypeVoiceData,
		ChannelID: channelID,
		From:      c.userID,
		Data:      msg.Data,
	}, c.userID)
	s.markRelayed(c)
	return nil
}

// markRelayed records once per tenure that the user's media goes through
// the server. The store write runs on the presence worker.
func (s *Server) markRelayed(c *client) {
	c.mu.Lock()
	if c.relayed {
		c.mu.Unlock()
		return
	}
	c.relayed = true
	c.mu.Unlock()

	queued := c.enqueue(job{run: func(ctx context.Context) error {
		return s.presence.SetConnectionType(ctx, c.userID, domain.ConnectionRelayed)
	}})
	if !queued {
		c.mu.Lock()
		c.relayed = false
		c.mu.Unlock()
	}
}

func (s *Server) handleUpdateVoiceState(ctx context.Context, c *client, data []byte) error {
	var msg protocol.UpdateVoiceState
	if err := decode(protocol.TypeUpdateVoiceState, data, &msg); err != nil {
		return err
	}
	state, channelID := c.snapshot()
	if state != stateInChannel {
		return errNotInChannel
	}

	current, err := s.presence.GetUserVoiceState(ctx, c.userID)
	if err != nil {
		return err
	}
	updated := *current
	updated.ChannelID = channelID
	if msg.IsMuted != nil {
		updated.IsMuted = *msg.IsMuted
	}
	if msg.IsDeafened != nil {
		updated.IsDeafened = *msg.IsDeafened
	}
	if err := s.presence.UpdateVoiceState(ctx, &updated); err != nil {
		return err
	}

	s.Broadcast(channelID, protocol.UserEvent{
		Type:      protocol.TypeVoiceStateUpdated,
		ChannelID: channelID,
		User:      updated,
	}, "")
	return nil
}

func (s *Server) handleConnectionQuality(ctx context.Context, c *client, data []byte) error {
	var msg protocol.ConnectionQuality
	if err := decode(protocol.TypeConnectionQuality, data, &msg); err != nil {
		return err
	}
	if state, _ := c.snapshot(); state != stateInChannel {
		return errNotInChannel
	}
	if msg.ConnectionType == domain.ConnectionDirect {
		// A relayed packet after this must be recorded again.
		c.mu.Lock()
		c.relayed = false
		c.mu.Unlock()
	}
	return s.presence.UpdateConnectionQuality(ctx, c.userID, msg.ConnectionQuality, msg.ConnectionType)
}

// Package protocol defines the JSON messages exchanged over the signaling
// WebSocket. Every frame is one UTF-8 JSON object carrying a "type" field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/validation"
)

type Type string

const (
	TypeAuthenticate      Type = "authenticate"
	TypeAuthenticated     Type = "authenticated"
	TypeJoinChannel       Type = "join_channel"
	TypeChannelMembers    Type = "channel_members"
	TypeLeaveChannel      Type = "leave_channel"
	TypeSignal            Type = "signal"
	TypeVoiceData         Type = "voice_data"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeUpdateVoiceState  Type = "update_voice_state"
	TypeVoiceStateUpdated Type = "voice_state_updated"
	TypeConnectionQuality Type = "connection_quality"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeError             Type = "error"
)

// CloseReplaced is the WebSocket close code sent to a connection superseded
// by a newer one for the same user. Clients must not reconnect on it.
const CloseReplaced = 4001

var (
	ErrInvalidJSON = errors.New("invalid JSON")
	ErrMissingType = errors.New("message type is required")
)

// Envelope is decoded first to route a frame by its type.
type Envelope struct {
	Type Type `json:"type"`
}

// Peek returns the type of a raw frame. Invalid JSON, a non-object frame or
// a missing type are errors.
func Peek(data []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Decode unmarshals a frame into msg and runs its validation, if any.
func Decode(data []byte, msg interface{}) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if v, ok := msg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

type Authenticate struct {
	Type  Type   `json:"type"`
	Token string `json:"token,omitempty"`
}

type Authenticated struct {
	Type   Type          `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type JoinChannel struct {
	Type       Type               `json:"type"`
	ChannelID  domain.ChannelID   `json:"channelId"`
	ServerID   domain.ServerID    `json:"serverId,omitempty"`
	DeviceInfo *domain.DeviceInfo `json:"deviceInfo,omitempty"`
	IsMuted    bool               `json:"isMuted,omitempty"`
	IsDeafened bool               `json:"isDeafened,omitempty"`
}

func (m *JoinChannel) Validate() error {
	if err := validation.ValidateChannelID(string(m.ChannelID)); err != nil {
		return err
	}
	if err := validation.ValidateServerID(string(m.ServerID)); err != nil {
		return err
	}
	if m.DeviceInfo != nil {
		return validation.ValidateDeviceName(m.DeviceInfo.Name)
	}
	return nil
}

type ChannelMembers struct {
	Type       Type                `json:"type"`
	ChannelID  domain.ChannelID    `json:"channelId"`
	Members    []domain.VoiceState `json:"members"`
	PeerID     domain.PeerID       `json:"peerId,omitempty"`
	ICEServers []domain.ICEServer  `json:"iceServers,omitempty"`
}

type LeaveChannel struct {
	Type      Type             `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
}

func (m *LeaveChannel) Validate() error {
	return validation.ValidateChannelID(string(m.ChannelID))
}

// Signal is sent by a client; the payload is relayed without inspection.
type Signal struct {
	Type         Type            `json:"type"`
	TargetUserID domain.UserID   `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

func (m *Signal) Validate() error {
	if err := validation.ValidateUserID(string(m.TargetUserID)); err != nil {
		return fmt.Errorf("targetUserId: %w", err)
	}
	return validation.ValidateSignalPayload(m.Payload)
}

// SignalDelivery is what the target of a Signal receives.
type SignalDelivery struct {
	Type    Type            `json:"type"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type VoiceData struct {
	Type      Type             `json:"type"`
	ChannelID domain.ChannelID `json:"channelId"`
	From      domain.UserID    `json:"from,omitempty"`
	Data      json.RawMessage  `json:"data"`
}

func (m *VoiceData) Validate() error {
	if err := validation.ValidateChannelID(string(m.ChannelID)); err != nil {
		return err
	}
	if len(m.Data) == 0 {
		return errors.New("data is required")
	}
	return nil
}

// UserEvent carries user_joined, user_left and voice_state_updated.
type UserEvent struct {
	Type      Type              `json:"type"`
	ChannelID domain.ChannelID  `json:"channelId"`
	User      domain.VoiceState `json:"user"`
}

type UpdateVoiceState struct {
	Type       Type  `json:"type"`
	IsMuted    *bool `json:"isMuted,omitempty"`
	IsDeafened *bool `json:"isDeafened,omitempty"`
}

func (m *UpdateVoiceState) Validate() error {
	if m.IsMuted == nil && m.IsDeafened == nil {
		return errors.New("isMuted or isDeafened is required")
	}
	return nil
}

// ConnectionQuality reports metrics measured on one media path. An empty
// ConnectionType leaves the recorded path unchanged.
type ConnectionQuality struct {
	Type Type `json:"type"`
	domain.ConnectionQuality
	ConnectionType domain.ConnectionType `json:"connectionType,omitempty"`
}

func (m *ConnectionQuality) Validate() error {
	switch m.ConnectionType {
	case "", domain.ConnectionDirect, domain.ConnectionRelayed:
	default:
		return fmt.Errorf("connectionType must be %q or %q", domain.ConnectionDirect, domain.ConnectionRelayed)
	}
	return validation.ValidateQualityMetrics(m.JitterMs, m.PacketLoss, m.RTTMs)
}

type Ping struct {
	Type Type `json:"type"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// SignalKind discriminates the session-establishment payloads clients put in
// Signal.Payload. The server never looks inside.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

type SignalPayload struct {
	Kind          SignalKind `json:"kind"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        *string    `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
}

// EncodeVoiceData renders a binary packet as the JSON string carried in
// VoiceData.Data.
func EncodeVoiceData(packet []byte) json.RawMessage {
	raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(packet))
	return raw
}

// DecodeVoiceData reverses EncodeVoiceData.
func DecodeVoiceData(data json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("voice data must be a base64 string: %w", err)
	}
	return base64.StdEncoding.DecodeString(s)
}

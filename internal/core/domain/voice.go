package domain

import (
	"sort"
	"time"
)

type DeviceInfo struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// VoiceState is a user's tenure in a voice channel. A user has at most one
// active VoiceState; stores key it by UserID.
type VoiceState struct {
	UserID            UserID     `json:"userId"`
	ChannelID         ChannelID  `json:"channelId"`
	ServerID          ServerID   `json:"serverId,omitempty"`
	IsMuted           bool       `json:"isMuted"`
	IsDeafened        bool       `json:"isDeafened"`
	Timestamp         time.Time  `json:"timestamp"`
	ConnectionQuality float64    `json:"connectionQuality"`
	DeviceInfo        DeviceInfo `json:"deviceInfo"`
}

// SortVoiceStates orders states most recently updated first, ties broken by
// user ID so every read path returns the same order.
func SortVoiceStates(states []*VoiceState) {
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].Timestamp.Equal(states[j].Timestamp) {
			return states[i].Timestamp.After(states[j].Timestamp)
		}
		return states[i].UserID < states[j].UserID
	})
}

type ConnectionType string

const (
	ConnectionDirect  ConnectionType = "direct"
	ConnectionRelayed ConnectionType = "relayed"
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ConnectionQuality struct {
	JitterMs   float64 `json:"jitterMs"`
	PacketLoss float64 `json:"packetLoss"` // 0-1
	RTTMs      float64 `json:"rttMs"`
}

// Score folds the raw metrics into the 0..1 scalar stored on VoiceState.
func (q ConnectionQuality) Score() float64 {
	score := 1.0 - q.PacketLoss*2
	switch {
	case q.RTTMs > 400:
		score -= 0.3
	case q.RTTMs > 200:
		score -= 0.15
	case q.RTTMs > 100:
		score -= 0.05
	}
	if q.JitterMs > 30 {
		score -= 0.2
	} else if q.JitterMs > 10 {
		score -= 0.05
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// VoiceConnection exists only while the user's signaling session is live.
type VoiceConnection struct {
	PeerID         PeerID            `json:"peerId"`
	UserID         UserID            `json:"userId"`
	ChannelID      ChannelID         `json:"channelId"`
	ICEServers     []ICEServer       `json:"iceServers"`
	ConnectionType ConnectionType    `json:"connectionType"`
	Quality        ConnectionQuality `json:"quality"`
	CreatedAt      time.Time         `json:"createdAt"`
}

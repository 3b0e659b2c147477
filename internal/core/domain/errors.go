package domain

import "errors"

var (
	ErrPermissionDenied   = errors.New("microphone permission denied")
	ErrStoreUnavailable   = errors.New("voice state store unavailable")
	ErrCacheUnavailable   = errors.New("voice state cache unavailable")
	ErrConnectionLost     = errors.New("voice connection lost")
	ErrProtocol           = errors.New("protocol error")
	ErrDeviceAccess       = errors.New("audio input device unavailable")
	ErrVoiceStateNotFound = errors.New("voice state not found")
	ErrConnectionNotFound = errors.New("voice connection not found")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrJoinCancelled      = errors.New("join cancelled")
)

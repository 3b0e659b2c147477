package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChannelID(t *testing.T) {
	tests := []struct {
		name      string
		channelID string
		wantErr   bool
	}{
		{"numeric", "5", false},
		{"snowflake-like", "1234567890123", false},
		{"slug", "general-voice_1", false},
		{"empty", "", true},
		{"spaces", "voice channel", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"path traversal", "../5", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelID(tt.channelID)
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

func TestFieldErrorNamesTheField(t *testing.T) {
	err := ValidateUserID("")
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "userId", fe.Field)
	assert.Equal(t, "userId: required", err.Error())

	assert.NoError(t, ValidateUserID("user-a"))
}

func TestValidateServerID(t *testing.T) {
	assert.NoError(t, ValidateServerID(""), "server ID is optional")
	assert.Error(t, ValidateServerID("guild 1"))
}

func TestValidateSignalPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"sdp offer", `{"kind":"offer","sdp":"v=0"}`, false},
		{"string payload", `"X"`, false},
		{"empty", ``, true},
		{"null", ` null `, true},
		{"too large", `"` + strings.Repeat("a", MaxSignalPayload) + `"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalPayload([]byte(tt.payload))
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

func TestValidateQualityMetrics(t *testing.T) {
	assert.NoError(t, ValidateQualityMetrics(12, 0.02, 80))
	assert.Error(t, ValidateQualityMetrics(-1, 0, 0))
	assert.Error(t, ValidateQualityMetrics(0, 0, -3))
	assert.Error(t, ValidateQualityMetrics(0, 1.5, 0))
}

func TestValidateDeviceName(t *testing.T) {
	assert.NoError(t, ValidateDeviceName("Built-in Microphone"))
	assert.NoError(t, ValidateDeviceName(strings.Repeat("é", MaxDeviceNameLength)))
	assert.Error(t, ValidateDeviceName(strings.Repeat("m", MaxDeviceNameLength+1)))
	assert.Error(t, ValidateDeviceName("\xff"))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid ws", "ws://localhost:8080/ws", false},
		{"valid https", "https://jaeger.internal/api/traces", false},
		{"empty", "", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL("url", tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

// Package validation checks identifiers and payload fields arriving over the
// signaling socket and the presence API.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxIDLength         = 100
	MaxDeviceNameLength = 200
	MaxSignalPayload    = 64 * 1024
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// FieldError names the offending field so protocol errors can point at it.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func id(field, v string) error {
	switch {
	case v == "":
		return fieldErr(field, "required")
	case len(v) > MaxIDLength:
		return fieldErr(field, "longer than %d characters", MaxIDLength)
	case !idPattern.MatchString(v):
		return fieldErr(field, "may only contain letters, digits and _.:-")
	}
	return nil
}

func ValidateChannelID(channelID string) error { return id("channelId", channelID) }

func ValidateUserID(userID string) error { return id("userId", userID) }

// ValidateServerID accepts an empty server ID; the field is optional on join.
func ValidateServerID(serverID string) error {
	if serverID == "" {
		return nil
	}
	return id("serverId", serverID)
}

func ValidateDeviceName(name string) error {
	if !utf8.ValidString(name) {
		return fieldErr("deviceInfo.name", "not valid UTF-8")
	}
	if n := utf8.RuneCountInString(name); n > MaxDeviceNameLength {
		return fieldErr("deviceInfo.name", "longer than %d characters", MaxDeviceNameLength)
	}
	return nil
}

// ValidateSignalPayload checks the opaque JSON relayed between peers. The
// server never interprets it beyond presence and size.
func ValidateSignalPayload(payload []byte) error {
	switch strings.TrimSpace(string(payload)) {
	case "", "null":
		return fieldErr("payload", "required")
	}
	if len(payload) > MaxSignalPayload {
		return fieldErr("payload", "larger than %d bytes", MaxSignalPayload)
	}
	return nil
}

// ValidateQualityMetrics bounds a client-reported quality sample.
func ValidateQualityMetrics(jitterMs, packetLoss, rttMs float64) error {
	switch {
	case jitterMs < 0:
		return fieldErr("jitterMs", "negative")
	case rttMs < 0:
		return fieldErr("rttMs", "negative")
	case packetLoss < 0 || packetLoss > 1:
		return fieldErr("packetLoss", "outside [0, 1]")
	}
	return nil
}

// ValidateURL accepts absolute http(s) and ws(s) URLs.
func ValidateURL(field, raw string) error {
	if raw == "" {
		return fieldErr(field, "required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fieldErr(field, "%v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fieldErr(field, "scheme %q is not http, https, ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return fieldErr(field, "missing host")
	}
	return nil
}

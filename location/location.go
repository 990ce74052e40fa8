// Package location resolves the address string attached to a report, either
// from a device location API or from a fixed pool of place names when no
// device is usable.
package location

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// State of a Resolver.
type State int

const (
	Idle State = iota
	Requesting
	Resolved
	Denied
	Unavailable
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Resolved:
		return "resolved"
	case Denied:
		return "denied"
	case Unavailable:
		return "unavailable"
	case TimedOut:
		return "timed-out"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device errors, mirroring the error codes of browser geolocation.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("location position unavailable")
	ErrTimeout             = errors.New("location request timed out")
)

// ErrorFromCode maps a front-end geolocation error code to a device error.
// Both the symbolic names and the numeric GeolocationPositionError codes
// are understood.
func ErrorFromCode(code string) error {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "1", "permission_denied":
		return ErrPermissionDenied
	case "2", "position_unavailable":
		return ErrPositionUnavailable
	case "3", "timeout":
		return ErrTimeout
	default:
		return fmt.Errorf("location error %q", code)
	}
}

// Position is a device fix. Accuracy is in meters.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Options are passed to the device on every request.
type Options struct {
	Timeout      time.Duration
	HighAccuracy bool
	MaximumAge   time.Duration
}

// Device is a location API. Implementations should give up after
// opts.Timeout with ErrTimeout and must return when ctx is done.
type Device interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
}

// Environment carries the signals used to decide whether a device location
// API is worth calling at all.
type Environment struct {
	Hostname  string `json:"hostname"`
	Secure    bool   `json:"secure"`
	DeviceAPI bool   `json:"geolocation"`
}

// Available reports whether location is plausibly obtainable: a device API
// must exist and browsers only expose it to secure or loopback origins.
func Available(env Environment) bool {
	if !env.DeviceAPI {
		return false
	}
	return env.Secure || isLoopback(env.Hostname)
}

func isLoopback(hostname string) bool {
	host := strings.Trim(strings.ToLower(strings.TrimSpace(hostname)), "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

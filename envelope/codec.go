// Package envelope serializes tracked result sets and seals them with an AEAD
// cipher for distribution to subscribers.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	iface "TrackCastServer/interface"
)

const (
	TypeDetectionBroadcast = "detection_broadcast_enc"
	TypeInfo               = "info"
)

// Envelope is the plaintext that gets encrypted. Field order is part of the
// canonical form and must not change.
type Envelope struct {
	Type       string                   `json:"type"`
	Timestamp  float64                  `json:"timestamp"`
	Detections []iface.TrackedDetection `json:"detections"`
}

func New(ts time.Time, dets []iface.TrackedDetection) Envelope {
	if dets == nil {
		dets = []iface.TrackedDetection{}
	}
	return Envelope{
		Type:       TypeDetectionBroadcast,
		Timestamp:  UnixSeconds(ts),
		Detections: dets,
	}
}

// UnixSeconds converts ts to fractional seconds since the epoch at microsecond resolution.
func UnixSeconds(ts time.Time) float64 {
	return float64(ts.UnixMicro()) / 1e6
}

// Marshal returns the canonical byte form of env.
func Marshal(env Envelope) ([]byte, error) {
	if env.Detections == nil {
		env.Detections = []iface.TrackedDetection{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

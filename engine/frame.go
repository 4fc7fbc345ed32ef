package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	iface "TrackCastServer/interface"
)

var ErrBadFrame = errors.New("malformed frame message")

type detectionsBody struct {
	Detections []iface.Detection `json:"detections"`
}

// ParseDetections accepts either a bare JSON list of detections or an object
// with a "detections" field.
func ParseDetections(data []byte) ([]iface.Detection, error) {
	trimmed := strings.TrimSpace(string(data))
	var dets []iface.Detection
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal([]byte(trimmed), &dets); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	case strings.HasPrefix(trimmed, "{"):
		var body detectionsBody
		if err := json.Unmarshal([]byte(trimmed), &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		dets = body.Detections
	default:
		return nil, fmt.Errorf("%w: expected a JSON list or object", ErrBadFrame)
	}
	if dets == nil {
		dets = []iface.Detection{}
	}
	return dets, nil
}

// ParseFrameText turns one text message from the frame socket into a Frame:
// JSON detections, or a base64 image optionally wrapped in a data URL.
func ParseFrameText(text string) (Frame, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Frame{}, fmt.Errorf("%w: empty message", ErrBadFrame)
	}
	if trimmed[0] == '[' || trimmed[0] == '{' {
		dets, err := ParseDetections([]byte(trimmed))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Detections: dets, Reduced: true}, nil
	}
	// 去掉可能的 data URL 前缀
	if strings.HasPrefix(trimmed, "data:") {
		i := strings.Index(trimmed, ",")
		if i == -1 {
			return Frame{}, fmt.Errorf("%w: data URL without payload", ErrBadFrame)
		}
		trimmed = trimmed[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if len(img) == 0 {
		return Frame{}, fmt.Errorf("%w: empty image", ErrBadFrame)
	}
	return Frame{Image: img}, nil
}

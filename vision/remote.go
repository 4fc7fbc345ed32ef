// Package vision adapts an external HTTP object detector to iface.Detector.
//
// The remote service receives a multipart upload in field "file" and answers
// with either a JSON list of detections or {"detections": [...]}, each item
// shaped {"bbox":[x1,y1,x2,y2],"class":"...","conf":0.0}.
package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"TrackCastServer/engine"
	iface "TrackCastServer/interface"

	"github.com/go-resty/resty/v2"
)

const DefaultMinConfidence = 0.25

type Config struct {
	URL           string  `yaml:"URL"`
	TimeoutMs     int     `yaml:"TimeoutMs"`
	MinConfidence float64 `yaml:"MinConfidence"`
	MaxSide       int     `yaml:"MaxSide"`
}

func DefaultConfig() Config {
	return Config{TimeoutMs: 5000, MinConfidence: DefaultMinConfidence, MaxSide: 1280}
}

var ErrDetectorStatus = errors.New("detector returned an error status")

type RemoteDetector struct {
	cfg    Config
	client *resty.Client
}

func NewRemoteDetector(cfg Config) (*RemoteDetector, error) {
	if cfg.URL == "" {
		return nil, errors.New("detector URL cannot be empty")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", cfg.MinConfidence)
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultConfig().TimeoutMs
	}
	client := resty.New().SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	return &RemoteDetector{cfg: cfg, client: client}, nil
}

func (d *RemoteDetector) CheckConfig() iface.DetectorConfig {
	return iface.DetectorConfig{URL: d.cfg.URL, MinConfidence: d.cfg.MinConfidence}
}

func (d *RemoteDetector) Detect(ctx context.Context, img []byte) ([]iface.Detection, error) {
	frame, err := Normalize(img, d.cfg.MaxSide)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", "frame.jpg", bytes.NewReader(frame.JPEG)).
		Post(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s, body: %s", ErrDetectorStatus, resp.Status(), resp.String())
	}
	raw, err := engine.ParseDetections(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("detector response: %w", err)
	}
	return d.filter(raw, frame), nil
}

// filter drops low-confidence detections, maps boxes back to source-frame
// pixels and clips them to the frame, discarding any box that collapses.
func (d *RemoteDetector) filter(raw []iface.Detection, frame Frame) []iface.Detection {
	size := frame.Source
	out := make([]iface.Detection, 0, len(raw))
	for _, det := range raw {
		if det.Conf < d.cfg.MinConfidence || det.Conf > 1 {
			continue
		}
		b := frame.Scale(det.BBox)
		b.X1, b.X2 = clamp(b.X1, 0, size.X), clamp(b.X2, 0, size.X)
		b.Y1, b.Y2 = clamp(b.Y1, 0, size.Y), clamp(b.Y2, 0, size.Y)
		if !b.Valid() {
			continue
		}
		det.BBox = b
		out = append(out, det)
	}
	return out
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

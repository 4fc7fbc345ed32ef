package iface

import "context"

type DetectorConfig struct {
	URL           string
	MinConfidence float64
}

// Detector turns one encoded image into the detections found in it.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
	CheckConfig() DetectorConfig
}

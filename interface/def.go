package iface

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidBox        = errors.New("invalid bounding box")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")

	// ErrUndecodableImage is returned by detectors when the frame bytes are not an image.
	ErrUndecodableImage = errors.New("decoded image is empty or unsupported format")
)

// Box 是轴对齐的检测框，坐标为像素整数 (x1,y1) 左上，(x2,y2) 右下
type Box struct {
	X1, Y1, X2, Y2 int
}

func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b Box) Area() int {
	if !b.Valid() {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// MarshalJSON encodes the box as [x1,y1,x2,y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

func (b *Box) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("%w: expected 4 coordinates, got %d", ErrInvalidBox, len(raw))
	}
	b.X1, b.Y1, b.X2, b.Y2 = raw[0], raw[1], raw[2], raw[3]
	return nil
}

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	BBox  Box     `json:"bbox"`
	Class string  `json:"class"`
	Conf  float64 `json:"conf"`
}

func (d Detection) Validate() error {
	if !d.BBox.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidBox, d.BBox)
	}
	if d.Conf < 0 || d.Conf > 1 {
		return fmt.Errorf("%w, got %f", ErrInvalidConfidence, d.Conf)
	}
	return nil
}

// ValidateAll returns the first invalid detection's error, annotated with its index.
func ValidateAll(dets []Detection) error {
	for i, d := range dets {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detection %d: %w", i, err)
		}
	}
	return nil
}

// TrackedDetection is a Detection carrying the identity the tracker assigned to it.
type TrackedDetection struct {
	ObjectID string  `json:"object_id"`
	BBox     Box     `json:"bbox"`
	Class    string  `json:"class"`
	Conf     float64 `json:"conf"`
}

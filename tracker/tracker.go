// Package tracker assigns stable identities to per-frame detections using a
// greedy IoU matcher.
//
// Matching is intentionally greedy: the globally best (track, detection) pair
// is taken first, then the next best among the remaining rows and columns,
// until the best remaining IoU falls below the threshold. This is not an
// optimal assignment and callers relying on identity continuity should expect
// exactly this behaviour. Ties are broken by row-major scan order, with
// tracks ordered by creation and detections by input position.
package tracker

import (
	"fmt"
	"slices"

	iface "TrackCastServer/interface"

	"github.com/google/uuid"
)

const (
	DefaultIoUThreshold = 0.35
	DefaultMaxLost      = 5
)

type Config struct {
	IoUThreshold float64 `yaml:"IouThreshold"`
	MaxLost      int     `yaml:"MaxLost"`
}

func DefaultConfig() Config {
	return Config{IoUThreshold: DefaultIoUThreshold, MaxLost: DefaultMaxLost}
}

func (c Config) Validate() error {
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("IoU threshold must be between 0.0 and 1.0, got %f", c.IoUThreshold)
	}
	if c.MaxLost < 0 {
		return fmt.Errorf("max lost must be >= 0, got %d", c.MaxLost)
	}
	return nil
}

// Track is the persistent state behind one object identity.
type Track struct {
	ID    string
	BBox  iface.Box
	Label string
	Lost  int
}

// Tracker is not safe for concurrent use; updates must be applied in frame order
// by a single writer.
type Tracker struct {
	cfg    Config
	tracks map[string]*Track
	order  []string
	newID  func() string
}

type Option func(*Tracker)

// WithIDFunc replaces the uuid generator. The function must never return an id twice.
func WithIDFunc(f func() string) Option {
	return func(t *Tracker) {
		t.newID = f
	}
}

func New(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:    cfg,
		tracks: make(map[string]*Track),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Update matches detections onto existing tracks, spawns tracks for the
// leftovers, ages and expires unmatched tracks, and returns one
// TrackedDetection per input detection in input order.
func (t *Tracker) Update(dets []iface.Detection) []iface.TrackedDetection {
	existing := make([]*Track, len(t.order))
	for i, id := range t.order {
		existing[i] = t.tracks[id]
	}

	assigned := make([]string, len(dets))
	matchedTrack := make([]bool, len(existing))

	if len(existing) > 0 && len(dets) > 0 {
		m := costMatrix(existing, dets)
		for {
			i, j, best := argmax(m)
			if i < 0 || best < t.cfg.IoUThreshold {
				break
			}
			tr := existing[i]
			tr.BBox = dets[j].BBox
			tr.Label = dets[j].Class
			tr.Lost = 0
			assigned[j] = tr.ID
			matchedTrack[i] = true
			for col := range m[i] {
				m[i][col] = -1
			}
			for row := range m {
				m[row][j] = -1
			}
		}
	}

	for j, d := range dets {
		if assigned[j] != "" {
			continue
		}
		tr := &Track{ID: t.newID(), BBox: d.BBox, Label: d.Class}
		t.tracks[tr.ID] = tr
		t.order = append(t.order, tr.ID)
		assigned[j] = tr.ID
	}

	for i, tr := range existing {
		if !matchedTrack[i] {
			tr.Lost++
		}
	}
	t.expire()

	out := make([]iface.TrackedDetection, len(dets))
	for j, d := range dets {
		out[j] = iface.TrackedDetection{
			ObjectID: assigned[j],
			BBox:     d.BBox,
			Class:    d.Class,
			Conf:     d.Conf,
		}
	}
	return out
}

func (t *Tracker) expire() {
	t.order = slices.DeleteFunc(t.order, func(id string) bool {
		if t.tracks[id].Lost > t.cfg.MaxLost {
			delete(t.tracks, id)
			return true
		}
		return false
	})
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}

// Lookup returns a copy of the track with the given id.
func (t *Tracker) Lookup(id string) (Track, bool) {
	tr, ok := t.tracks[id]
	if !ok {
		return Track{}, false
	}
	return *tr, true
}

// Tracks returns copies of all live tracks in creation order.
func (t *Tracker) Tracks() []Track {
	out := make([]Track, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.tracks[id])
	}
	return out
}

func (t *Tracker) Reset() {
	t.tracks = make(map[string]*Track)
	t.order = nil
}

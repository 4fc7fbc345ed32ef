// Package pipeline runs one frame's detections through tracking, sealing and
// broadcast.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"TrackCastServer/broadcast"
	"TrackCastServer/envelope"
	iface "TrackCastServer/interface"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"
	"TrackCastServer/tracker"

	"go.uber.org/zap"
)

// Output is what one processed frame produced.
type Output struct {
	Tracked   []iface.TrackedDetection
	Sealed    envelope.Sealed
	Message   []byte
	Timestamp time.Time
	Broadcast broadcast.Result
}

// Pipeline is the single writer of tracker state. Process calls are
// serialised so frames are tracked and broadcast in the order they arrive.
type Pipeline struct {
	mu      sync.Mutex
	tracker *tracker.Tracker
	sealer  *envelope.Encryptor
	hub     *broadcast.Hub
	metrics *monitor.Metrics
	now     func() time.Time
	log     *zap.Logger
}

func New(t *tracker.Tracker, sealer *envelope.Encryptor, hub *broadcast.Hub, metrics *monitor.Metrics) *Pipeline {
	if metrics == nil {
		metrics = monitor.New()
	}
	return &Pipeline{
		tracker: t,
		sealer:  sealer,
		hub:     hub,
		metrics: metrics,
		now:     time.Now,
		log:     logger.Named("pipeline"),
	}
}

// SetClock overrides the timestamp source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Process validates dets, assigns identities, seals the envelope and
// broadcasts it. Invalid input is rejected before any state changes. An
// encryption failure is not an error: the marker is broadcast and returned.
func (p *Pipeline) Process(dets []iface.Detection) (Output, error) {
	if err := iface.ValidateAll(dets); err != nil {
		p.metrics.FrameErrors.WithLabelValues(monitor.StageValidate).Inc()
		return Output{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tracked := p.tracker.Update(dets)
	p.metrics.ActiveTracks.Set(float64(p.tracker.Len()))

	ts := p.now()
	var sealed envelope.Sealed
	plaintext, err := envelope.Marshal(envelope.New(ts, tracked))
	if err != nil {
		p.metrics.FrameErrors.WithLabelValues(monitor.StageEncode).Inc()
		p.log.Error("serialize envelope failed", zap.Error(err))
		sealed = envelope.Sealed{Error: envelope.ErrEncryptFailed}
	} else {
		sealed = p.sealer.Seal(plaintext)
	}
	if sealed.Failed() {
		p.metrics.EncryptFailures.Inc()
	}

	msg, err := envelope.NewBroadcast(sealed, ts).Encode()
	if err != nil {
		return Output{}, fmt.Errorf("encode broadcast: %w", err)
	}
	res := p.hub.Broadcast(msg)
	p.metrics.FramesProcessed.Inc()

	p.log.Debug("frame processed",
		zap.Int("detections", len(dets)),
		zap.Int("tracks", p.tracker.Len()),
		zap.Int("delivered", res.Delivered),
		zap.Int("pruned", res.Pruned),
		zap.Bool("encrypt_failed", sealed.Failed()))

	return Output{
		Tracked:   tracked,
		Sealed:    sealed,
		Message:   msg,
		Timestamp: ts,
		Broadcast: res,
	}, nil
}

// Tracks returns a snapshot of the live tracks.
func (p *Pipeline) Tracks() []tracker.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Tracks()
}

func (p *Pipeline) Hub() *broadcast.Hub {
	return p.hub
}

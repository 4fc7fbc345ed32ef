package pipeline

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"TrackCastServer/broadcast"
	"TrackCastServer/envelope"
	iface "TrackCastServer/interface"
	"TrackCastServer/monitor"
	"TrackCastServer/tracker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	id   string
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) ID() string { return r.id }
func (r *recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}
func (r *recorder) Close() error { return nil }

func (r *recorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

type fixture struct {
	pipe    *Pipeline
	sealer  *envelope.Encryptor
	hub     *broadcast.Hub
	sub     *recorder
	metrics *monitor.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tr, err := tracker.New(tracker.DefaultConfig())
	require.NoError(t, err)
	sealer, err := envelope.NewEncryptor(bytes.Repeat([]byte{9}, envelope.KeySize), envelope.AESGCM)
	require.NoError(t, err)
	metrics := monitor.New()
	hub := broadcast.NewHub(metrics)
	sub := &recorder{id: "sub"}
	require.NoError(t, hub.Connect(sub))
	p := New(tr, sealer, hub, metrics)
	p.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	return fixture{pipe: p, sealer: sealer, hub: hub, sub: sub, metrics: metrics}
}

func TestProcess_BroadcastDecryptsToEnvelope(t *testing.T) {
	f := newFixture(t)
	in := []iface.Detection{{BBox: iface.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Class: "person", Conf: 0.9}}

	out, err := f.pipe.Process(in)
	require.NoError(t, err)
	require.Len(t, out.Tracked, 1)
	assert.Equal(t, 1, out.Broadcast.Delivered)
	assert.Equal(t, out.Message, f.sub.last())

	msg, err := envelope.DecodeMessage(f.sub.last())
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeDetectionBroadcast, msg.Type)
	assert.Equal(t, 1700000000.0, msg.Timestamp)
	require.NotNil(t, msg.Data)

	plaintext, err := f.sealer.Open(*msg.Data)
	require.NoError(t, err)
	want, err := envelope.Marshal(envelope.New(time.Unix(1700000000, 0), out.Tracked))
	require.NoError(t, err)
	assert.Equal(t, want, plaintext)

	env, err := envelope.Unmarshal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, out.Tracked, env.Detections)

	second, err := f.pipe.Process(in)
	require.NoError(t, err)
	assert.Equal(t, out.Tracked[0].ObjectID, second.Tracked[0].ObjectID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.FramesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveTracks))
}

func TestProcess_InvalidInputLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.Process([]iface.Detection{
		{BBox: iface.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Conf: 0.5},
		{BBox: iface.Box{X1: 10, Y1: 0, X2: 0, Y2: 10}, Conf: 0.5},
	})
	assert.ErrorIs(t, err, iface.ErrInvalidBox)
	assert.Empty(t, f.pipe.Tracks())
	assert.Len(t, f.sub.msgs, 1, "only the greeting")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FrameErrors.WithLabelValues(monitor.StageValidate)))
}

func TestProcess_EmptyFrameStillBroadcasts(t *testing.T) {
	f := newFixture(t)
	out, err := f.pipe.Process(nil)
	require.NoError(t, err)
	assert.Empty(t, out.Tracked)
	assert.Equal(t, 1, out.Broadcast.Delivered)
}

type brokenRand struct{}

func (brokenRand) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestProcess_EncryptFailureBroadcastsMarker(t *testing.T) {
	f := newFixture(t)
	f.sealer.SetRandom(brokenRand{})

	out, err := f.pipe.Process([]iface.Detection{{BBox: iface.Box{X1: 0, Y1: 0, X2: 5, Y2: 5}, Conf: 0.5}})
	require.NoError(t, err)
	assert.True(t, out.Sealed.Failed())

	msg, err := envelope.DecodeMessage(f.sub.last())
	require.NoError(t, err)
	require.NotNil(t, msg.Data)
	assert.Equal(t, envelope.ErrEncryptFailed, msg.Data.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EncryptFailures))
}

func TestProcess_ConcurrentCallersSerialised(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x := i * 100
			_, err := f.pipe.Process([]iface.Detection{{BBox: iface.Box{X1: x, Y1: 0, X2: x + 10, Y2: 10}, Conf: 0.5}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	// the two oldest tracks miss more than MaxLost frames and expire
	assert.Len(t, f.pipe.Tracks(), 6)
	assert.Len(t, f.sub.msgs, 9)
}

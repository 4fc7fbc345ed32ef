package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"TrackCastServer/envelope"
	"TrackCastServer/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 7001, cfg.HTTPPort)
	assert.Equal(t, tracker.DefaultConfig(), cfg.Tracker)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
HTTPPort: 8001
UseRegServer: true
RegServerHost: 10.0.0.1
RegServerPort: 9000
Tracker:
  IouThreshold: 0.5
Key:
  Algorithm: xchacha20-poly1305
  Reuse: true
Detector:
  URL: http://127.0.0.1:9999/detect
Log:
  Level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.HTTPPort)
	assert.Equal(t, DefaultRPCPort, cfg.RPCPort)
	assert.Equal(t, 0.5, cfg.Tracker.IoUThreshold)
	assert.Equal(t, tracker.DefaultMaxLost, cfg.Tracker.MaxLost)
	assert.Equal(t, string(envelope.XChaCha20Poly1305), cfg.Key.Algorithm)
	assert.True(t, cfg.Key.Reuse)
	assert.Equal(t, DefaultKeyFile, cfg.Key.File)
	assert.Equal(t, "http://127.0.0.1:9999/detect", cfg.Detector.URL)
	assert.Equal(t, 0.25, cfg.Detector.MinConfidence)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "Bogus: 1\n",
		"bad yaml":        "HTTPPort: [\n",
		"port clash":      "RPCPort: 7001\n",
		"port range":      "MetricsPort: 70000\n",
		"threshold":       "Tracker:\n  IouThreshold: 1.5\n",
		"max lost":        "Tracker:\n  MaxLost: -1\n",
		"algorithm":       "Key:\n  Algorithm: rot13\n",
		"empty key file":  "Key:\n  File: \"\"\n",
		"reg server host": "UseRegServer: true\n",
		"confidence":      "Detector:\n  MinConfidence: 2\n",
		"frame size":      "MaxFrameBytes: 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_PortErrorsInFieldOrder(t *testing.T) {
	want := "HTTPPort out of range: 0\nRPCPort out of range: -1\nMetricsPort out of range: 70000"
	for i := 0; i < 20; i++ {
		_, err := Parse([]byte("HTTPPort: 0\nRPCPort: -1\nMetricsPort: 70000\n"))
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), want), err.Error())
	}
}

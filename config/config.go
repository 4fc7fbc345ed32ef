// Package config loads config.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"TrackCastServer/broadcast"
	"TrackCastServer/engine"
	"TrackCastServer/envelope"
	"TrackCastServer/keystore"
	"TrackCastServer/tracker"
	"TrackCastServer/vision"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPPort      = 7001
	DefaultRPCPort       = 50051
	DefaultMetricsPort   = 50053
	DefaultMaxFrameBytes = 20 * 1024 * 1024
	DefaultKeyFile       = "detection.key"
)

type LogConfig struct {
	Level       string `yaml:"Level"`
	Development bool   `yaml:"Development"`
}

type Config struct {
	HTTPPort      int  `yaml:"HTTPPort"`
	RPCPort       int  `yaml:"RPCPort"`
	MetricsPort   int  `yaml:"MetricsPort"`
	MaxFrameBytes int  `yaml:"MaxFrameBytes"`
	UseRegServer  bool `yaml:"UseRegServer"`
	RegServerPort int  `yaml:"RegServerPort"`

	// RegServerHost 注册服务器地址，UseRegServer 为 true 时必填
	RegServerHost string `yaml:"RegServerHost"`

	Tracker   tracker.Config   `yaml:"Tracker"`
	Key       keystore.Config  `yaml:"Key"`
	Detector  vision.Config    `yaml:"Detector"`
	Broadcast broadcast.Config `yaml:"Broadcast"`
	Engine    engine.Config    `yaml:"Engine"`
	Log       LogConfig        `yaml:"Log"`
}

func Default() Config {
	return Config{
		HTTPPort:      DefaultHTTPPort,
		RPCPort:       DefaultRPCPort,
		MetricsPort:   DefaultMetricsPort,
		MaxFrameBytes: DefaultMaxFrameBytes,
		Tracker:       tracker.DefaultConfig(),
		Key:           keystore.Config{File: DefaultKeyFile, Algorithm: string(envelope.AESGCM)},
		Detector:      vision.DefaultConfig(),
		Broadcast:     broadcast.DefaultConfig(),
		Engine:        engine.DefaultConfig(),
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults; unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	ports := []struct {
		name string
		port int
	}{
		{"HTTPPort", c.HTTPPort},
		{"RPCPort", c.RPCPort},
		{"MetricsPort", c.MetricsPort},
	}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", p.name, p.port))
		}
	}
	if c.HTTPPort == c.RPCPort || c.HTTPPort == c.MetricsPort || c.RPCPort == c.MetricsPort {
		errs = append(errs, fmt.Errorf("ports must differ: http=%d rpc=%d metrics=%d", c.HTTPPort, c.RPCPort, c.MetricsPort))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("MaxFrameBytes must be positive, got %d", c.MaxFrameBytes))
	}
	if c.UseRegServer && (c.RegServerHost == "" || c.RegServerPort <= 0) {
		errs = append(errs, errors.New("UseRegServer requires RegServerHost and RegServerPort"))
	}
	if err := c.Tracker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("Tracker: %w", err))
	}
	if c.Key.File == "" {
		errs = append(errs, errors.New("Key.File cannot be empty"))
	}
	if _, err := envelope.ParseAlgorithm(c.Key.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("Key: %w", err))
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("Detector.MinConfidence must be between 0.0 and 1.0, got %f", c.Detector.MinConfidence))
	}
	return errors.Join(errs...)
}

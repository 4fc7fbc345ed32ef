// Package engine feeds frames to the pipeline from a single ordered worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iface "TrackCastServer/interface"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"
	"TrackCastServer/pipeline"

	"go.uber.org/zap"
)

var (
	ErrNoDetector    = errors.New("no detector configured for image frames")
	ErrQueueFull     = errors.New("frame queue is full")
	ErrEngineStopped = errors.New("engine stopped")
	ErrEmptyFrame    = errors.New("frame carries neither image nor detections")
)

type Config struct {
	QueueSize       int `yaml:"QueueSize"`
	DetectTimeoutMs int `yaml:"DetectTimeoutMs"`
}

func DefaultConfig() Config {
	return Config{QueueSize: 8, DetectTimeoutMs: 5000}
}

// Frame is one unit of work. Either Image (encoded bytes for the detector)
// or Detections (already reduced) is set.
type Frame struct {
	Image      []byte
	Detections []iface.Detection
	Reduced    bool
	Source     string
}

type jobResult struct {
	Output pipeline.Output
	Err    error
}

// jobPackage carries a frame to the worker. Synchronous jobs set result and
// ctx; the worker skips them once ctx is done so an abandoned caller never
// advances the tracker.
type jobPackage struct {
	ctx    context.Context
	frame  Frame
	result chan jobResult
}

type Engine struct {
	pipe          *pipeline.Pipeline
	detector      iface.Detector
	queue         chan jobPackage
	detectTimeout time.Duration
	metrics       *monitor.Metrics
	log           *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds an engine. detector may be nil when only pre-reduced detection
// frames are expected.
func New(pipe *pipeline.Pipeline, detector iface.Detector, cfg Config, metrics *monitor.Metrics) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DetectTimeoutMs <= 0 {
		cfg.DetectTimeoutMs = DefaultConfig().DetectTimeoutMs
	}
	if metrics == nil {
		metrics = monitor.New()
	}
	return &Engine{
		pipe:          pipe,
		detector:      detector,
		queue:         make(chan jobPackage, cfg.QueueSize),
		detectTimeout: time.Duration(cfg.DetectTimeoutMs) * time.Millisecond,
		metrics:       metrics,
		log:           logger.Named("engine"),
		stop:          make(chan struct{}),
	}
}

func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipe
}

// Start launches the worker. Only one worker ever runs so that frames reach
// the tracker in submission order.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.runWorker(ctx)
	})
}

// Stop halts the worker and waits for it to exit. Queued frames are discarded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()
}

func (e *Engine) runWorker(ctx context.Context) {
	defer e.wg.Done()
	e.log.Info("frame worker started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info("frame worker stopped", zap.Error(ctx.Err()))
			return
		case <-e.stop:
			e.log.Info("frame worker stopped")
			return
		case job := <-e.queue:
			if job.ctx != nil && job.ctx.Err() != nil {
				e.log.Debug("abandoned frame skipped", zap.String("source", job.frame.Source), zap.Error(job.ctx.Err()))
				job.result <- jobResult{Err: job.ctx.Err()}
				continue
			}
			out, err := e.handle(ctx, job.frame)
			if job.result != nil {
				job.result <- jobResult{Output: out, Err: err}
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, frame Frame) (out pipeline.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.FrameErrors.WithLabelValues(monitor.StagePanic).Inc()
			e.log.Error("frame processing panic recovered", zap.Any("panic", r), zap.String("source", frame.Source))
			err = fmt.Errorf("frame processing panic: %v", r)
		}
	}()

	dets := frame.Detections
	if !frame.Reduced {
		if len(frame.Image) == 0 {
			e.metrics.FrameErrors.WithLabelValues(monitor.StageDecode).Inc()
			return pipeline.Output{}, ErrEmptyFrame
		}
		if e.detector == nil {
			e.metrics.FrameErrors.WithLabelValues(monitor.StageDetect).Inc()
			return pipeline.Output{}, ErrNoDetector
		}
		dctx, cancel := context.WithTimeout(ctx, e.detectTimeout)
		dets, err = e.detector.Detect(dctx, frame.Image)
		cancel()
		if err != nil {
			stage := monitor.StageDetect
			if errors.Is(err, iface.ErrUndecodableImage) {
				stage = monitor.StageDecode
			}
			e.metrics.FrameErrors.WithLabelValues(stage).Inc()
			e.log.Warn("frame discarded", zap.String("stage", stage), zap.String("source", frame.Source), zap.Error(err))
			return pipeline.Output{}, fmt.Errorf("%s: %w", stage, err)
		}
	}

	out, err = e.pipe.Process(dets)
	if err != nil {
		e.log.Warn("frame discarded", zap.String("stage", monitor.StageValidate), zap.String("source", frame.Source), zap.Error(err))
		return pipeline.Output{}, err
	}
	return out, nil
}

// Submit queues a frame for asynchronous processing. Errors during
// processing are logged and counted; a full queue rejects the frame.
func (e *Engine) Submit(frame Frame) error {
	select {
	case <-e.stop:
		return ErrEngineStopped
	default:
	}
	select {
	case e.queue <- jobPackage{frame: frame}:
		return nil
	default:
		e.metrics.FramesDropped.Inc()
		return ErrQueueFull
	}
}

// Do queues a frame behind any pending ones and waits for its result. A frame
// whose ctx ends while it is still queued is never processed; once the worker
// has picked it up, it runs to completion even if Do has already returned.
func (e *Engine) Do(ctx context.Context, frame Frame) (pipeline.Output, error) {
	result := make(chan jobResult, 1)
	select {
	case e.queue <- jobPackage{ctx: ctx, frame: frame, result: result}:
	case <-ctx.Done():
		return pipeline.Output{}, ctx.Err()
	case <-e.stop:
		return pipeline.Output{}, ErrEngineStopped
	}
	select {
	case r := <-result:
		return r.Output, r.Err
	case <-ctx.Done():
		return pipeline.Output{}, ctx.Err()
	case <-e.stop:
		return pipeline.Output{}, ErrEngineStopped
	}
}

// Package api serves the HTTP and WebSocket surface of the detection stream.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"TrackCastServer/broadcast"
	"TrackCastServer/engine"
	iface "TrackCastServer/interface"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultMaxFrameBytes = 20 * 1024 * 1024

type Deps struct {
	Engine        *engine.Engine
	Hub           *broadcast.Hub
	Metrics       *monitor.Metrics
	Broadcast     broadcast.Config
	MaxFrameBytes int64

	// RequestTimeout bounds POST /detect; zero means 10s.
	RequestTimeout time.Duration
}

type handler struct {
	Deps
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Metrics == nil {
		d.Metrics = monitor.New()
	}
	if d.MaxFrameBytes <= 0 {
		d.MaxFrameBytes = defaultMaxFrameBytes
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	h := &handler{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.Named("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.countRequests)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", h.health)
	r.GET("/api/subscribers", h.subscribers)
	r.GET("/api/tracks", h.tracks)
	r.GET("/ws", h.subscribe)
	r.GET("/ws_frames", h.ingest)
	r.POST("/detect", h.detect)
	return r
}

func (h *handler) countRequests(c *gin.Context) {
	c.Next()
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = "unmatched"
	}
	h.Metrics.Requests.WithLabelValues("http", endpoint).Inc()
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": h.Hub.Len(),
		"tracks":      len(h.Engine.Pipeline().Tracks()),
	})
}

func (h *handler) subscribers(c *gin.Context) {
	subs := h.Hub.Registry().Snapshot()
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID())
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "data": ids})
}

func (h *handler) tracks(c *gin.Context) {
	tracks := h.Engine.Pipeline().Tracks()
	data := make([]gin.H, 0, len(tracks))
	for _, t := range tracks {
		data = append(data, gin.H{"id": t.ID, "bbox": t.BBox, "label": t.Label, "lost": t.Lost})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(data), "data": data})
}

// subscribe upgrades to a subscriber stream: greeting, then every broadcast.
func (h *handler) subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	sub := broadcast.NewWSSubscriber(conn, h.Broadcast)
	if err := h.Hub.Connect(sub); err != nil {
		h.log.Warn("subscriber rejected", zap.Error(err))
		return
	}
	sub.ReadLoop()
	h.Hub.Disconnect(sub.ID())
}

// ingest reads frames from the socket and queues them; bad frames are
// logged and the socket stays open.
func (h *handler) ingest(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.MaxFrameBytes)
	remote := conn.RemoteAddr().String()
	h.log.Info("frame source connected", zap.String("remote", remote))
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			// 客户端断开或读取错误
			h.log.Info("frame source closed", zap.String("remote", remote), zap.Error(err))
			return
		}
		if mt != websocket.TextMessage {
			h.log.Warn("unsupported frame message type", zap.Int("type", mt))
			continue
		}
		frame, err := engine.ParseFrameText(string(msg))
		if err != nil {
			h.Metrics.FrameErrors.WithLabelValues(monitor.StageDecode).Inc()
			h.log.Warn("frame discarded", zap.String("remote", remote), zap.Error(err))
			continue
		}
		frame.Source = remote
		if err := h.Engine.Submit(frame); err != nil {
			h.log.Warn("frame not queued", zap.String("remote", remote), zap.Error(err))
			if errors.Is(err, engine.ErrEngineStopped) {
				return
			}
		}
	}
}

// detect handles one frame synchronously: a multipart "file" image or a JSON
// detection body.
func (h *handler) detect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxFrameBytes)
	frame, err := h.readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()
	out, err := h.Engine.Do(ctx, frame)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "encrypted": out.Sealed})
}

func (h *handler) readFrame(c *gin.Context) (engine.Frame, error) {
	source := "http:" + c.ClientIP()
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return engine.Frame{}, err
		}
		defer f.Close()
		img, err := io.ReadAll(f)
		if err != nil {
			return engine.Frame{}, err
		}
		if len(img) == 0 {
			return engine.Frame{}, iface.ErrUndecodableImage
		}
		return engine.Frame{Image: img, Source: source}, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return engine.Frame{}, err
	}
	dets, err := engine.ParseDetections(body)
	if err != nil {
		return engine.Frame{}, err
	}
	return engine.Frame{Detections: dets, Reduced: true, Source: source}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, iface.ErrInvalidBox),
		errors.Is(err, iface.ErrInvalidConfidence),
		errors.Is(err, iface.ErrUndecodableImage),
		errors.Is(err, engine.ErrBadFrame),
		errors.Is(err, engine.ErrEmptyFrame):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoDetector),
		errors.Is(err, engine.ErrEngineStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

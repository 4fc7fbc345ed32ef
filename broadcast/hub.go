package broadcast

import (
	"errors"
	"fmt"

	"TrackCastServer/envelope"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"

	"go.uber.org/zap"
)

// Result summarises one broadcast round.
type Result struct {
	Delivered int
	Dropped   int
	Pruned    int
}

// Hub owns the registry and performs the fan-out.
type Hub struct {
	reg     *Registry
	metrics *monitor.Metrics
	log     *zap.Logger
}

func NewHub(metrics *monitor.Metrics) *Hub {
	if metrics == nil {
		metrics = monitor.New()
	}
	return &Hub{
		reg:     NewRegistry(),
		metrics: metrics,
		log:     logger.Named("broadcast"),
	}
}

func (h *Hub) Registry() *Registry {
	return h.reg
}

func (h *Hub) Len() int {
	return h.reg.Len()
}

// Connect sends sub the one-time greeting and then registers it, so no
// broadcast can reach it first. A subscriber that cannot take the greeting is
// closed and never registered.
func (h *Hub) Connect(sub Subscriber) error {
	if err := safeSend(sub, envelope.GreetingBytes); err != nil {
		_ = sub.Close()
		return fmt.Errorf("greet subscriber %s: %w", sub.ID(), err)
	}
	h.reg.Add(sub)
	h.metrics.Subscribers.Set(float64(h.reg.Len()))
	h.log.Info("subscriber connected", zap.String("id", sub.ID()), zap.Int("total", h.reg.Len()))
	return nil
}

// Disconnect removes and closes the subscriber. It reports whether it was registered.
func (h *Hub) Disconnect(id string) bool {
	sub, ok := h.reg.Remove(id)
	if !ok {
		return false
	}
	_ = sub.Close()
	h.metrics.Subscribers.Set(float64(h.reg.Len()))
	h.log.Info("subscriber disconnected", zap.String("id", id), zap.Int("remaining", h.reg.Len()))
	return true
}

// Broadcast offers msg to every subscriber in a snapshot of the registry.
// A failing subscriber is pruned without affecting the others; a slow one
// just misses this message.
func (h *Hub) Broadcast(msg []byte) Result {
	var res Result
	h.metrics.Broadcasts.Inc()
	for _, sub := range h.reg.Snapshot() {
		err := safeSend(sub, msg)
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, ErrDropped):
			res.Dropped++
		default:
			if h.prune(sub) {
				res.Pruned++
			}
			h.log.Debug("subscriber pruned", zap.String("id", sub.ID()), zap.Error(err))
		}
	}
	h.metrics.Deliveries.Add(float64(res.Delivered))
	h.metrics.SlowDrops.Add(float64(res.Dropped))
	h.metrics.DeliveryFailures.Add(float64(res.Pruned))
	return res
}

func (h *Hub) prune(sub Subscriber) bool {
	if !h.reg.removeIf(sub.ID(), sub) {
		return false
	}
	_ = sub.Close()
	h.metrics.Subscribers.Set(float64(h.reg.Len()))
	return true
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	for _, sub := range h.reg.Snapshot() {
		h.Disconnect(sub.ID())
	}
}

func safeSend(sub Subscriber, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	return sub.Send(msg)
}

package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamgate/internal/monitoring"
)

// Registry maps channel names to hubs and owns their lifecycle.
// Hubs are created lazily on first subscribe or first publish; concurrent
// first arrivals converge on one hub via a double-checked write.
type Registry struct {
	mu     sync.RWMutex
	hubs   map[string]*Hub
	logger zerolog.Logger

	wg sync.WaitGroup
}

// ChannelInfo is a point-in-time projection of one hub for stats.
type ChannelInfo struct {
	Name        string
	Receivers   int
	Messages    uint64
	LastMessage time.Time // zero when the channel has never been published to
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		hubs:   make(map[string]*Hub),
		logger: logger.With().Str("component", "channel_registry").Logger(),
	}
}

// Subscribe attaches a fresh receiver to the named channel, creating the
// hub if needed. The receiver is attached while the registry lock is
// held, so the sweeper can never remove a hub between find and attach.
func (reg *Registry) Subscribe(name string) *Receiver {
	reg.mu.RLock()
	if h, ok := reg.hubs[name]; ok {
		r := h.subscribe()
		reg.mu.RUnlock()
		return r
	}
	reg.mu.RUnlock()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	h, ok := reg.hubs[name]
	if !ok {
		h = newHub()
		reg.hubs[name] = h
		monitoring.ChannelsActive.Set(float64(len(reg.hubs)))
		reg.logger.Debug().Str("channel", name).Msg("Channel created on subscribe")
	}
	return h.subscribe()
}

// Publish sends msg to every current receiver of the named channel,
// creating the hub if needed (its count then starts at 1). The registry
// lock is held in read mode across the hub's bounded critical section so
// a sweep cannot retire the hub mid-publish.
func (reg *Registry) Publish(name, msg string) {
	reg.mu.RLock()
	if h, ok := reg.hubs[name]; ok {
		h.publish(msg)
		reg.mu.RUnlock()
		return
	}
	reg.mu.RUnlock()

	reg.mu.Lock()
	h, ok := reg.hubs[name]
	if !ok {
		h = newHub()
		reg.hubs[name] = h
		monitoring.ChannelsActive.Set(float64(len(reg.hubs)))
		reg.logger.Debug().Str("channel", name).Msg("Channel created on publish")
	}
	h.publish(msg)
	reg.mu.Unlock()
}

// ReceiverCount returns the number of receivers on the named channel,
// zero when the channel does not exist.
func (reg *Registry) ReceiverCount(name string) int {
	reg.mu.RLock()
	h, ok := reg.hubs[name]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.ReceiverCount()
}

// Snapshot projects every hub's bookkeeping without holding the registry
// lock across serialisation.
func (reg *Registry) Snapshot() []ChannelInfo {
	reg.mu.RLock()
	hubs := make(map[string]*Hub, len(reg.hubs))
	for name, h := range reg.hubs {
		hubs[name] = h
	}
	reg.mu.RUnlock()

	out := make([]ChannelInfo, 0, len(hubs))
	for name, h := range hubs {
		receivers, messages, last := h.snapshot()
		out = append(out, ChannelInfo{
			Name:        name,
			Receivers:   receivers,
			Messages:    messages,
			LastMessage: last,
		})
	}
	return out
}

// Len returns the number of live hubs.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.hubs)
}

// StartSweeper retires hubs that have had no receivers and no publish for
// idleAfter, checking every interval. Removal happens under the registry
// write lock and only for receiver-less hubs; Subscribe attaches under
// that same lock, so a hub in use is never swept.
func (reg *Registry) StartSweeper(ctx context.Context, interval, idleAfter time.Duration) {
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		reg.logger.Info().
			Dur("interval", interval).
			Dur("idle_after", idleAfter).
			Msg("Channel sweeper started")

		for {
			select {
			case <-ticker.C:
				reg.sweep(idleAfter)
			case <-ctx.Done():
				reg.logger.Info().Msg("Channel sweeper stopped")
				return
			}
		}
	}()
}

func (reg *Registry) sweep(idleAfter time.Duration) {
	now := time.Now()

	reg.mu.Lock()
	removed := 0
	for name, h := range reg.hubs {
		since, receivers := h.idleSince()
		if receivers == 0 && now.Sub(since) >= idleAfter {
			delete(reg.hubs, name)
			removed++
		}
	}
	if removed > 0 {
		monitoring.ChannelsActive.Set(float64(len(reg.hubs)))
	}
	remaining := len(reg.hubs)
	reg.mu.Unlock()

	if removed > 0 {
		reg.logger.Info().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("Swept idle channels")
	}
}

// Wait blocks until the sweeper goroutine (if any) has exited.
func (reg *Registry) Wait() {
	reg.wg.Wait()
}

// Package clients indexes live connections for stats and forced
// disconnect. The registry owns the records; connection workers hold
// only their id and must tolerate the record being gone at teardown.
package clients

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one live WebSocket connection.
type Record struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	Channels    map[string]struct{}
	ConnectedAt time.Time
	Metadata    map[string]string
}

// Projection is a copy of a record safe to serialise with no lock held.
type Projection struct {
	ID          string            `json:"id"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Channels    []string          `json:"channels"`
	ConnectedAt time.Time         `json:"connected_at"`
	Metadata    map[string]string `json:"metadata"`
}

// Registry maps connection ids to records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		logger:  logger.With().Str("component", "client_registry").Logger(),
	}
}

// Register inserts the record. A duplicate id means id minting is broken
// and continuing would cross-wire two sockets' teardown, so it panics;
// same for an empty channel set, which the registry must never hold.
func (reg *Registry) Register(rec *Record) {
	if len(rec.Channels) == 0 {
		panic(fmt.Sprintf("clients: register %s with empty channel set", rec.ID))
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.records[rec.ID]; exists {
		panic(fmt.Sprintf("clients: duplicate connection id %s", rec.ID))
	}
	reg.records[rec.ID] = rec
}

// Remove deletes the record if present. Idempotent: the worker's teardown
// and an admin detach may both try.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.records, id)
}

// Detach removes one channel from the record's set; when the set empties
// the record itself is removed. Returns false when the id is unknown or
// the channel is not subscribed.
func (reg *Registry) Detach(id, channel string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.records[id]
	if !ok {
		return false
	}
	if _, ok := rec.Channels[channel]; !ok {
		return false
	}

	delete(rec.Channels, channel)
	if len(rec.Channels) == 0 {
		delete(reg.records, id)
	}

	reg.logger.Info().
		Str("connection_id", id).
		Str("channel", channel).
		Msg("Connection detached from channel")
	return true
}

// IDsOn returns the ids of every record subscribed to the channel. The
// snapshot may race with concurrent disconnects; callers treat it as
// advisory.
func (reg *Registry) IDsOn(channel string) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ids := make([]string, 0)
	for id, rec := range reg.records {
		if _, ok := rec.Channels[channel]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies every record into projections; serialisation happens
// with no registry lock held.
func (reg *Registry) Snapshot() []Projection {
	reg.mu.RLock()
	out := make([]Projection, 0, len(reg.records))
	for _, rec := range reg.records {
		channels := make([]string, 0, len(rec.Channels))
		for ch := range rec.Channels {
			channels = append(channels, ch)
		}
		sort.Strings(channels)

		metadata := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			metadata[k] = v
		}

		out = append(out, Projection{
			ID:          rec.ID,
			IP:          rec.RemoteAddr,
			UserAgent:   rec.UserAgent,
			Channels:    channels,
			ConnectedAt: rec.ConnectedAt,
			Metadata:    metadata,
		})
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live records.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

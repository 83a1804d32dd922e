package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/adred-codev/streamgate/internal/clients"
)

// channelStats mirrors the stats wire shape per channel.
type channelStats struct {
	ChannelID   string     `json:"channel_id"`
	Connections int        `json:"connections"`
	Messages    uint64     `json:"messages"`
	LastMessage *time.Time `json:"last_message"`
}

// statsResponse is the /stats body.
type statsResponse struct {
	Channels []channelStats       `json:"channels"`
	Clients  []clients.Projection `json:"clients"`
}

// disconnectPayload is the /disconnect body.
type disconnectPayload struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
}

// broadcastResponse reports the advisory recipient set.
type broadcastResponse struct {
	SentTo []string `json:"sent_to"`
}

// handleBroadcast accepts an admin-authenticated JSON payload and fans
// it out to the channel named in the path. Subscribers receive the
// canonical serialisation, not the producer's raw bytes.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedMediaType)
		return
	}

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	channel := r.PathValue("channel")
	sentTo := s.publish(channel, string(canonical), "webhook")

	writeJSON(w, http.StatusOK, broadcastResponse{SentTo: sentTo})
}

// handleStats projects both registries. Snapshots are taken first;
// serialisation happens with no registry lock held.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	channelInfos := s.channels.Snapshot()
	channels := make([]channelStats, 0, len(channelInfos))
	for _, info := range channelInfos {
		cs := channelStats{
			ChannelID:   info.Name,
			Connections: info.Receivers,
			Messages:    info.Messages,
		}
		if !info.LastMessage.IsZero() {
			last := info.LastMessage
			cs.LastMessage = &last
		}
		channels = append(channels, cs)
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Channels: channels,
		Clients:  s.clients.Snapshot(),
	})
}

// handleDisconnect force-detaches one connection from one channel. The
// worker notices indirectly: its record is gone, and the socket closes
// on the next peer event or heartbeat failure.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	var payload disconnectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ID == "" || payload.Channel == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	if !s.clients.Detach(payload.ID, payload.Channel) {
		writeError(w, http.StatusNotFound, codeNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleNotFound covers every unrouted path.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, codeNotFound)
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/subvision/events-tracker/chat"
	"github.com/subvision/events-tracker/config"
	"github.com/subvision/events-tracker/eventlog"
)

// QueueHealth reports downstream queue connectivity.
type QueueHealth interface {
	Connected() bool
}

// Handlers carries the dependencies the HTTP endpoints read from.
type Handlers struct {
	log       *eventlog.Log
	queue     QueueHealth
	listeners []*chat.Listener
	weights   config.RegionWeights
}

// NewHandlers builds the handler set.
func NewHandlers(log *eventlog.Log, queue QueueHealth, listeners []*chat.Listener, weights config.RegionWeights) *Handlers {
	return &Handlers{log: log, queue: queue, listeners: listeners, weights: weights}
}

// HandleHealthz responds to liveness probes. The process is healthy when the
// queue connection is up; the event log has no liveness to probe beyond the
// process owning its file handle.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.queue != nil && !h.queue.Connected() {
		http.Error(w, "unhealthy: queue disconnected", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// channelStatus is one listener unit's entry in the status payload.
type channelStatus struct {
	Channel string `json:"channel"`
	State   string `json:"state"`
}

// HandleStatus returns a lightweight status summary: per-channel listener
// state, the last event log id, and the region weights the downstream
// scorer is configured with.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	channels := make([]channelStatus, 0, len(h.listeners))
	for _, l := range h.listeners {
		channels = append(channels, channelStatus{Channel: l.Channel(), State: l.State().String()})
	}
	payload := map[string]any{
		"channels":      channels,
		"last_event_id": h.log.LastID(),
		"region_weights": map[string]int{
			"per_100_bits":   h.weights.Per100Bits,
			"per_prime":      h.weights.PerPrime,
			"per_tier1":      h.weights.PerTier1,
			"per_tier2":      h.weights.PerTier2,
			"per_tier3":      h.weights.PerTier3,
			"per_gifted_sub": h.weights.PerGiftedSub,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/client"
	"github.com/ripplesync/ripple/conn"
)

// AdminHandlers handles the status/admin API endpoints
type AdminHandlers struct {
	client *client.Client
	store  cache.Store // Optional; nil when no built-in cache is configured
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(c *client.Client, store cache.Store) *AdminHandlers {
	return &AdminHandlers{
		client: c,
		store:  store,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// handleStatus returns the connection and subscription state
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.client.GetStats()

	response := map[string]interface{}{
		"state":          stats.Connection.State.String(),
		"attempts":       stats.Connection.Attempts,
		"last_delay_ms":  stats.Connection.LastDelay.Milliseconds(),
		"ever_connected": stats.Connection.EverConnected,
		"topics":         stats.Topics,
		"listeners":      stats.Listeners,
		"unread":         stats.Unread,
	}

	writeJSONResponse(w, response)
}

// handleTopics lists the active subscription topics
func (h *AdminHandlers) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.client.ActiveTopics()

	list := make([]map[string]interface{}, 0, len(topics))
	for _, topic := range topics {
		list = append(list, map[string]interface{}{
			"entity_type": topic.EntityType,
			"record_id":   topic.RecordID,
			"broad":       topic.Broad(),
		})
	}

	writeJSONResponse(w, list)
}

// handleNotifications lists buffered notifications, oldest first
func (h *AdminHandlers) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.client.Notifications().List())
}

// handleMarkRead marks a single notification read
func (h *AdminHandlers) handleMarkRead(w http.ResponseWriter, r *http.Request, idParam string) {
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid notification ID")
		return
	}

	if !h.client.Notifications().MarkRead(id) {
		writeErrorResponse(w, http.StatusNotFound, "notification not found")
		return
	}

	writeJSONResponse(w, map[string]interface{}{"marked": 1})
}

// handleMarkAllRead marks every buffered notification read
func (h *AdminHandlers) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	marked := h.client.Notifications().MarkAllRead()
	writeJSONResponse(w, map[string]interface{}{"marked": marked})
}

// handleReconnect resets the backoff and retries immediately
func (h *AdminHandlers) handleReconnect(w http.ResponseWriter, r *http.Request) {
	state := h.client.ConnectionState()
	if state != conn.Reconnecting && state != conn.Failed {
		writeErrorResponse(w, http.StatusConflict, "not reconnecting or failed (state: "+state.String()+")")
		return
	}

	h.client.ReconnectNow()
	writeJSONResponse(w, map[string]interface{}{"state": h.client.ConnectionState().String()})
}

// handleCacheStats returns built-in cache statistics
func (h *AdminHandlers) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeErrorResponse(w, http.StatusNotFound, "no built-in cache configured")
		return
	}

	writeJSONResponse(w, map[string]interface{}{"entries": h.store.Len()})
}

// handleCacheInvalidate invalidates cache entries by pattern, or
// everything when no pattern is given
func (h *AdminHandlers) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeErrorResponse(w, http.StatusNotFound, "no built-in cache configured")
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		if err := h.store.InvalidateAll(); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err := h.store.Invalidate(pattern); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"entries": h.store.Len()})
}

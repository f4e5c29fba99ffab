// The canvas hub is the authoritative session layer: every client intent is
// funneled through a single Run loop, so mutations to the item store,
// identity registry, presence and bookmarks are applied in one total order
// and each broadcast reflects fully applied state.
package services

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lancanvas/internal/types/canvas"
)

// Client -> server intents.
const (
	intentSetNickname    = "set-nickname"
	intentReidentify     = "re-identify"
	intentAddItem        = "add-item"
	intentUpdateItem     = "update-item"
	intentUpdateItemTags = "update-item-tags"
	intentTogglePinItem  = "toggle-pin-item"
	intentDeleteItem     = "delete-item"
	intentClearCanvas    = "clear-canvas"
	intentFilterItems    = "filter-items"
	intentGetBookmarks   = "get-bookmarks"
	intentSaveBookmark   = "save-bookmark"
	intentDeleteBookmark = "delete-bookmark"
	intentUpdatePresence = "update-presence"
)

// Server -> client events.
const (
	EventNicknameSet      = "nickname-set"
	EventNicknameError    = "nickname-error"
	EventInit             = "init"
	EventUserUpdated      = "user-updated"
	EventUserLeft         = "user-left"
	EventUserCount        = "user-count"
	EventItemAdded        = "item-added"
	EventItemUpdated      = "item-updated"
	EventItemDeleted      = "item-deleted"
	EventCanvasCleared    = "canvas-cleared"
	EventItemsState       = "items-state"
	EventFilterResults    = "filter-results"
	EventBookmarksUpdated = "bookmarks-updated"
	EventPresenceUpdate   = "presence-update"
	EventActionError      = "action-error"
)

var (
	connectedClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_connected_clients",
		Help: "Number of open websocket connections",
	})
	identifiedUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_identified_users",
		Help: "Number of connections that completed identification",
	})
	canvasItemsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_items",
		Help: "Number of items on the canvas",
	})
	intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_intents_total",
		Help: "Client intents processed, by event",
	}, []string{"event"})
)

type inboundEnvelope struct {
	client *Client
	env    Envelope
}

// CanvasHub owns the shared canvas state and all connected sessions.
type CanvasHub struct {
	Registry  *IdentityRegistry
	Items     *ItemStore
	Presence  *PresenceTracker
	Bookmarks *BookmarkStore
	Uploads   *UploadStore
	State     *StateFile

	Clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan inboundEnvelope
}

func NewCanvasHub(registry *IdentityRegistry, items *ItemStore, presence *PresenceTracker, bookmarks *BookmarkStore, uploads *UploadStore, state *StateFile) *CanvasHub {
	return &CanvasHub{
		Registry:   registry,
		Items:      items,
		Presence:   presence,
		Bookmarks:  bookmarks,
		Uploads:    uploads,
		State:      state,
		Clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan inboundEnvelope),
	}
}

// NewClient wraps a freshly upgraded connection for this hub. The caller
// registers it and starts the pumps.
func (h *CanvasHub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Hub:  h,
		Conn: conn,
		Send: make(chan []byte, 256),
	}
}

// Run processes connection events and intents one at a time. It owns the
// client map; nothing outside this loop may touch it.
func (h *CanvasHub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.Clients[client] = true
			connectedClientsGauge.Set(float64(len(h.Clients)))
			log.Printf("[Hub] Client connecting: %s. Open connections: %d", client.ID, len(h.Clients))

		case client := <-h.Unregister:
			if _, ok := h.Clients[client]; ok {
				h.dropClient(client)
			}

		case msg := <-h.Inbound:
			if !h.Clients[msg.client] {
				continue
			}
			intentsTotal.WithLabelValues(msg.env.Event).Inc()
			h.dispatch(msg.client, msg.env)
		}
	}
}

func (h *CanvasHub) dispatch(c *Client, env Envelope) {
	switch env.Event {
	case intentSetNickname:
		h.handleSetNickname(c, env.Data)
	case intentReidentify:
		h.handleReidentify(c, env.Data)
	default:
		identity, ok := h.Registry.IdentityFor(c.ID)
		if !ok {
			log.Printf("[Hub] Client %s sent %q before identifying, ignoring", c.ID, env.Event)
			return
		}
		h.dispatchIdentified(c, identity, env)
	}
}

func (h *CanvasHub) dispatchIdentified(c *Client, identity canvas.Identity, env Envelope) {
	switch env.Event {
	case intentAddItem:
		h.handleAddItem(c, identity, env.Data)
	case intentUpdateItem:
		h.handleUpdateItem(c, identity, env.Data)
	case intentUpdateItemTags:
		h.handleUpdateItemTags(c, identity, env.Data)
	case intentTogglePinItem:
		h.handleTogglePin(c, identity, env.Data)
	case intentDeleteItem:
		h.handleDeleteItem(c, identity, env.Data)
	case intentClearCanvas:
		h.handleClearCanvas(identity)
	case intentFilterItems:
		h.handleFilterItems(c, env.Data)
	case intentGetBookmarks:
		h.sendTo(c, EventBookmarksUpdated, h.Bookmarks.ListFor(identity.UserID))
	case intentSaveBookmark:
		h.handleSaveBookmark(c, identity, env.Data)
	case intentDeleteBookmark:
		h.handleDeleteBookmark(c, identity, env.Data)
	case intentUpdatePresence:
		h.handleUpdatePresence(c, identity, env.Data)
	default:
		log.Printf("[Hub] Unknown intent %q from %s", env.Event, identity.Nickname)
		h.sendTo(c, EventActionError, errorPayload{Message: "Unknown intent: " + env.Event})
	}
}

// --- identification ---

type reidentifyPayload struct {
	StoredUserID   string `json:"storedUserID"`
	StoredNickname string `json:"storedNickname"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type initSnapshot struct {
	Items     []canvas.Item              `json:"items"`
	Users     map[string]string          `json:"users"`
	Bookmarks []canvas.Bookmark          `json:"bookmarks"`
	Presence  map[string]json.RawMessage `json:"presence"`
}

func (h *CanvasHub) handleSetNickname(c *Client, data json.RawMessage) {
	var nickname string
	if err := json.Unmarshal(data, &nickname); err != nil {
		h.sendRaw(c, EventNicknameError, "Invalid nickname (must be 1-30 chars).")
		return
	}

	identity, err := h.Registry.ClaimNickname(c.ID, nickname)
	if err != nil {
		switch {
		case errors.Is(err, ErrNicknameTaken):
			h.sendRaw(c, EventNicknameError, "Nickname is already taken.")
		default:
			h.sendRaw(c, EventNicknameError, "Invalid nickname (must be 1-30 chars).")
		}
		return
	}

	log.Printf("[Hub] User set nickname: %s (%s). Total users: %d", identity.Nickname, identity.UserID, h.Registry.Count())
	identifiedUsersGauge.Set(float64(h.Registry.Count()))

	h.sendTo(c, EventNicknameSet, identity)
	h.sendTo(c, EventInit, h.snapshotFor(identity.UserID))
	h.broadcastExcept(c, EventUserUpdated, identity)
	h.broadcast(EventUserCount, h.Registry.Count())
}

func (h *CanvasHub) handleReidentify(c *Client, data json.RawMessage) {
	var payload reidentifyPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.StoredUserID == "" || payload.StoredNickname == "" {
		log.Printf("[Hub] Invalid re-identify attempt from %s", c.ID)
		return
	}

	identity, err := h.Registry.Reidentify(c.ID, payload.StoredUserID, payload.StoredNickname)
	if err != nil {
		if errors.Is(err, ErrIdentityActive) {
			log.Printf("[Hub] User ID %s already active, disconnecting %s", payload.StoredUserID, c.ID)
			h.sendTo(c, EventActionError, errorPayload{Message: "Identity is already active on another connection."})
			h.forceDisconnect(c)
			return
		}
		log.Printf("[Hub] Rejected re-identify from %s: %v", c.ID, err)
		return
	}

	log.Printf("[Hub] Re-identified %s as %s (%s)", c.ID, identity.Nickname, identity.UserID)
	identifiedUsersGauge.Set(float64(h.Registry.Count()))

	h.sendTo(c, EventInit, h.snapshotFor(identity.UserID))
	h.broadcastExcept(c, EventUserUpdated, identity)
	h.broadcast(EventUserCount, h.Registry.Count())
}

func (h *CanvasHub) snapshotFor(userID string) initSnapshot {
	return initSnapshot{
		Items:     h.Items.Snapshot(),
		Users:     h.Registry.ListIdentities(),
		Bookmarks: h.Bookmarks.ListFor(userID),
		Presence:  h.Presence.SnapshotAll(),
	}
}

// --- item intents ---

type addItemPayload struct {
	Type         canvas.ItemType `json:"type"`
	Content      *string         `json:"content"`
	X            *float64        `json:"x"`
	Y            *float64        `json:"y"`
	Width        *float64        `json:"width"`
	Height       *float64        `json:"height"`
	OriginalName string          `json:"originalName"`
	Mimetype     string          `json:"mimetype"`
}

func (h *CanvasHub) handleAddItem(c *Client, identity canvas.Identity, data json.RawMessage) {
	var payload addItemPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Type == "" || payload.Content == nil || payload.X == nil || payload.Y == nil {
		log.Printf("[Hub] Invalid add-item data from %s", identity.Nickname)
		return
	}

	item, err := h.Items.Create(identity.UserID, NewItem{
		Type:         payload.Type,
		Content:      *payload.Content,
		X:            *payload.X,
		Y:            *payload.Y,
		Width:        payload.Width,
		Height:       payload.Height,
		OriginalName: payload.OriginalName,
		Mimetype:     payload.Mimetype,
	})
	if err != nil {
		log.Printf("[Hub] Rejected add-item from %s: %v", identity.Nickname, err)
		return
	}

	canvasItemsGauge.Set(float64(h.Items.Count()))
	log.Printf("[Hub] Adding item: %s (%s) by %s", item.ID, item.Type, identity.Nickname)
	h.broadcast(EventItemAdded, item)
}

type updateItemPayload struct {
	ID     string   `json:"id"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

func (h *CanvasHub) handleUpdateItem(c *Client, identity canvas.Identity, data json.RawMessage) {
	var payload updateItemPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ID == "" {
		return
	}

	diff, err := h.Items.UpdatePosition(identity.UserID, payload.ID, payload.X, payload.Y, payload.Width, payload.Height)
	if err != nil {
		h.reportItemError(c, identity, "update", payload.ID, err)
		return
	}
	if !diff.Changed {
		return
	}
	h.broadcast(EventItemUpdated, diff)
}

type updateTagsPayload struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

type tagsUpdatedPayload struct {
	ID          string   `json:"id"`
	Tags        []string `json:"tags"`
	OwnerUserID string   `json:"ownerUserID"`
}

func (h *CanvasHub) handleUpdateItemTags(c *Client, identity canvas.Identity, data json.RawMessage) {
	var payload updateTagsPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ID == "" || payload.Tags == nil {
		return
	}

	tags, owner, err := h.Items.UpdateTags(identity.UserID, payload.ID, payload.Tags)
	if err != nil {
		h.reportItemError(c, identity, "tag", payload.ID, err)
		return
	}
	log.Printf("[Hub] Updated tags for item %s by %s: %v", payload.ID, identity.Nickname, tags)
	h.broadcast(EventItemUpdated, tagsUpdatedPayload{ID: payload.ID, Tags: tags, OwnerUserID: owner})
}

type pinUpdatedPayload struct {
	ID       string `json:"id"`
	IsPinned bool   `json:"isPinned"`
}

func (h *CanvasHub) handleTogglePin(c *Client, identity canvas.Identity, data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		return
	}

	pinned, err := h.Items.TogglePin(identity.UserID, id)
	if err != nil {
		h.reportItemError(c, identity, "pin", id, err)
		return
	}
	log.Printf("[Hub] Item %s pin toggled to %t by %s", id, pinned, identity.Nickname)
	h.broadcast(EventItemUpdated, pinUpdatedPayload{ID: id, IsPinned: pinned})
}

func (h *CanvasHub) handleDeleteItem(c *Client, identity canvas.Identity, data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		return
	}

	removed, err := h.Items.Delete(identity.UserID, id)
	if err != nil {
		if errors.Is(err, ErrItemPinned) {
			log.Printf("[Hub] %s tried to delete pinned item %s, denied", identity.Nickname, id)
			h.sendTo(c, EventActionError, errorPayload{Message: "Cannot delete a pinned item."})
			return
		}
		h.reportItemError(c, identity, "delete", id, err)
		return
	}

	canvasItemsGauge.Set(float64(h.Items.Count()))
	log.Printf("[Hub] Deleted item %s by %s", id, identity.Nickname)
	h.broadcast(EventItemDeleted, id)
	h.releaseBackingFile(removed)
}

type clearedPayload struct {
	RemainingItemCount int `json:"remainingItemCount"`
}

func (h *CanvasHub) handleClearCanvas(identity canvas.Identity) {
	log.Printf("[Hub] Canvas clear requested by %s. Pinned items will remain", identity.Nickname)

	removed, remaining := h.Items.ClearUnpinned()
	canvasItemsGauge.Set(float64(len(remaining)))
	log.Printf("[Hub] Canvas cleared. %d pinned items remain, %d removed", len(remaining), len(removed))

	h.broadcast(EventCanvasCleared, clearedPayload{RemainingItemCount: len(remaining)})
	h.broadcast(EventItemsState, remaining)

	for _, item := range removed {
		h.releaseBackingFile(item)
	}

	// The durable set just shrank to the pinned survivors; checkpoint it so a
	// later crash cannot resurrect cleared items.
	if h.State != nil {
		items := remaining
		go func() {
			if err := h.State.Save(items); err != nil {
				log.Printf("[Hub] Post-clear state save failed: %v", err)
			}
		}()
	}
}

func (h *CanvasHub) releaseBackingFile(item canvas.Item) {
	if h.Uploads == nil {
		return
	}
	if item.Type == canvas.ItemTypeFile || item.Type == canvas.ItemTypeImage {
		h.Uploads.Release(item.Content)
	}
}

func (h *CanvasHub) reportItemError(c *Client, identity canvas.Identity, op, id string, err error) {
	if errors.Is(err, ErrItemNotFound) {
		// Nothing changed, so nothing is broadcast and the sender is not
		// bothered either; the item simply vanished underneath them.
		log.Printf("[Hub] %s tried to %s non-existent item %s", identity.Nickname, op, id)
		return
	}
	log.Printf("[Hub] %s failed to %s item %s: %v", identity.Nickname, op, id, err)
	h.sendTo(c, EventActionError, errorPayload{Message: "Could not " + op + " item."})
}

// --- filter ---

type filterPayload struct {
	Query   string       `json:"query"`
	Filters *ItemFilters `json:"filters"`
}

type filterResults struct {
	MatchingIDs []string `json:"matchingIDs"`
}

func (h *CanvasHub) handleFilterItems(c *Client, data json.RawMessage) {
	var payload filterPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
	}

	ids := h.Items.Filter(payload.Query, payload.Filters)
	// Filtering is a private view operation: reply only to the requester.
	h.sendTo(c, EventFilterResults, filterResults{MatchingIDs: ids})
}

// --- bookmarks ---

type saveBookmarkPayload struct {
	Name string       `json:"name"`
	View *canvas.View `json:"view"`
}

func (h *CanvasHub) handleSaveBookmark(c *Client, identity canvas.Identity, data json.RawMessage) {
	var payload saveBookmarkPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.View == nil {
		return
	}

	bookmark, err := h.Bookmarks.Save(identity.UserID, payload.Name, *payload.View)
	if err != nil {
		h.sendTo(c, EventActionError, errorPayload{Message: err.Error()})
		return
	}
	log.Printf("[Hub] Bookmark saved for %s: %s", identity.Nickname, bookmark.Name)
	h.sendTo(c, EventBookmarksUpdated, h.Bookmarks.ListFor(identity.UserID))
}

func (h *CanvasHub) handleDeleteBookmark(c *Client, identity canvas.Identity, data json.RawMessage) {
	var bookmarkID string
	if err := json.Unmarshal(data, &bookmarkID); err != nil || bookmarkID == "" {
		return
	}

	if err := h.Bookmarks.Delete(bookmarkID, identity.UserID); err != nil {
		h.sendTo(c, EventActionError, errorPayload{Message: "Bookmark not found."})
		return
	}
	h.sendTo(c, EventBookmarksUpdated, h.Bookmarks.ListFor(identity.UserID))
}

// --- presence ---

type presenceBroadcast struct {
	UserID       string          `json:"userID"`
	PresenceData json.RawMessage `json:"presenceData"`
}

func (h *CanvasHub) handleUpdatePresence(c *Client, identity canvas.Identity, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	h.Presence.Update(identity.UserID, data)
	// Presence is never echoed back to its sender.
	h.broadcastExcept(c, EventPresenceUpdate, presenceBroadcast{UserID: identity.UserID, PresenceData: data})
}

// --- connection lifecycle ---

func (h *CanvasHub) dropClient(c *Client) {
	delete(h.Clients, c)
	c.closeSend()
	connectedClientsGauge.Set(float64(len(h.Clients)))

	identity, departed, hadIdentity := h.Registry.Unbind(c.ID)
	if !hadIdentity {
		log.Printf("[Hub] Client disconnected before identification: %s", c.ID)
		return
	}

	log.Printf("[Hub] User disconnected: %s (%s)", identity.Nickname, identity.UserID)
	identifiedUsersGauge.Set(float64(h.Registry.Count()))
	if departed {
		h.Presence.Remove(identity.UserID)
		h.broadcast(EventUserLeft, map[string]string{"userID": identity.UserID})
	}
	h.broadcast(EventUserCount, h.Registry.Count())
}

// forceDisconnect evicts a client from inside the run loop (re-identify
// conflicts). The read pump will observe the closed connection and fire the
// normal unregister path, which is a no-op by then.
func (h *CanvasHub) forceDisconnect(c *Client) {
	if _, ok := h.Clients[c]; !ok {
		return
	}
	delete(h.Clients, c)
	c.closeSend()
	connectedClientsGauge.Set(float64(len(h.Clients)))
}

// --- outbound plumbing ---

func encodeEvent(event string, data interface{}) ([]byte, bool) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s payload: %v", event, err)
		return nil, false
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s envelope: %v", event, err)
		return nil, false
	}
	return msg, true
}

func (h *CanvasHub) sendTo(c *Client, event string, data interface{}) {
	msg, ok := encodeEvent(event, data)
	if !ok {
		return
	}
	h.deliver(c, msg)
}

// sendRaw is sendTo for events whose payload is a bare string, like
// nickname-error.
func (h *CanvasHub) sendRaw(c *Client, event, message string) {
	h.sendTo(c, event, message)
}

func (h *CanvasHub) broadcast(event string, data interface{}) {
	msg, ok := encodeEvent(event, data)
	if !ok {
		return
	}
	for client := range h.Clients {
		h.deliver(client, msg)
	}
}

func (h *CanvasHub) broadcastExcept(skip *Client, event string, data interface{}) {
	msg, ok := encodeEvent(event, data)
	if !ok {
		return
	}
	for client := range h.Clients {
		if client == skip {
			continue
		}
		h.deliver(client, msg)
	}
}

// deliver enqueues without blocking; a client that cannot drain its buffer is
// dropped rather than allowed to stall the hub.
func (h *CanvasHub) deliver(c *Client, msg []byte) {
	select {
	case c.Send <- msg:
	default:
		log.Printf("[Hub] Client %s send buffer full, dropping connection", c.ID)
		h.forceDisconnect(c)
	}
}

package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancanvas/internal/types/canvas"
)

const readTimeout = 2 * time.Second

func newCanvasTestServer(t *testing.T) (*httptest.Server, *CanvasHub) {
	t.Helper()

	uploads, err := NewUploadStore(t.TempDir())
	require.NoError(t, err)

	hub := NewCanvasHub(
		NewIdentityRegistry(),
		NewItemStore(),
		NewPresenceTracker(),
		NewBookmarkStore(),
		uploads,
		NewStateFile(filepath.Join(t.TempDir(), "state.json")),
	)
	go hub.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.NewClient(conn)
		hub.Register <- client
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)

	return srv, hub
}

func dialCanvas(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendIntent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(Envelope{Event: event, Data: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// waitForEvent reads frames until the named event arrives, skipping unrelated
// broadcasts like user-count.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEvent(t, conn)
		if env.Event == event {
			return env.Data
		}
	}
	t.Fatalf("event %q never arrived", event)
	return nil
}

// expectSilence asserts that no frame arrives within a short window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

func join(t *testing.T, conn *websocket.Conn, nickname string) canvas.Identity {
	t.Helper()
	sendIntent(t, conn, "set-nickname", nickname)

	var identity canvas.Identity
	require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventNicknameSet), &identity))
	waitForEvent(t, conn, EventInit)
	waitForEvent(t, conn, EventUserCount)
	return identity
}

func TestHub_JoinAndAddItem(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	conn := dialCanvas(t, srv)

	sendIntent(t, conn, "set-nickname", "Alice")

	var identity canvas.Identity
	require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventNicknameSet), &identity))
	assert.Equal(t, "Alice", identity.Nickname)
	assert.NotEmpty(t, identity.UserID)

	var snapshot initSnapshot
	require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventInit), &snapshot))
	assert.Empty(t, snapshot.Items)
	assert.Equal(t, map[string]string{identity.UserID: "Alice"}, snapshot.Users)

	var count int
	require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventUserCount), &count))
	assert.Equal(t, 1, count)

	sendIntent(t, conn, "add-item", map[string]interface{}{
		"type": "text", "content": "hi", "x": 10, "y": 20,
	})

	var item canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventItemAdded), &item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, identity.UserID, item.OwnerUserID)
	assert.False(t, item.IsPinned)
	assert.Greater(t, item.CreationDate, int64(0))
}

func TestHub_NicknameErrors(t *testing.T) {
	srv, _ := newCanvasTestServer(t)

	alice := dialCanvas(t, srv)
	join(t, alice, "Alice")

	t.Run("duplicate nickname any case", func(t *testing.T) {
		conn := dialCanvas(t, srv)
		sendIntent(t, conn, "set-nickname", "alice")

		var msg string
		require.NoError(t, json.Unmarshal(waitForEvent(t, conn, EventNicknameError), &msg))
		assert.Contains(t, msg, "taken")
	})

	t.Run("invalid nickname", func(t *testing.T) {
		conn := dialCanvas(t, srv)
		sendIntent(t, conn, "set-nickname", "   ")
		waitForEvent(t, conn, EventNicknameError)
	})

	t.Run("error is not broadcast", func(t *testing.T) {
		expectSilence(t, alice)
	})
}

func TestHub_PositionDiffBroadcast(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	bob := dialCanvas(t, srv)
	aliceID := join(t, alice, "Alice")
	join(t, bob, "Bob")

	sendIntent(t, alice, "add-item", map[string]interface{}{
		"type": "text", "content": "note", "x": 0, "y": 0,
	})
	var item canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, bob, EventItemAdded), &item))

	sendIntent(t, alice, "update-item", map[string]interface{}{"id": item.ID, "x": 100})

	raw := waitForEvent(t, bob, EventItemUpdated)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, item.ID, fields["id"])
	assert.Equal(t, 100.0, fields["x"])
	assert.Equal(t, aliceID.UserID, fields["ownerUserID"])
	assert.NotContains(t, fields, "y", "unchanged fields stay out of the diff")
	assert.NotContains(t, fields, "width")
	assert.NotContains(t, fields, "height")

	// The sender receives the same diff.
	waitForEvent(t, alice, EventItemUpdated)
}

func TestHub_PinBlocksDelete(t *testing.T) {
	srv, hub := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	bob := dialCanvas(t, srv)
	join(t, alice, "Alice")
	join(t, bob, "Bob")

	sendIntent(t, alice, "add-item", map[string]interface{}{
		"type": "text", "content": "keep", "x": 0, "y": 0,
	})
	var item canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventItemAdded), &item))
	waitForEvent(t, bob, EventItemAdded)

	sendIntent(t, alice, "toggle-pin-item", item.ID)

	var pinUpdate map[string]interface{}
	require.NoError(t, json.Unmarshal(waitForEvent(t, bob, EventItemUpdated), &pinUpdate))
	assert.Equal(t, true, pinUpdate["isPinned"])
	waitForEvent(t, alice, EventItemUpdated)

	sendIntent(t, alice, "delete-item", item.ID)

	var actionErr errorPayload
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventActionError), &actionErr))
	assert.Contains(t, actionErr.Message, "pinned")

	assert.Equal(t, 1, hub.Items.Count())
	expectSilence(t, bob)
}

func TestHub_ClearCanvasKeepsPinned(t *testing.T) {
	srv, hub := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	join(t, alice, "Alice")

	sendIntent(t, alice, "add-item", map[string]interface{}{"type": "text", "content": "pinned", "x": 0, "y": 0})
	var pinnedItem canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventItemAdded), &pinnedItem))
	sendIntent(t, alice, "toggle-pin-item", pinnedItem.ID)
	waitForEvent(t, alice, EventItemUpdated)

	sendIntent(t, alice, "add-item", map[string]interface{}{"type": "text", "content": "ephemeral", "x": 1, "y": 1})
	waitForEvent(t, alice, EventItemAdded)

	sendIntent(t, alice, "clear-canvas", nil)

	var cleared clearedPayload
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventCanvasCleared), &cleared))
	assert.Equal(t, 1, cleared.RemainingItemCount)

	var remaining []canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventItemsState), &remaining))
	require.Len(t, remaining, 1)
	assert.Equal(t, pinnedItem.ID, remaining[0].ID)

	assert.Equal(t, 1, hub.Items.Count())
}

func TestHub_ReidentifyConflictDisconnectsNewcomer(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	identity := join(t, alice, "Alice")

	ghost := dialCanvas(t, srv)
	sendIntent(t, ghost, "re-identify", map[string]string{
		"storedUserID":   identity.UserID,
		"storedNickname": "Alice",
	})

	// The ghost gets an error and the server closes it.
	waitForEvent(t, ghost, EventActionError)
	require.NoError(t, ghost.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := ghost.ReadMessage()
	require.Error(t, err)

	// The legitimate session is untouched and still mutates state.
	sendIntent(t, alice, "add-item", map[string]interface{}{"type": "text", "content": "still here", "x": 0, "y": 0})
	waitForEvent(t, alice, EventItemAdded)
}

func TestHub_ReconnectRestoresIdentity(t *testing.T) {
	srv, _ := newCanvasTestServer(t)

	watcher := dialCanvas(t, srv)
	join(t, watcher, "Watcher")

	first := dialCanvas(t, srv)
	identity := join(t, first, "Alice")
	waitForEvent(t, watcher, EventUserUpdated)

	first.Close()
	waitForEvent(t, watcher, EventUserLeft)

	second := dialCanvas(t, srv)
	sendIntent(t, second, "re-identify", map[string]string{
		"storedUserID":   identity.UserID,
		"storedNickname": identity.Nickname,
	})

	var snapshot initSnapshot
	require.NoError(t, json.Unmarshal(waitForEvent(t, second, EventInit), &snapshot))
	assert.Contains(t, snapshot.Users, identity.UserID, "same userID bound to the new connection")
}

func TestHub_FilterRepliesOnlyToRequester(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	bob := dialCanvas(t, srv)
	join(t, alice, "Alice")
	join(t, bob, "Bob")

	sendIntent(t, alice, "add-item", map[string]interface{}{"type": "text", "content": "hello world", "x": 0, "y": 0})
	var item canvas.Item
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventItemAdded), &item))
	waitForEvent(t, bob, EventItemAdded)

	sendIntent(t, alice, "filter-items", map[string]interface{}{"query": "hello"})

	var results filterResults
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventFilterResults), &results))
	assert.Equal(t, []string{item.ID}, results.MatchingIDs)

	expectSilence(t, bob)
}

func TestHub_PresenceNeverEchoed(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	bob := dialCanvas(t, srv)
	aliceID := join(t, alice, "Alice")
	join(t, bob, "Bob")
	// Drain Bob's join broadcasts from Alice's queue so the silence check
	// below only sees what the presence intent produces.
	waitForEvent(t, alice, EventUserCount)

	sendIntent(t, alice, "update-presence", map[string]interface{}{
		"view": map[string]float64{"x": 5, "y": 6, "zoom": 1.5},
	})

	var update presenceBroadcast
	require.NoError(t, json.Unmarshal(waitForEvent(t, bob, EventPresenceUpdate), &update))
	assert.Equal(t, aliceID.UserID, update.UserID)

	expectSilence(t, alice)
}

func TestHub_BookmarkFlow(t *testing.T) {
	srv, _ := newCanvasTestServer(t)
	alice := dialCanvas(t, srv)
	join(t, alice, "Alice")

	sendIntent(t, alice, "save-bookmark", map[string]interface{}{
		"name": "Overview",
		"view": map[string]float64{"x": 0, "y": 0, "zoom": 0.5},
	})

	var bookmarks []canvas.Bookmark
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventBookmarksUpdated), &bookmarks))
	require.Len(t, bookmarks, 1)
	assert.Equal(t, "Overview", bookmarks[0].Name)

	sendIntent(t, alice, "delete-bookmark", bookmarks[0].BookmarkID)
	require.NoError(t, json.Unmarshal(waitForEvent(t, alice, EventBookmarksUpdated), &bookmarks))
	assert.Empty(t, bookmarks)
}

func TestHub_IgnoresIntentsBeforeIdentification(t *testing.T) {
	srv, hub := newCanvasTestServer(t)
	conn := dialCanvas(t, srv)

	sendIntent(t, conn, "add-item", map[string]interface{}{"type": "text", "content": "sneaky", "x": 0, "y": 0})

	expectSilence(t, conn)
	assert.Equal(t, 0, hub.Items.Count())
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quantum-collab/internal/auth"
	"quantum-collab/internal/models"
	"quantum-collab/internal/services/collaboration"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	srv      *httptest.Server
	verifier *auth.JWTVerifier
	registry *collaboration.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	verifier := auth.NewJWTVerifier(testSecret)
	registry := collaboration.NewRegistry(nil, 10, 5*time.Minute, time.Minute)
	t.Cleanup(registry.Shutdown)

	gate := collaboration.NewAccessGate(verifier, registry)
	guard := collaboration.NewGuard(100, 5000, 100*1024)
	validator := collaboration.NewValidator()
	msgRouter := collaboration.NewRouter(gate, nil)
	wsHandler := collaboration.NewWSHandler(registry, gate, guard, validator, msgRouter)

	handler := NewHandler(registry, gate, nil, verifier, wsHandler)
	srv := httptest.NewServer(SetupRoutes(handler))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, verifier: verifier, registry: registry}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := ts.verifier.CreateToken(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// wsClient wraps a dialed collaboration socket. The write pump batches
// queued frames with newline separators, so reads are split and queued.
type wsClient struct {
	t     *testing.T
	ws    *websocket.Conn
	queue []models.Message
}

func (ts *testServer) dial(t *testing.T, sessionID, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		fmt.Sprintf("/ws/sessions/%s?token=%s", sessionID, token)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) next() models.Message {
	c.t.Helper()
	for len(c.queue) == 0 {
		c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)
		for _, part := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			var msg models.Message
			require.NoError(c.t, json.Unmarshal(part, &msg))
			c.queue = append(c.queue, msg)
		}
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg
}

func (c *wsClient) send(msg *models.Message) {
	c.t.Helper()
	data, err := msg.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func TestSessionManagementEndpoints(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.token(t, "alice")
	bobToken := ts.token(t, "bob")

	t.Run("create requires auth", func(t *testing.T) {
		resp, _ := ts.request(t, "POST", "/api/sessions", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	resp, body := ts.request(t, "POST", "/api/sessions", aliceToken, map[string]any{
		"name": "launch plan",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "alice", body["owner_id"])
	assert.Equal(t, "/ws/sessions/"+sessionID, body["ws_url"])

	t.Run("owner reads stats", func(t *testing.T) {
		resp, body := ts.request(t, "GET", "/api/sessions/"+sessionID, aliceToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "launch plan", body["name"])
		assert.Equal(t, float64(0), body["version"])
	})

	t.Run("stranger is forbidden", func(t *testing.T) {
		resp, _ := ts.request(t, "GET", "/api/sessions/"+sessionID, bobToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		resp, _ := ts.request(t, "GET", "/api/sessions/ghost", aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("owner grants membership", func(t *testing.T) {
		resp, _ := ts.request(t, "POST", "/api/sessions/"+sessionID+"/participants", aliceToken, map[string]any{
			"user_id": "bob",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = ts.request(t, "GET", "/api/sessions/"+sessionID, bobToken, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("participant cannot manage", func(t *testing.T) {
		resp, _ := ts.request(t, "POST", "/api/sessions/"+sessionID+"/participants", bobToken, map[string]any{
			"user_id": "carol",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("participant cannot delete", func(t *testing.T) {
		resp, _ := ts.request(t, "DELETE", "/api/sessions/"+sessionID, bobToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("owner deletes", func(t *testing.T) {
		resp, _ := ts.request(t, "DELETE", "/api/sessions/"+sessionID, aliceToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = ts.request(t, "GET", "/api/sessions/"+sessionID, aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketCollaboration(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.token(t, "alice")
	bobToken := ts.token(t, "bob")

	resp, body := ts.request(t, "POST", "/api/sessions", aliceToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["session_id"].(string)

	t.Run("handshake without a token is refused", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/sessions/" + sessionID
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	alice := ts.dial(t, sessionID, aliceToken)

	welcome := alice.next()
	require.Equal(t, models.MessageTypeSync, welcome.Type)
	var snap models.SyncPayload
	require.NoError(t, json.Unmarshal(welcome.Data, &snap))
	assert.Equal(t, "", snap.Content)
	assert.Equal(t, 0, snap.Version)
	assert.NotEmpty(t, snap.ConnectionID)

	// Grant bob access and bring him in.
	resp, _ = ts.request(t, "POST", "/api/sessions/"+sessionID+"/participants", aliceToken, map[string]any{
		"user_id": "bob",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bob := ts.dial(t, sessionID, bobToken)
	require.Equal(t, models.MessageTypeSync, bob.next().Type)

	joined := alice.next()
	require.Equal(t, models.MessageTypePresence, joined.Type)
	assert.Equal(t, "bob", joined.UserID)

	// Alice edits; she gets the ack, bob gets the edit at version 1.
	edit := models.MustMessage(models.MessageTypeEdit, sessionID, "alice", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "foo"},
	})
	edit.OperationID = "op-1"
	alice.send(edit)

	ack := alice.next()
	require.Equal(t, models.MessageTypeAck, ack.Type)
	assert.Equal(t, 1, ack.Version)

	received := bob.next()
	require.Equal(t, models.MessageTypeEdit, received.Type)
	assert.Equal(t, 1, received.Version)
	assert.Equal(t, "alice", received.UserID)

	// An out-of-bounds edit comes back as an error, connection intact.
	bad := models.MustMessage(models.MessageTypeEdit, sessionID, "alice", 1, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 99, Content: "x"},
	})
	alice.send(bad)

	errMsg := alice.next()
	require.Equal(t, models.MessageTypeError, errMsg.Type)
	var errPayload models.ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Data, &errPayload))
	assert.Equal(t, "validation_error", errPayload.Code)

	// Content endpoint reflects the applied state.
	resp, body = ts.request(t, "GET", "/api/sessions/"+sessionID+"/content", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "foo", body["content"])
	assert.Equal(t, float64(1), body["version"])

	// So does the edit history.
	resp, body = ts.request(t, "GET", "/api/sessions/"+sessionID+"/history", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	// Participants endpoint sees both live connections.
	resp, body = ts.request(t, "GET", "/api/sessions/"+sessionID+"/participants", aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["participants"], 2)
}

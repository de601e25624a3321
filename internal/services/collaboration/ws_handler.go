package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"quantum-collab/internal/auth"
	"quantum-collab/internal/middleware"
	"quantum-collab/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin from the editor frontend.
		return true
	},
}

// WSHandler upgrades HTTP requests to collaboration sockets and runs the
// per-message pipeline: rate, size, schema, threat screen, then routing.
type WSHandler struct {
	registry  *Registry
	gate      *AccessGate
	guard     *Guard
	validator *Validator
	router    *Router
}

func NewWSHandler(registry *Registry, gate *AccessGate, guard *Guard, validator *Validator, router *Router) *WSHandler {
	return &WSHandler{
		registry:  registry,
		gate:      gate,
		guard:     guard,
		validator: validator,
		router:    router,
	}
}

// ServeWS handles GET /ws/sessions/{id}. Authentication happens before the
// upgrade so an unauthorized caller never holds a socket.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	ctx, span := middleware.StartSpan(r.Context(), "ws.connect",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	identity, err := h.gate.Authenticate(ctx, token, sessionID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("user.id", identity.UserID))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("ws handler: upgrade failed for session %s: %v", sessionID, err)
		return
	}

	conn := NewConnection(ws, identity.UserID, sessionID)
	go conn.WritePump()

	session, err := h.registry.Bind(ctx, conn)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		conn.SendError(err)
		conn.Close()
		return
	}

	h.gate.RecordConnection(sessionID, conn.ID, identity.UserID)
	conn.ConfigureRead()

	// Welcome snapshot so the new client converges before any broadcast
	// reaches it.
	snapshot := session.Snapshot()
	snapshot.ConnectionID = conn.ID
	welcome := models.MustMessage(models.MessageTypeSync, session.ID, identity.UserID, snapshot.Version, snapshot)
	if err := conn.Send(welcome); err != nil {
		log.Printf("ws handler: welcome sync to %s failed: %v", conn.ID, err)
	}

	joined := models.MustMessage(models.MessageTypePresence, session.ID, identity.UserID, session.Version(), map[string]any{
		"presence_type": models.PresenceUserJoined,
		"user_id":       identity.UserID,
		"participants":  session.Participants(),
	})
	session.Broadcast(joined, conn.ID)

	h.readLoop(conn, identity, session)
}

// readLoop consumes frames until the client disconnects, then announces the
// departure exactly once.
func (h *WSHandler) readLoop(conn *Connection, identity *auth.Identity, session *Session) {
	defer func() {
		removed := h.registry.Disconnect(conn)
		h.gate.RemoveConnection(session.ID, conn.ID)
		// The rate window is keyed per (user, session), shared across a
		// user's tabs. It only clears once the last of them is gone.
		if !h.registry.HasUserConnections(conn.UserID, session.ID) {
			h.guard.Limiter.Reset(conn.UserID, session.ID)
		}
		if removed {
			left := models.MustMessage(models.MessageTypePresence, session.ID, conn.UserID, session.Version(), map[string]any{
				"presence_type": models.PresenceUserLeft,
				"user_id":       conn.UserID,
				"participants":  session.Participants(),
			})
			session.Broadcast(left, conn.ID)
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws handler: connection %s read error: %v", conn.ID, err)
			}
			return
		}

		if err := h.handleFrame(conn, identity, session, data); err != nil {
			conn.SendError(err)
		}
	}
}

// handleFrame runs one inbound frame through the guard pipeline and the
// router. The check order is fixed: rate, size, schema, threat screen.
func (h *WSHandler) handleFrame(conn *Connection, identity *auth.Identity, session *Session, data []byte) error {
	ctx, span := middleware.StartSpan(context.Background(), "ws.message",
		attribute.String("session.id", session.ID),
		attribute.String("user.id", conn.UserID),
	)
	defer span.End()

	if err := h.guard.Limiter.CheckRate(conn.UserID, session.ID); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if err := h.guard.Limiter.CheckSize(data); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		rerr := reject(ErrValidation, "message is not valid JSON")
		middleware.AddSpanError(ctx, rerr)
		return rerr
	}
	if err := h.validator.ValidateMessage(&msg); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	if err := h.guard.Screen.Screen(conn.UserID, data); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	span.SetAttributes(attribute.String("message.type", string(msg.Type)))
	if err := h.router.Route(ctx, &msg, identity, conn, session); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	return nil
}

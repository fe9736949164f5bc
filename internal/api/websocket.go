package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dukepan/dj-rooms-back/internal/auth"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin more strictly
		return true
	},
}

// WebSocketHandler handles WebSocket upgrade and connection. The bearer token
// travels in the Authorization header, never in the URL: query strings end up
// in access logs and proxies. Room joins happen after the upgrade over the
// socket itself, so one connection can follow many rooms.
func (r *Router) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer("websocket-server").Start(req.Context(), "WebSocketConnection")
	defer span.End()

	token, err := auth.ExtractTokenFromHeader(req.Header.Get("Authorization"))
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "authorization token required")
		span.SetStatus(codes.Error, "missing token")
		return
	}

	claims, err := r.jwtMgr.ValidateToken(token)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid token")
		span.SetStatus(codes.Error, fmt.Sprintf("invalid token: %v", err))
		return
	}

	span.SetAttributes(attribute.String("user.id", claims.UserID.String()))

	// The token may outlive the account; resolve the user before upgrading.
	user, err := r.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to look up user")
		span.SetStatus(codes.Error, fmt.Sprintf("user lookup failed: %v", err))
		return
	}
	if user == nil {
		utils.RespondError(w, http.StatusUnauthorized, "unknown user")
		span.SetStatus(codes.Error, "unknown user")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("failed to upgrade WebSocket connection: %v", err))
		return
	}

	client := rooms.NewClient(r.manager, conn, user.ID, user.Username, r.dispatch)
	span.SetAttributes(attribute.String("connection.id", client.ConnID))

	if err := r.sessions.Connected(ctx, client); err != nil {
		r.logger.Error(ctx, "failed to register connection", "error", err, "conn_id", client.ConnID)
		deadline := time.Now().Add(5 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "failed to register connection"), deadline)
		_ = conn.Close()
		span.SetStatus(codes.Error, fmt.Sprintf("failed to register connection: %v", err))
		return
	}

	span.SetStatus(codes.Ok, "WebSocket connection established")

	// The client owns the connection from here; its pumps close it.
	client.Start()
}

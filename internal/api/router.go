package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/dj-rooms-back/internal/auth"
	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/middleware"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Store is the durable surface the HTTP handlers read and write.
type Store interface {
	CreateUser(ctx context.Context, username, displayName, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	UpdateUserLastSeen(ctx context.Context, userID uuid.UUID) error

	CreateRoom(ctx context.Context, name string, ownerID uuid.UUID, settings models.RoomSettings) (*models.Room, error)
	GetRoomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomsByUser(ctx context.Context, userID uuid.UUID) ([]models.Room, error)
	UpdateRoomSettings(ctx context.Context, roomID uuid.UUID, settings models.RoomSettings) error
	ArchiveRoom(ctx context.Context, roomID uuid.UUID) error
	AddRoomMember(ctx context.Context, roomID, userID uuid.UUID, role string, maxMembers int) error
	RemoveRoomMember(ctx context.Context, roomID, userID uuid.UUID) error
	IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	GetRoomMembers(ctx context.Context, roomID uuid.UUID) ([]models.RoomMemberInfo, error)
	ClearRoomDj(ctx context.Context, roomID uuid.UUID, reason string) error

	GetRoomChatMessages(ctx context.Context, roomID uuid.UUID, limit int, before int64) ([]models.ChatMessage, error)
	GetDjHistory(ctx context.Context, roomID uuid.UUID, limit int) ([]models.DjHistory, error)
	CurrentDjHistoryRow(ctx context.Context, roomID uuid.UUID) (*models.DjHistory, error)

	Health(ctx context.Context) error
}

// Presence is the slice of the session registry the HTTP surface needs: the
// WebSocket handler registers fresh connections, the kick endpoint sweeps a
// removed member's connections out of the room.
type Presence interface {
	Connected(ctx context.Context, client *rooms.Client) error
	KickUser(ctx context.Context, room *models.Room, userID uuid.UUID, username string) error
}

type Router struct {
	mux      *http.ServeMux
	store    Store
	cache    *cache.Cache
	manager  *rooms.Manager
	sessions Presence
	dispatch rooms.Dispatcher
	jwtMgr   *auth.JWTManager
	cfg      *config.Config
	logger   *utils.Logger
}

// NewRouter creates the HTTP router with its handlers and middleware.
func NewRouter(store Store, redisCache *cache.Cache, manager *rooms.Manager, sessions Presence, dispatcher rooms.Dispatcher, cfg *config.Config, logger *utils.Logger) (http.Handler, error) {
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}

	rateLimiter := middleware.NewRateLimiter(redisCache.GetClient(), 5, 1.0)

	r := &Router{
		mux:      http.NewServeMux(),
		store:    store,
		cache:    redisCache,
		manager:  manager,
		sessions: sessions,
		dispatch: dispatcher,
		jwtMgr:   jwtMgr,
		cfg:      cfg,
		logger:   logger,
	}

	// Public endpoints
	r.mux.HandleFunc("POST /auth/signup", r.SignupHandler)
	r.mux.HandleFunc("POST /auth/login", r.LoginHandler)
	r.mux.HandleFunc("GET /healthz", r.HealthzHandler)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Protected endpoints with AuthMiddleware and RateLimiter
	protected := func(h http.HandlerFunc) http.Handler {
		return r.AuthMiddleware(rateLimiter.Middleware(h))
	}
	r.mux.Handle("POST /rooms", protected(r.CreateRoomHandler))
	r.mux.Handle("GET /rooms", protected(r.GetRoomsHandler))
	r.mux.Handle("POST /rooms/join", protected(r.JoinRoomHandler))
	r.mux.Handle("GET /rooms/{id}", protected(r.GetRoomHandler))
	r.mux.Handle("DELETE /rooms/{id}", protected(r.ArchiveRoomHandler))
	r.mux.Handle("PATCH /rooms/{id}/settings", protected(r.UpdateRoomSettingsHandler))
	r.mux.Handle("GET /rooms/{id}/messages", protected(r.GetRoomMessagesHandler))
	r.mux.Handle("GET /rooms/{id}/dj-history", protected(r.GetDjHistoryHandler))
	r.mux.Handle("DELETE /rooms/{id}/members/{userID}", protected(r.RemoveMemberHandler))

	// The WebSocket endpoint authenticates in the handler: the bearer token
	// rides the upgrade request's Authorization header, never the URL.
	r.mux.HandleFunc("GET /ws", r.WebSocketHandler)

	// Request ID first so the tracing span and every log line carry it.
	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)
	return routerWithMiddleware, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/playback"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
	"github.com/dukepan/dj-rooms-back/internal/votes"
)

// Repository is the durable membership and room lookup surface the registry
// needs.
type Repository interface {
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	ClearRoomDj(ctx context.Context, roomID uuid.UUID, reason string) error
}

// Store is the ephemeral connection bookkeeping in the KV store.
type Store interface {
	GetRoomState(ctx context.Context, roomID string) (cache.RoomState, error)
	UpdateRoomState(ctx context.Context, roomID string, mutate func(cache.RoomState) (cache.RoomState, error)) (cache.RoomState, error)
	RegisterConnection(ctx context.Context, connID string, info cache.ConnInfo, ttl time.Duration) error
	RemoveConnection(ctx context.Context, connID string) error
	AddConnectionToRoom(ctx context.Context, connID, roomID string, ttl time.Duration) error
	RemoveConnectionFromRoom(ctx context.Context, connID, roomID string) error
	RoomConnectionInfos(ctx context.Context, roomID string) ([]cache.RoomConnection, error)
}

// PlaybackSource composes the playback block of a room snapshot.
type PlaybackSource interface {
	Snapshot(ctx context.Context, roomID uuid.UUID) (playback.Block, error)
}

// Publisher fans an event out to every connection in the room.
type Publisher interface {
	PublishEvent(ctx context.Context, roomID string, event string, data interface{}) error
}

// MemberPresence is one connected user in a room snapshot.
type MemberPresence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserJoinedEvent struct {
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type UserLeftEvent struct {
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// RoomStateSnapshot is the one-shot catch-up sent to a connection when it
// joins a room. Members are the currently connected users, deduplicated
// across multiple connections of the same account.
type RoomStateSnapshot struct {
	RoomID          string           `json:"roomId"`
	RoomCode        string           `json:"roomCode"`
	Name            string           `json:"name"`
	Members         []MemberPresence `json:"members"`
	CurrentDjID     *string          `json:"currentDjId"`
	ActiveVoteID    *string          `json:"activeVoteId,omitempty"`
	Playback        playback.Block   `json:"playback"`
	ServerTimestamp int64            `json:"serverTimestamp"`
}

// Registry tracks which connections are in which rooms, both in the local
// hub for delivery and in the KV store for presence and RTT aggregation.
type Registry struct {
	repo     Repository
	store    Store
	playback PlaybackSource
	pub      Publisher
	manager  *rooms.Manager
	logger   *utils.Logger

	connTTL time.Duration
	now     func() time.Time
}

func NewRegistry(repo Repository, store Store, pb PlaybackSource, pub Publisher, manager *rooms.Manager, cfg *config.Config, logger *utils.Logger) *Registry {
	return &Registry{
		repo:     repo,
		store:    store,
		playback: pb,
		pub:      pub,
		manager:  manager,
		logger:   logger,
		connTTL:  time.Duration(cfg.ConnectionTTLSeconds) * time.Second,
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

// Connected records a freshly upgraded connection's identity in the KV
// store. Called once per connection, before the first inbound event.
func (r *Registry) Connected(ctx context.Context, client *rooms.Client) error {
	info := cache.ConnInfo{
		UserID:      client.UserID.String(),
		Username:    client.Username,
		ConnectedAt: r.now().UnixMilli(),
	}
	if err := r.store.RegisterConnection(ctx, client.ConnID, info, r.connTTL); err != nil {
		return utils.Internal("failed to register connection", err)
	}
	r.logger.Info(ctx, "connection registered",
		"conn_id", client.ConnID, "user_id", info.UserID, "username", client.Username)
	return nil
}

// JoinRoom attaches the connection to a room it is a member of and sends the
// catch-up snapshot. Joining a room twice is harmless; the second join only
// refreshes the snapshot.
func (r *Registry) JoinRoom(ctx context.Context, client *rooms.Client, roomCode string) error {
	room, err := r.resolveRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	member, err := r.repo.IsRoomMember(ctx, room.ID, client.UserID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("join the room before connecting to it")
	}

	roomID := room.ID.String()
	already := client.InRoom(roomID)
	if err := r.store.AddConnectionToRoom(ctx, client.ConnID, roomID, r.connTTL); err != nil {
		return utils.Internal("failed to attach connection to room", err)
	}
	r.manager.Join(client, roomID)
	r.healDjSeat(ctx, room)

	if !already {
		r.broadcast(ctx, roomID, "room:user-joined", &UserJoinedEvent{
			UserID:          client.UserID.String(),
			Username:        client.Username,
			ServerTimestamp: r.now().UnixMilli(),
		})
	}

	snap, err := r.Snapshot(ctx, room)
	if err != nil {
		return err
	}
	client.SendEvent("room:state", snap)
	r.logger.Info(ctx, "connection joined room",
		"conn_id", client.ConnID, "user_id", client.UserID.String(), "room_id", roomID, "rejoin", already)
	return nil
}

// LeaveRoom detaches the connection from the room. Durable membership is
// untouched; the user can reattach with another room:join.
func (r *Registry) LeaveRoom(ctx context.Context, client *rooms.Client, roomCode string) error {
	room, err := r.resolveRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	if !client.InRoom(room.ID.String()) {
		return nil
	}
	r.detachFromRoom(ctx, client, room.ID.String(), room)
	return nil
}

// Disconnected sweeps a closed connection out of every room it was attached
// to. Runs after the read pump exits, so errors can only be logged.
func (r *Registry) Disconnected(ctx context.Context, client *rooms.Client) {
	for _, roomID := range client.Rooms() {
		var room *models.Room
		if id, err := uuid.Parse(roomID); err == nil {
			room, err = r.repo.GetRoomByID(ctx, id)
			if err != nil {
				r.logger.Error(ctx, "failed to load room during disconnect sweep",
					"room_id", roomID, "error", err)
			}
		}
		r.detachFromRoom(ctx, client, roomID, room)
	}
	if err := r.store.RemoveConnection(ctx, client.ConnID); err != nil {
		r.logger.Error(ctx, "failed to remove connection records",
			"conn_id", client.ConnID, "error", err)
	}
	r.logger.Info(ctx, "connection closed",
		"conn_id", client.ConnID, "user_id", client.UserID.String())
}

// KickUser sweeps every connection of a removed member out of the room:
// the KV links go for all instances, the local hub detaches the connections
// this instance owns. Durable membership removal is the caller's job.
func (r *Registry) KickUser(ctx context.Context, room *models.Room, userID uuid.UUID, username string) error {
	roomID := room.ID.String()
	conns, err := r.store.RoomConnectionInfos(ctx, roomID)
	if err != nil {
		return utils.Internal("failed to list room connections", err)
	}

	uid := userID.String()
	kicked := 0
	for _, conn := range conns {
		if conn.UserID != uid {
			continue
		}
		if err := r.store.RemoveConnectionFromRoom(ctx, conn.ConnID, roomID); err != nil {
			r.logger.Error(ctx, "failed to unlink kicked connection",
				"conn_id", conn.ConnID, "room_id", roomID, "error", err)
		}
		if client, ok := r.manager.Client(conn.ConnID); ok {
			r.manager.Leave(client, roomID)
		}
		kicked++
	}

	if kicked > 0 {
		r.broadcast(ctx, roomID, "room:user-left", &UserLeftEvent{
			UserID:          uid,
			Username:        username,
			ServerTimestamp: r.now().UnixMilli(),
		})
	}
	r.logger.Info(ctx, "member kicked from room",
		"room_id", roomID, "user_id", uid, "connections", kicked)
	return nil
}

// Snapshot composes the room:state payload: who is here, who holds the
// decks, and where the track is right now.
func (r *Registry) Snapshot(ctx context.Context, room *models.Room) (*RoomStateSnapshot, error) {
	roomID := room.ID.String()
	block, err := r.playback.Snapshot(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	conns, err := r.store.RoomConnectionInfos(ctx, roomID)
	if err != nil {
		return nil, utils.Internal("failed to list room connections", err)
	}

	members := make([]MemberPresence, 0, len(conns))
	seen := make(map[string]bool, len(conns))
	for _, conn := range conns {
		if seen[conn.UserID] {
			continue
		}
		seen[conn.UserID] = true
		members = append(members, MemberPresence{UserID: conn.UserID, Username: conn.Username})
	}

	snap := &RoomStateSnapshot{
		RoomID:          roomID,
		RoomCode:        room.Code,
		Name:            room.Name,
		Members:         members,
		Playback:        block,
		ServerTimestamp: block.ServerTimestamp,
	}
	state, err := r.store.GetRoomState(ctx, roomID)
	if err != nil {
		return nil, utils.Internal("failed to read room state", err)
	}
	if state.CurrentDjID != "" {
		dj := state.CurrentDjID
		snap.CurrentDjID = &dj
	} else if room.CurrentDjID != nil {
		// KV seat lost but the durable row still has a DJ.
		dj := room.CurrentDjID.String()
		snap.CurrentDjID = &dj
	}
	if state.ActiveVoteID != "" {
		vote := state.ActiveVoteID
		snap.ActiveVoteID = &vote
	}
	return snap, nil
}

// healDjSeat reseeds the KV seat pointer from the rooms row after a KV loss.
// The durable row is authoritative for who holds the decks, but playback
// authorization reads the KV copy; a flushed hash would lock the sitting DJ
// out until something rewrites it.
func (r *Registry) healDjSeat(ctx context.Context, room *models.Room) {
	if room.CurrentDjID == nil {
		return
	}
	roomID := room.ID.String()
	state, err := r.store.GetRoomState(ctx, roomID)
	if err != nil || state.CurrentDjID != "" {
		return
	}
	uid := room.CurrentDjID.String()
	if err := r.casUpdate(ctx, roomID, func(st cache.RoomState) (cache.RoomState, error) {
		if st.CurrentDjID == "" {
			st.CurrentDjID = uid
		}
		return st, nil
	}); err != nil {
		r.logger.Error(ctx, "failed to reseed DJ seat from durable row",
			"room_id", roomID, "user_id", uid, "error", err)
	}
}

func (r *Registry) resolveRoom(ctx context.Context, roomCode string) (*models.Room, error) {
	room, err := r.repo.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return nil, utils.Internal("failed to look up room", err)
	}
	if room == nil {
		return nil, utils.NotFound("room not found")
	}
	return room, nil
}

// detachFromRoom removes the connection from one room everywhere it is
// tracked and announces the departure. room may be nil when the durable row
// could not be loaded; presence cleanup still proceeds.
func (r *Registry) detachFromRoom(ctx context.Context, client *rooms.Client, roomID string, room *models.Room) {
	if err := r.store.RemoveConnectionFromRoom(ctx, client.ConnID, roomID); err != nil {
		r.logger.Error(ctx, "failed to detach connection from room",
			"conn_id", client.ConnID, "room_id", roomID, "error", err)
	}
	r.manager.Leave(client, roomID)

	r.broadcast(ctx, roomID, "room:user-left", &UserLeftEvent{
		UserID:          client.UserID.String(),
		Username:        client.Username,
		ServerTimestamp: r.now().UnixMilli(),
	})
	if room != nil {
		r.maybeClearDj(ctx, client, room)
	}
}

// maybeClearDj vacates the DJ seat when the seat holder's last connection
// leaves a room configured to clear it. The track keeps playing; the owner
// can randomize a new DJ or members can elect one.
func (r *Registry) maybeClearDj(ctx context.Context, client *rooms.Client, room *models.Room) {
	if room.CurrentDjID == nil || *room.CurrentDjID != client.UserID {
		return
	}
	if !room.Settings.ClearDjOnDisconnect {
		return
	}
	roomID := room.ID.String()
	conns, err := r.store.RoomConnectionInfos(ctx, roomID)
	if err != nil {
		r.logger.Error(ctx, "failed to check for surviving DJ connections",
			"room_id", roomID, "error", err)
		return
	}
	uid := client.UserID.String()
	for _, conn := range conns {
		if conn.UserID == uid {
			return
		}
	}

	if err := r.repo.ClearRoomDj(ctx, room.ID, models.DjRemovalDisconnect); err != nil {
		r.logger.Error(ctx, "failed to clear DJ seat after disconnect",
			"room_id", roomID, "user_id", uid, "error", err)
		return
	}
	if err := r.casUpdate(ctx, roomID, func(st cache.RoomState) (cache.RoomState, error) {
		if st.CurrentDjID == uid {
			st.CurrentDjID = ""
		}
		return st, nil
	}); err != nil {
		r.logger.Error(ctx, "failed to mirror cleared DJ seat into room state",
			"room_id", roomID, "error", err)
	}
	r.broadcast(ctx, roomID, "dj:changed", &votes.DjChangedEvent{
		NewDjID:         nil,
		Reason:          "disconnect",
		ServerTimestamp: r.now().UnixMilli(),
	})
	r.logger.Info(ctx, "dj seat cleared after disconnect", "room_id", roomID, "user_id", uid)
}

func (r *Registry) casUpdate(ctx context.Context, roomID string, mutate func(cache.RoomState) (cache.RoomState, error)) error {
	var err error
	for i := 0; i < 3; i++ {
		if _, err = r.store.UpdateRoomState(ctx, roomID, mutate); !errors.Is(err, cache.ErrConflict) {
			return err
		}
	}
	return err
}

func (r *Registry) broadcast(ctx context.Context, roomID, event string, data interface{}) {
	if err := r.pub.PublishEvent(ctx, roomID, event, data); err != nil {
		r.logger.Error(ctx, "failed to broadcast room event",
			"room_id", roomID, "event", event, "error", err)
	}
}

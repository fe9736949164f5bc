package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
	"github.com/dukepan/dj-rooms-back/internal/votes"
)

// RoomSettingsPatch carries the optional settings fields of create and update
// requests. Nil fields keep their current (or default) value.
type RoomSettingsPatch struct {
	MaxMembers              *int     `json:"maxMembers"`
	MutinyThreshold         *float64 `json:"mutinyThreshold"`
	DjCooldownMinutes       *int     `json:"djCooldownMinutes"`
	AutoRandomizeDj         *bool    `json:"autoRandomizeDj"`
	ClearDjOnDisconnect     *bool    `json:"clearDjOnDisconnect"`
	AllowMutinyAgainstOwner *bool    `json:"allowMutinyAgainstOwner"`
}

func (p *RoomSettingsPatch) apply(s models.RoomSettings) (models.RoomSettings, error) {
	if p == nil {
		return s, nil
	}
	if p.MaxMembers != nil {
		if *p.MaxMembers < 2 || *p.MaxMembers > 500 {
			return s, errors.New("maxMembers must be between 2 and 500")
		}
		s.MaxMembers = *p.MaxMembers
	}
	if p.MutinyThreshold != nil {
		if *p.MutinyThreshold <= 0 || *p.MutinyThreshold > 1 {
			return s, errors.New("mutinyThreshold must be in (0, 1]")
		}
		s.MutinyThreshold = *p.MutinyThreshold
	}
	if p.DjCooldownMinutes != nil {
		if *p.DjCooldownMinutes < 0 || *p.DjCooldownMinutes > 1440 {
			return s, errors.New("djCooldownMinutes must be between 0 and 1440")
		}
		s.DjCooldownMinutes = *p.DjCooldownMinutes
	}
	if p.AutoRandomizeDj != nil {
		s.AutoRandomizeDj = *p.AutoRandomizeDj
	}
	if p.ClearDjOnDisconnect != nil {
		s.ClearDjOnDisconnect = *p.ClearDjOnDisconnect
	}
	if p.AllowMutinyAgainstOwner != nil {
		s.AllowMutinyAgainstOwner = *p.AllowMutinyAgainstOwner
	}
	return s, nil
}

// CreateRoomRequest represents a create room request
type CreateRoomRequest struct {
	Name     string             `json:"name"`
	Settings *RoomSettingsPatch `json:"settings"`
}

// JoinRoomRequest carries the invite code of the room to join.
type JoinRoomRequest struct {
	RoomCode string `json:"roomCode"`
}

// RoomDetail is the single-room response: the room row plus its member list
// and how long the current DJ has held the seat.
type RoomDetail struct {
	*models.Room
	Members        []models.RoomMemberInfo `json:"members"`
	CurrentDjSince *time.Time              `json:"current_dj_since,omitempty"`
}

// CreateRoomHandler creates a new room owned by the caller
func (r *Router) CreateRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var createReq CreateRoomRequest
	if err := json.NewDecoder(req.Body).Decode(&createReq); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if createReq.Name == "" || len(createReq.Name) > 100 {
		utils.RespondError(w, http.StatusBadRequest, "room name must be 1-100 characters")
		return
	}

	settings, err := createReq.Settings.apply(models.DefaultRoomSettings(r.cfg.MutinyThreshold))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	room, err := r.store.CreateRoom(req.Context(), createReq.Name, userID, settings)
	if err != nil {
		r.logger.Error(req.Context(), "failed to create room", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	r.logger.Info(req.Context(), "room created",
		"room_id", room.ID.String(), "code", room.Code, "owner_id", userID.String())

	utils.RespondJSON(w, http.StatusCreated, room)
}

// GetRoomsHandler retrieves all rooms the caller is a member of
func (r *Router) GetRoomsHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rooms, err := r.store.GetRoomsByUser(req.Context(), userID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch rooms", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch rooms")
		return
	}

	if rooms == nil {
		rooms = make([]models.Room, 0)
	}
	utils.RespondJSON(w, http.StatusOK, rooms)
}

// GetRoomHandler retrieves a single room with its members
func (r *Router) GetRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	isMember, err := r.store.IsRoomMember(req.Context(), roomID, userID)
	if err != nil || !isMember {
		utils.RespondError(w, http.StatusForbidden, "not a member of this room")
		return
	}

	room, err := r.store.GetRoomByID(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch room", "error", err, "room_id", roomID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch room")
		return
	}
	if room == nil {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}

	members, err := r.store.GetRoomMembers(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch room members", "error", err, "room_id", roomID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch room members")
		return
	}

	detail := RoomDetail{Room: room, Members: members}
	if room.CurrentDjID != nil {
		if row, err := r.store.CurrentDjHistoryRow(req.Context(), roomID); err == nil && row != nil {
			detail.CurrentDjSince = &row.BecameAt
		}
	}

	utils.RespondJSON(w, http.StatusOK, detail)
}

// JoinRoomHandler adds the caller to the room behind an invite code
func (r *Router) JoinRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var joinReq JoinRoomRequest
	if err := json.NewDecoder(req.Body).Decode(&joinReq); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if joinReq.RoomCode == "" {
		utils.RespondError(w, http.StatusBadRequest, "roomCode is required")
		return
	}

	room, err := r.store.GetRoomByCode(req.Context(), joinReq.RoomCode)
	if err != nil {
		r.logger.Error(req.Context(), "failed to resolve room code", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to resolve room code")
		return
	}
	if room == nil {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}

	err = r.store.AddRoomMember(req.Context(), room.ID, userID, "listener", room.Settings.MaxMembers)
	if err != nil {
		if errors.Is(err, db.ErrRoomFull) {
			utils.RespondError(w, http.StatusConflict, "room is full")
			return
		}
		r.logger.Error(req.Context(), "failed to join room", "error", err, "room_id", room.ID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to join room")
		return
	}

	r.logger.Info(req.Context(), "member joined room",
		"room_id", room.ID.String(), "user_id", userID.String())

	utils.RespondJSON(w, http.StatusOK, room)
}

// GetRoomMessagesHandler retrieves chat history from a room (paginated)
func (r *Router) GetRoomMessagesHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	isMember, err := r.store.IsRoomMember(req.Context(), roomID, userID)
	if err != nil || !isMember {
		utils.RespondError(w, http.StatusForbidden, "not a member of this room")
		return
	}

	limit := 50
	if limitStr := req.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	before := int64(0)
	if beforeStr := req.URL.Query().Get("before"); beforeStr != "" {
		if b, err := strconv.ParseInt(beforeStr, 10, 64); err == nil {
			before = b
		}
	}

	messages, err := r.store.GetRoomChatMessages(req.Context(), roomID, limit, before)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch messages", "error", err, "room_id", roomID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	// Enrich messages with sender info. Duplicate senders share a lookup.
	users := make(map[uuid.UUID]*models.User)
	enriched := make([]models.HistoryMessage, len(messages))
	for i := range messages {
		msg := &messages[i]
		user, ok := users[msg.UserID]
		if !ok {
			user, _ = r.store.GetUserByID(req.Context(), msg.UserID)
			users[msg.UserID] = user
		}
		enriched[i] = models.HistoryMessage{ChatMessage: msg, User: user}
	}

	utils.RespondJSON(w, http.StatusOK, enriched)
}

// GetDjHistoryHandler retrieves recent DJ tenures for a room
func (r *Router) GetDjHistoryHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	isMember, err := r.store.IsRoomMember(req.Context(), roomID, userID)
	if err != nil || !isMember {
		utils.RespondError(w, http.StatusForbidden, "not a member of this room")
		return
	}

	limit := 50
	if limitStr := req.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	history, err := r.store.GetDjHistory(req.Context(), roomID, limit)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch dj history", "error", err, "room_id", roomID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch dj history")
		return
	}

	if history == nil {
		history = make([]models.DjHistory, 0)
	}
	utils.RespondJSON(w, http.StatusOK, history)
}

// UpdateRoomSettingsHandler lets the owner change room settings
func (r *Router) UpdateRoomSettingsHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	room, ok := r.requireOwner(w, req, userID)
	if !ok {
		return
	}

	var patch RoomSettingsPatch
	if err := json.NewDecoder(req.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := patch.apply(room.Settings)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.store.UpdateRoomSettings(req.Context(), room.ID, settings); err != nil {
		r.logger.Error(req.Context(), "failed to update room settings", "error", err, "room_id", room.ID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to update room settings")
		return
	}
	room.Settings = settings

	r.publishRoomEvent(req.Context(), room.ID.String(), "room:settings-updated", map[string]interface{}{
		"settings":        settings,
		"serverTimestamp": time.Now().UnixMilli(),
	})

	utils.RespondJSON(w, http.StatusOK, room)
}

// ArchiveRoomHandler lets the owner archive a room, ending its session
func (r *Router) ArchiveRoomHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	room, ok := r.requireOwner(w, req, userID)
	if !ok {
		return
	}

	if err := r.store.ArchiveRoom(req.Context(), room.ID); err != nil {
		r.logger.Error(req.Context(), "failed to archive room", "error", err, "room_id", room.ID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to archive room")
		return
	}

	roomID := room.ID.String()
	if err := r.cache.DeleteRoomState(req.Context(), roomID); err != nil {
		r.logger.Error(req.Context(), "failed to delete room state", "error", err, "room_id", roomID)
	}

	r.publishRoomEvent(req.Context(), roomID, "room:archived", map[string]interface{}{
		"roomId":          roomID,
		"serverTimestamp": time.Now().UnixMilli(),
	})

	r.logger.Info(req.Context(), "room archived", "room_id", roomID, "owner_id", userID.String())

	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "room archived"})
}

// RemoveMemberHandler lets the owner kick a member out of the room
func (r *Router) RemoveMemberHandler(w http.ResponseWriter, req *http.Request) {
	userID, err := getUserIDFromContext(req.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	room, ok := r.requireOwner(w, req, userID)
	if !ok {
		return
	}

	targetID, err := uuid.Parse(req.PathValue("userID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	if targetID == room.OwnerID {
		utils.RespondError(w, http.StatusBadRequest, "the owner cannot be removed from their own room")
		return
	}

	target, err := r.store.GetUserByID(req.Context(), targetID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to look up user", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if target == nil {
		utils.RespondError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := r.store.RemoveRoomMember(req.Context(), room.ID, targetID); err != nil {
		r.logger.Error(req.Context(), "failed to remove member", "error", err, "room_id", room.ID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}

	roomID := room.ID.String()

	// A kicked DJ loses the seat; members learn through dj:changed.
	if room.CurrentDjID != nil && *room.CurrentDjID == targetID {
		if err := r.store.ClearRoomDj(req.Context(), room.ID, models.DjRemovalKick); err != nil {
			r.logger.Error(req.Context(), "failed to clear dj seat", "error", err, "room_id", roomID)
		}
		if err := r.clearDjSeat(req.Context(), roomID); err != nil {
			r.logger.Error(req.Context(), "failed to clear dj seat state", "error", err, "room_id", roomID)
		}
		r.publishRoomEvent(req.Context(), roomID, "dj:changed", &votes.DjChangedEvent{
			NewDjID:         nil,
			Reason:          models.DjRemovalKick,
			ServerTimestamp: time.Now().UnixMilli(),
		})
	}

	// Sweep the target's live connections out of the room's presence set.
	if err := r.sessions.KickUser(req.Context(), room, targetID, target.Username); err != nil {
		r.logger.Error(req.Context(), "failed to kick user connections", "error", err, "room_id", roomID)
	}

	r.logger.Info(req.Context(), "member removed from room",
		"room_id", roomID, "user_id", targetID.String(), "owner_id", userID.String())

	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "member removed"})
}

// requireOwner loads the room from the path and verifies the caller owns it.
// It writes the error response itself and reports success through ok.
func (r *Router) requireOwner(w http.ResponseWriter, req *http.Request, userID uuid.UUID) (*models.Room, bool) {
	roomID, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid room ID")
		return nil, false
	}

	room, err := r.store.GetRoomByID(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to fetch room", "error", err, "room_id", roomID.String())
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch room")
		return nil, false
	}
	if room == nil || room.IsArchived {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if room.OwnerID != userID {
		utils.RespondError(w, http.StatusForbidden, "only the room owner can do this")
		return nil, false
	}
	return room, true
}

// clearDjSeat empties the cached DJ seat, retrying on concurrent writers.
func (r *Router) clearDjSeat(ctx context.Context, roomID string) error {
	var err error
	for i := 0; i < 3; i++ {
		_, err = r.cache.UpdateRoomState(ctx, roomID, func(st cache.RoomState) (cache.RoomState, error) {
			st.CurrentDjID = ""
			return st, nil
		})
		if !errors.Is(err, cache.ErrConflict) {
			return err
		}
	}
	return err
}

func (r *Router) publishRoomEvent(ctx context.Context, roomID, event string, data interface{}) {
	if err := r.cache.PublishEvent(ctx, roomID, event, data); err != nil {
		r.logger.Error(ctx, "failed to publish room event",
			"room_id", roomID, "event", event, "error", err)
	}
}

package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/dj-rooms-back/internal/api"
	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// One RSA pair for the whole test binary; generating keys per test is all
// cost and no coverage.
var testKeys struct {
	once sync.Once
	priv string
	pub  string
	err  error
}

func testKeyPair(t *testing.T) (string, string) {
	t.Helper()
	testKeys.once.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testKeys.err = err
			return
		}
		testKeys.priv = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			testKeys.err = err
			return
		}
		testKeys.pub = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	})
	require.NoError(t, testKeys.err)
	return testKeys.priv, testKeys.pub
}

// fakeStore is an in-memory stand-in for the durable store with the same
// error contract.
type fakeStore struct {
	mu        sync.Mutex
	seq       int
	users     map[uuid.UUID]*models.User
	byName    map[string]*models.User
	rooms     map[uuid.UUID]*models.Room
	members   map[uuid.UUID]map[uuid.UUID]string // room → user → role
	messages  map[uuid.UUID][]models.ChatMessage
	history   map[uuid.UUID][]models.DjHistory
	cleared   []string
	healthErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]*models.User),
		byName:   make(map[string]*models.User),
		rooms:    make(map[uuid.UUID]*models.Room),
		members:  make(map[uuid.UUID]map[uuid.UUID]string),
		messages: make(map[uuid.UUID][]models.ChatMessage),
		history:  make(map[uuid.UUID][]models.DjHistory),
	}
}

func (s *fakeStore) CreateUser(_ context.Context, username, displayName, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[username]; exists {
		return nil, db.ErrUserExists
	}
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.users[user.ID] = user
	s.byName[username] = user
	return user, nil
}

func (s *fakeStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[username], nil
}

func (s *fakeStore) GetUserByID(_ context.Context, userID uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *fakeStore) UpdateUserLastSeen(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[userID]; ok {
		user.LastSeen = time.Now()
	}
	return nil
}

func (s *fakeStore) CreateRoom(_ context.Context, name string, ownerID uuid.UUID, settings models.RoomSettings) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	room := &models.Room{
		ID:        uuid.New(),
		Name:      name,
		Code:      fmt.Sprintf("ROOM%04d", s.seq),
		OwnerID:   ownerID,
		Settings:  settings,
		CreatedAt: time.Now(),
	}
	s.rooms[room.ID] = room
	s.members[room.ID] = map[uuid.UUID]string{ownerID: "owner"}
	return room, nil
}

func (s *fakeStore) GetRoomByID(_ context.Context, roomID uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID], nil
}

func (s *fakeStore) GetRoomByCode(_ context.Context, code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.Code == code && !room.IsArchived {
			return room, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetRoomsByUser(_ context.Context, userID uuid.UUID) ([]models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Room
	for roomID, members := range s.members {
		if _, ok := members[userID]; ok && !s.rooms[roomID].IsArchived {
			out = append(out, *s.rooms[roomID])
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRoomSettings(_ context.Context, roomID uuid.UUID, settings models.RoomSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		room.Settings = settings
	}
	return nil
}

func (s *fakeStore) ArchiveRoom(_ context.Context, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		room.IsArchived = true
	}
	return nil
}

func (s *fakeStore) AddRoomMember(_ context.Context, roomID, userID uuid.UUID, role string, maxMembers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[roomID]
	if _, ok := members[userID]; ok {
		return nil // join is idempotent
	}
	if len(members) >= maxMembers {
		return db.ErrRoomFull
	}
	members[userID] = role
	return nil
}

func (s *fakeStore) RemoveRoomMember(_ context.Context, roomID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], userID)
	return nil
}

func (s *fakeStore) IsRoomMember(_ context.Context, roomID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *fakeStore) GetRoomMembers(_ context.Context, roomID uuid.UUID) ([]models.RoomMemberInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoomMemberInfo
	for userID, role := range s.members[roomID] {
		info := models.RoomMemberInfo{UserID: userID, Role: role}
		if user, ok := s.users[userID]; ok {
			info.Username = user.Username
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *fakeStore) ClearRoomDj(_ context.Context, roomID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, reason)
	if room, ok := s.rooms[roomID]; ok {
		room.CurrentDjID = nil
	}
	return nil
}

func (s *fakeStore) GetRoomChatMessages(_ context.Context, roomID uuid.UUID, limit int, _ int64) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *fakeStore) GetDjHistory(_ context.Context, roomID uuid.UUID, limit int) ([]models.DjHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.history[roomID]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *fakeStore) CurrentDjHistoryRow(_ context.Context, roomID uuid.UUID) (*models.DjHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history[roomID] {
		if s.history[roomID][i].RemovedAt == nil {
			return &s.history[roomID][i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

type kickRecord struct {
	roomID   uuid.UUID
	userID   uuid.UUID
	username string
}

type fakePresence struct {
	mu    sync.Mutex
	kicks []kickRecord
}

func (p *fakePresence) Connected(context.Context, *rooms.Client) error { return nil }

func (p *fakePresence) KickUser(_ context.Context, room *models.Room, userID uuid.UUID, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kicks = append(p.kicks, kickRecord{roomID: room.ID, userID: userID, username: username})
	return nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *rooms.Client, []byte) {}
func (noopDispatcher) Disconnected(context.Context, *rooms.Client)    {}

type apiHarness struct {
	handler  http.Handler
	store    *fakeStore
	presence *fakePresence
	cache    *cache.Cache
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := cache.NewWithClient(client)
	require.NoError(t, err)

	priv, pub := testKeyPair(t)
	cfg := &config.Config{
		JWTPrivateKey:        priv,
		JWTPublicKey:         pub,
		MutinyThreshold:      0.51,
		ConnectionTTLSeconds: 300,
	}

	h := &apiHarness{store: newFakeStore(), presence: &fakePresence{}, cache: c}
	logger := utils.NewLogger("error")
	handler, err := api.NewRouter(h.store, c, rooms.NewManager(logger), h.presence, noopDispatcher{}, cfg, logger)
	require.NoError(t, err)
	h.handler = handler
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// signup registers a user and returns a bearer token for them.
func (h *apiHarness) signup(t *testing.T, username string) (string, *models.User) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"username": username,
		"password": "a long enough password",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp api.AuthResponse
	decodeBody(t, rec, &resp)
	return resp.Token, resp.User
}

func (h *apiHarness) createRoom(t *testing.T, token, name string, settings interface{}) *models.Room {
	t.Helper()
	body := map[string]interface{}{"name": name}
	if settings != nil {
		body["settings"] = settings
	}
	rec := h.do(t, http.MethodPost, "/rooms", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var room models.Room
	decodeBody(t, rec, &room)
	return &room
}

func TestSignup(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"username": "alice", "password": "a long enough password",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp api.AuthResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, "alice", resp.User.DisplayName, "display name defaults to the username")
	assert.Equal(t, 86400, resp.ExpiresIn)
	assert.NotContains(t, rec.Body.String(), "password", "hashes never leave the server")

	rec = h.do(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"username": "alice", "password": "a different password!",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	for name, body := range map[string]map[string]string{
		"short username": {"username": "al", "password": "a long enough password"},
		"short password": {"username": "alice2", "password": "short"},
	} {
		rec = h.do(t, http.MethodPost, "/auth/signup", "", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestLogin(t *testing.T) {
	h := newAPIHarness(t)
	_, alice := h.signup(t, "alice")

	rec := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "a long enough password",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.AuthResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.False(t, h.store.users[alice.ID].LastSeen.IsZero(), "login stamps last seen")

	// The fresh token really works against a protected route.
	rec = h.do(t, http.MethodGet, "/rooms", resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong password entirely",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "nobody", "password": "a long enough password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.store.healthErr = errors.New("pool exhausted")
	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProtectedRoutesRequireAValidToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/rooms", "not.a.token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The WebSocket endpoint refuses before attempting the upgrade.
	rec = h.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRoom(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		h := newAPIHarness(t)
		token, user := h.signup(t, "alice")

		room := h.createRoom(t, token, "the den", nil)
		assert.NotEmpty(t, room.Code)
		assert.Equal(t, user.ID, room.OwnerID)
		assert.Equal(t, 25, room.Settings.MaxMembers)
		assert.Equal(t, 0.51, room.Settings.MutinyThreshold)
		assert.True(t, room.Settings.ClearDjOnDisconnect)
	})

	t.Run("settings overrides", func(t *testing.T) {
		h := newAPIHarness(t)
		token, _ := h.signup(t, "alice")

		room := h.createRoom(t, token, "the den", map[string]interface{}{
			"maxMembers":              10,
			"mutinyThreshold":         0.75,
			"allowMutinyAgainstOwner": true,
		})
		assert.Equal(t, 10, room.Settings.MaxMembers)
		assert.Equal(t, 0.75, room.Settings.MutinyThreshold)
		assert.True(t, room.Settings.AllowMutinyAgainstOwner)
		assert.Equal(t, 10, room.Settings.DjCooldownMinutes, "untouched knobs keep their defaults")
	})

	t.Run("rejected input", func(t *testing.T) {
		h := newAPIHarness(t)
		token, _ := h.signup(t, "alice")

		rec := h.do(t, http.MethodPost, "/rooms", token, map[string]interface{}{
			"name": "the den", "settings": map[string]interface{}{"maxMembers": 1},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodPost, "/rooms", token, map[string]interface{}{
			"name": "the den", "settings": map[string]interface{}{"mutinyThreshold": 1.5},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodPost, "/rooms", token, map[string]interface{}{"name": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJoinRoom(t *testing.T) {
	h := newAPIHarness(t)
	ownerToken, _ := h.signup(t, "alice")
	bobToken, bob := h.signup(t, "bob")

	room := h.createRoom(t, ownerToken, "the den", map[string]interface{}{"maxMembers": 2})

	rec := h.do(t, http.MethodPost, "/rooms/join", bobToken, map[string]string{"roomCode": room.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	member, err := h.store.IsRoomMember(context.Background(), room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, member)

	rec = h.do(t, http.MethodPost, "/rooms/join", bobToken, map[string]string{"roomCode": "NOSUCH"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Owner plus bob fill the two seats; carol bounces off the cap.
	carolToken, _ := h.signup(t, "carol")
	rec = h.do(t, http.MethodPost, "/rooms/join", carolToken, map[string]string{"roomCode": room.Code})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRoom(t *testing.T) {
	h := newAPIHarness(t)
	ownerToken, owner := h.signup(t, "alice")
	bobToken, _ := h.signup(t, "bob")

	room := h.createRoom(t, ownerToken, "the den", nil)

	rec := h.do(t, http.MethodGet, "/rooms/"+room.ID.String(), bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "membership gates room detail")

	// Seat the owner as DJ with an open tenure row.
	djID := owner.ID
	becameAt := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	h.store.rooms[room.ID].CurrentDjID = &djID
	h.store.history[room.ID] = []models.DjHistory{{RoomID: room.ID, UserID: djID, BecameAt: becameAt}}

	rec = h.do(t, http.MethodGet, "/rooms/"+room.ID.String(), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail api.RoomDetail
	decodeBody(t, rec, &detail)
	assert.Equal(t, room.ID, detail.ID)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, "alice", detail.Members[0].Username)
	require.NotNil(t, detail.CurrentDjSince)
	assert.True(t, detail.CurrentDjSince.Equal(becameAt))

	rec = h.do(t, http.MethodGet, "/rooms/not-a-uuid", ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSettingsAndArchive(t *testing.T) {
	h := newAPIHarness(t)
	ownerToken, _ := h.signup(t, "alice")
	bobToken, _ := h.signup(t, "bob")
	ctx := context.Background()

	room := h.createRoom(t, ownerToken, "the den", nil)
	rec := h.do(t, http.MethodPost, "/rooms/join", bobToken, map[string]string{"roomCode": room.Code})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPatch, "/rooms/"+room.ID.String()+"/settings", bobToken,
		map[string]interface{}{"djCooldownMinutes": 0})
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the owner touches settings")

	rec = h.do(t, http.MethodPatch, "/rooms/"+room.ID.String()+"/settings", ownerToken,
		map[string]interface{}{"djCooldownMinutes": 0, "clearDjOnDisconnect": false})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Room
	decodeBody(t, rec, &updated)
	assert.Zero(t, updated.Settings.DjCooldownMinutes)
	assert.False(t, updated.Settings.ClearDjOnDisconnect)
	assert.Equal(t, 25, updated.Settings.MaxMembers, "unpatched knobs survive")

	// Give the room some hot state, then archive it away.
	_, err := h.cache.UpdateRoomState(ctx, room.ID.String(), func(st cache.RoomState) (cache.RoomState, error) {
		st.CurrentDjID = "someone"
		return st, nil
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodDelete, "/rooms/"+room.ID.String(), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.store.rooms[room.ID].IsArchived)

	state, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Empty(t, state.CurrentDjID, "archiving drops the room's hot state")

	// The archived room is gone from the owner-gated surface.
	rec = h.do(t, http.MethodDelete, "/rooms/"+room.ID.String(), ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveMember(t *testing.T) {
	h := newAPIHarness(t)
	ownerToken, owner := h.signup(t, "alice")
	bobToken, bob := h.signup(t, "bob")
	ctx := context.Background()

	room := h.createRoom(t, ownerToken, "the den", nil)
	rec := h.do(t, http.MethodPost, "/rooms/join", bobToken, map[string]string{"roomCode": room.Code})
	require.Equal(t, http.StatusOK, rec.Code)

	// Bob holds the decks when he gets kicked.
	djID := bob.ID
	h.store.rooms[room.ID].CurrentDjID = &djID
	_, err := h.cache.UpdateRoomState(ctx, room.ID.String(), func(st cache.RoomState) (cache.RoomState, error) {
		st.CurrentDjID = bob.ID.String()
		return st, nil
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodDelete, "/rooms/"+room.ID.String()+"/members/"+bob.ID.String(), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	member, err := h.store.IsRoomMember(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, member)
	assert.Equal(t, []string{models.DjRemovalKick}, h.store.cleared, "a kicked DJ loses the seat")

	state, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Empty(t, state.CurrentDjID)

	require.Len(t, h.presence.kicks, 1)
	assert.Equal(t, bob.ID, h.presence.kicks[0].userID)
	assert.Equal(t, "bob", h.presence.kicks[0].username)

	rec = h.do(t, http.MethodDelete, "/rooms/"+room.ID.String()+"/members/"+owner.ID.String(), ownerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "the owner cannot kick themselves")

	rec = h.do(t, http.MethodDelete, "/rooms/"+room.ID.String()+"/members/"+uuid.NewString(), ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoomHistoryEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ownerToken, owner := h.signup(t, "alice")

	room := h.createRoom(t, ownerToken, "the den", nil)
	h.store.messages[room.ID] = []models.ChatMessage{
		{ID: 2, RoomID: room.ID, UserID: owner.ID, Content: "second", CreatedAt: time.Now()},
		{ID: 1, RoomID: room.ID, UserID: owner.ID, Content: "first", CreatedAt: time.Now().Add(-time.Minute)},
	}
	removed := time.Now()
	reason := models.DjRemovalMutiny
	h.store.history[room.ID] = []models.DjHistory{
		{ID: 1, RoomID: room.ID, UserID: owner.ID, BecameAt: time.Now().Add(-time.Hour), RemovedAt: &removed, RemovalReason: &reason},
	}

	rec := h.do(t, http.MethodGet, "/rooms/"+room.ID.String()+"/messages?limit=1", ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.HistoryMessage
	decodeBody(t, rec, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Content)
	require.NotNil(t, msgs[0].User)
	assert.Equal(t, "alice", msgs[0].User.Username)

	rec = h.do(t, http.MethodGet, "/rooms/"+room.ID.String()+"/dj-history", ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.DjHistory
	decodeBody(t, rec, &history)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].RemovalReason)
	assert.Equal(t, models.DjRemovalMutiny, *history[0].RemovalReason)
}

func TestRateLimiterCapsBursts(t *testing.T) {
	h := newAPIHarness(t)
	token, _ := h.signup(t, "dave")

	for i := 0; i < 5; i++ {
		rec := h.do(t, http.MethodGet, "/rooms", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := h.do(t, http.MethodGet, "/rooms", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

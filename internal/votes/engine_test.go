package votes_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
	"github.com/dukepan/dj-rooms-back/internal/votes"
)

// fakeClock is a manually advanced time source shared by the engine and the
// fake repository so session TTLs and ballot timestamps stay consistent.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepo implements votes.Repository in memory with the same contract as
// the SQL layer: one active session per room, unique ballots, and settled
// sessions rejecting further outcomes.
type fakeRepo struct {
	mu       sync.Mutex
	now      func() time.Time
	rooms    map[uuid.UUID]*models.Room
	members  map[uuid.UUID][]uuid.UUID
	sessions map[uuid.UUID]*models.VoteSession
	active   map[uuid.UUID]uuid.UUID
	ballots  map[uuid.UUID][]models.Vote
	nextVote int64
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{
		now:      now,
		rooms:    make(map[uuid.UUID]*models.Room),
		members:  make(map[uuid.UUID][]uuid.UUID),
		sessions: make(map[uuid.UUID]*models.VoteSession),
		active:   make(map[uuid.UUID]uuid.UUID),
		ballots:  make(map[uuid.UUID][]models.Vote),
	}
}

func (f *fakeRepo) addRoom(room *models.Room, members ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	f.members[room.ID] = append([]uuid.UUID{}, members...)
}

func (f *fakeRepo) session(id uuid.UUID) models.VoteSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeRepo) IsRoomMember(_ context.Context, roomID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) GetRoomByID(_ context.Context, roomID uuid.UUID) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID], nil
}

func (f *fakeRepo) GetRoomMemberIDs(_ context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID{}, f.members[roomID]...), nil
}

func (f *fakeRepo) CreateVoteSession(_ context.Context, sess *models.VoteSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sid, ok := f.active[sess.RoomID]; ok && f.sessions[sid].Status == models.VoteStatusActive {
		return db.ErrActiveVoteExists
	}
	sess.Status = models.VoteStatusActive
	sess.CreatedAt = f.now()
	stored := *sess
	f.sessions[sess.ID] = &stored
	f.active[sess.RoomID] = sess.ID
	if room := f.rooms[sess.RoomID]; room != nil {
		id := sess.ID
		room.ActiveVoteID = &id
	}
	return nil
}

func (f *fakeRepo) GetVoteSession(_ context.Context, sessionID uuid.UUID) (*models.VoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRepo) GetActiveVoteSession(_ context.Context, roomID uuid.UUID) (*models.VoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, ok := f.active[roomID]
	if !ok {
		return nil, nil
	}
	sess := f.sessions[sid]
	if sess == nil || sess.Status != models.VoteStatusActive {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRepo) ExpireVoteSession(_ context.Context, sessionID, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok && sess.Status == models.VoteStatusActive {
		sess.Status = models.VoteStatusExpired
	}
	if f.active[roomID] == sessionID {
		delete(f.active, roomID)
	}
	if room := f.rooms[roomID]; room != nil && room.ActiveVoteID != nil && *room.ActiveVoteID == sessionID {
		room.ActiveVoteID = nil
	}
	return nil
}

func (f *fakeRepo) InsertVote(_ context.Context, vote *models.Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.ballots[vote.SessionID] {
		if b.VoterID == vote.VoterID {
			return db.ErrDuplicateVote
		}
	}
	f.nextVote++
	vote.ID = f.nextVote
	vote.CreatedAt = f.now()
	f.ballots[vote.SessionID] = append(f.ballots[vote.SessionID], *vote)
	return nil
}

func (f *fakeRepo) GetSessionVotes(_ context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Vote{}, f.ballots[sessionID]...), nil
}

func (f *fakeRepo) settle(sessionID uuid.UUID) (*models.VoteSession, error) {
	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status != models.VoteStatusActive {
		return nil, db.ErrSessionSettled
	}
	sess.Status = models.VoteStatusCompleted
	completedAt := f.now()
	sess.CompletedAt = &completedAt
	return sess, nil
}

func (f *fakeRepo) ApplyElectionOutcome(_ context.Context, roomID, sessionID, winnerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, err := f.settle(sessionID)
	if err != nil {
		return err
	}
	winner := winnerID
	sess.WinnerID = &winner
	if room := f.rooms[roomID]; room != nil {
		room.CurrentDjID = &winner
		room.ActiveVoteID = nil
	}
	delete(f.active, roomID)
	return nil
}

func (f *fakeRepo) ApplyMutinyOutcome(_ context.Context, roomID, sessionID uuid.UUID, passed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, err := f.settle(sessionID)
	if err != nil {
		return err
	}
	p := passed
	sess.Passed = &p
	if room := f.rooms[roomID]; room != nil {
		if passed {
			room.CurrentDjID = nil
		}
		room.ActiveVoteID = nil
	}
	delete(f.active, roomID)
	return nil
}

func (f *fakeRepo) ApplyRandomizeDj(_ context.Context, roomID, newDjID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room := f.rooms[roomID]; room != nil {
		dj := newDjID
		room.CurrentDjID = &dj
	}
	return nil
}

// capturePub records every published event for assertions.
type capturePub struct {
	mu     sync.Mutex
	events []pubEvent
}

type pubEvent struct {
	roomID string
	event  string
	data   interface{}
}

func (p *capturePub) PublishEvent(_ context.Context, roomID string, event string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{roomID: roomID, event: event, data: data})
	return nil
}

func (p *capturePub) last(event string) (pubEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].event == event {
			return p.events[i], true
		}
	}
	return pubEvent{}, false
}

func (p *capturePub) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type engineHarness struct {
	engine *votes.Engine
	repo   *fakeRepo
	pub    *capturePub
	cache  *cache.Cache
	mr     *miniredis.Miniredis
	clock  *fakeClock
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := cache.NewWithClient(client)
	require.NoError(t, err)

	clock := newFakeClock()
	repo := newFakeRepo(clock.Now)
	pub := &capturePub{}
	cfg := &config.Config{
		VoteTTLSeconds:        300,
		MutinyCooldownSeconds: 600,
		MutinyThreshold:       0.51,
	}

	engine := votes.NewEngine(repo, c, pub, cfg, utils.NewLogger("error"))
	engine.SetNowFunc(clock.Now)

	return &engineHarness{engine: engine, repo: repo, pub: pub, cache: c, mr: mr, clock: clock}
}

// newRoom registers a room with n members; the first member is the owner.
func (h *engineHarness) newRoom(n int) (*models.Room, []uuid.UUID) {
	members := make([]uuid.UUID, n)
	for i := range members {
		members[i] = uuid.New()
	}
	room := &models.Room{
		ID:       uuid.New(),
		Name:     "deck test",
		Code:     "DECKS1",
		OwnerID:  members[0],
		Settings: models.DefaultRoomSettings(0.51),
	}
	h.repo.addRoom(room, members...)
	return room, members
}

func (h *engineHarness) startElection(t *testing.T, room *models.Room, starter uuid.UUID) string {
	t.Helper()
	require.NoError(t, h.engine.StartElection(context.Background(), room, starter))
	evt, ok := h.pub.last("vote:election-started")
	require.True(t, ok, "vote:election-started not published")
	return evt.data.(*votes.ElectionStartedEvent).VoteSessionID
}

func (h *engineHarness) startMutiny(t *testing.T, room *models.Room, starter uuid.UUID) string {
	t.Helper()
	require.NoError(t, h.engine.StartMutiny(context.Background(), room, starter))
	evt, ok := h.pub.last("vote:mutiny-started")
	require.True(t, ok, "vote:mutiny-started not published")
	return evt.data.(*votes.MutinyStartedEvent).VoteSessionID
}

func (h *engineHarness) seatDj(t *testing.T, room *models.Room, dj uuid.UUID) {
	t.Helper()
	room.CurrentDjID = &dj
	_, err := h.cache.UpdateRoomState(context.Background(), room.ID.String(), func(st cache.RoomState) (cache.RoomState, error) {
		st.CurrentDjID = dj.String()
		return st, nil
	})
	require.NoError(t, err)
}

func TestEngine_ElectionCompletesOnEarlyMajority(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)

	sessionID := h.startElection(t, room, ids[1])

	started, _ := h.pub.last("vote:election-started")
	startedEvt := started.data.(*votes.ElectionStartedEvent)
	assert.Equal(t, 3, startedEvt.TotalEligibleVoters)
	assert.Equal(t, models.VoteTypeElection, startedEvt.VoteType)

	// First ballot leaves the outcome open.
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[1], sessionID, ids[2].String()))
	assert.Nil(t, room.CurrentDjID)
	assert.Equal(t, 1, h.pub.count("vote:results-updated"))

	// Second ballot for the same candidate puts the outcome beyond reach.
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[2], sessionID, ids[2].String()))

	require.NotNil(t, room.CurrentDjID)
	assert.Equal(t, ids[2], *room.CurrentDjID)

	sess := h.repo.session(uuid.MustParse(sessionID))
	assert.Equal(t, models.VoteStatusCompleted, sess.Status)
	require.NotNil(t, sess.WinnerID)
	assert.Equal(t, ids[2], *sess.WinnerID)

	complete, ok := h.pub.last("vote:complete")
	require.True(t, ok)
	completeEvt := complete.data.(*votes.ElectionCompleteEvent)
	assert.Equal(t, ids[2].String(), completeEvt.WinnerID)
	assert.Equal(t, int64(2), completeEvt.Counts[ids[2].String()])

	changed, ok := h.pub.last("dj:changed")
	require.True(t, ok)
	changedEvt := changed.data.(*votes.DjChangedEvent)
	require.NotNil(t, changedEvt.NewDjID)
	assert.Equal(t, ids[2].String(), *changedEvt.NewDjID)
	assert.Equal(t, "vote", changedEvt.Reason)

	st, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Equal(t, ids[2].String(), st.CurrentDjID)
	assert.Empty(t, st.ActiveVoteID)
}

func TestEngine_ElectionRejectsDoubleVote(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(5)

	sessionID := h.startElection(t, room, ids[0])

	require.NoError(t, h.engine.CastElectionVote(ctx, ids[1], sessionID, ids[2].String()))

	err := h.engine.CastElectionVote(ctx, ids[1], sessionID, ids[3].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
	assert.Contains(t, err.Error(), "already voted")
}

func TestEngine_StartElectionConflictsWithActiveVote(t *testing.T) {
	h := newEngineHarness(t)
	room, ids := h.newRoom(3)

	h.startElection(t, room, ids[0])

	err := h.engine.StartElection(context.Background(), room, ids[1])
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
}

func TestEngine_ElectionAccessControl(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)
	outsider := uuid.New()

	err := h.engine.StartElection(ctx, room, outsider)
	require.Error(t, err)
	assert.Equal(t, utils.KindUnauthorized, utils.KindOf(err))

	sessionID := h.startElection(t, room, ids[0])

	err = h.engine.CastElectionVote(ctx, outsider, sessionID, ids[1].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindUnauthorized, utils.KindOf(err))

	err = h.engine.CastElectionVote(ctx, ids[0], sessionID, outsider.String())
	require.Error(t, err)
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))

	err = h.engine.CastElectionVote(ctx, ids[0], "not-a-uuid", ids[1].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindInvalidInput, utils.KindOf(err))

	err = h.engine.CastElectionVote(ctx, ids[0], uuid.NewString(), ids[1].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
}

func TestEngine_ElectionTieBreakPrefersEarlierFirstBallot(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(5)
	first, second := ids[0], ids[1]

	sessionID := h.startElection(t, room, ids[0])

	// Alternate ballots so no early margin settles it: 1-0, 1-1, 2-1, 2-2,
	// then a stray fifth ballot fills the box with the leaders still tied.
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[0], sessionID, first.String()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[1], sessionID, second.String()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[2], sessionID, first.String()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[3], sessionID, second.String()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[4], sessionID, ids[4].String()))

	require.NotNil(t, room.CurrentDjID)
	assert.Equal(t, first, *room.CurrentDjID, "tie must go to the candidate whose first ballot arrived earlier")
}

func TestEngine_MutinyPassesAndCoolsDownTheRemovedDj(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(4)
	dj := ids[3]
	h.seatDj(t, room, dj)

	sessionID := h.startMutiny(t, room, ids[1])

	started, _ := h.pub.last("vote:mutiny-started")
	startedEvt := started.data.(*votes.MutinyStartedEvent)
	assert.Equal(t, 4, startedEvt.TotalEligibleVoters)
	assert.Equal(t, 0.51, startedEvt.Threshold)
	assert.Equal(t, dj.String(), startedEvt.TargetDjID)

	// Threshold 0.51 of 4 needs 3 yes votes.
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[0], sessionID, true))
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[1], sessionID, true))
	assert.NotNil(t, room.CurrentDjID, "two of four yes votes must not settle it")

	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[2], sessionID, true))

	assert.Nil(t, room.CurrentDjID)
	sess := h.repo.session(uuid.MustParse(sessionID))
	assert.Equal(t, models.VoteStatusCompleted, sess.Status)
	require.NotNil(t, sess.Passed)
	assert.True(t, *sess.Passed)

	complete, ok := h.pub.last("vote:complete")
	require.True(t, ok)
	completeEvt := complete.data.(*votes.MutinyCompleteEvent)
	assert.True(t, completeEvt.MutinyPassed)
	assert.Equal(t, int64(3), completeEvt.YesCount)

	success, ok := h.pub.last("mutiny:success")
	require.True(t, ok)
	assert.Equal(t, dj.String(), success.data.(*votes.MutinySuccessEvent).RemovedDjID)

	// The removed DJ serves the room's seat cooldown.
	until, err := h.cache.GetDjCooldown(ctx, room.ID.String(), dj.String())
	require.NoError(t, err)
	wantUntil := h.clock.Now().Add(time.Duration(room.Settings.DjCooldownMinutes) * time.Minute).UnixMilli()
	assert.Equal(t, wantUntil, until)

	st, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Empty(t, st.CurrentDjID)
	assert.Empty(t, st.ActiveVoteID)
}

func TestEngine_MutinyFailsEarlyWhenOutOfReach(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(4)
	dj := ids[3]
	h.seatDj(t, room, dj)

	sessionID := h.startMutiny(t, room, ids[0])

	// Need 3 of 4; two no votes leave at most 2 yes reachable.
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[0], sessionID, false))
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[1], sessionID, false))

	require.NotNil(t, room.CurrentDjID)
	assert.Equal(t, dj, *room.CurrentDjID, "a failed mutiny must leave the DJ seated")

	sess := h.repo.session(uuid.MustParse(sessionID))
	assert.Equal(t, models.VoteStatusCompleted, sess.Status)
	require.NotNil(t, sess.Passed)
	assert.False(t, *sess.Passed)

	_, ok := h.pub.last("mutiny:failed")
	assert.True(t, ok)
	complete, ok := h.pub.last("vote:complete")
	require.True(t, ok)
	assert.False(t, complete.data.(*votes.MutinyCompleteEvent).MutinyPassed)

	until, err := h.cache.GetDjCooldown(ctx, room.ID.String(), dj.String())
	require.NoError(t, err)
	assert.Zero(t, until, "a failed mutiny must not cool the DJ down")

	st, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Equal(t, dj.String(), st.CurrentDjID)
}

func TestEngine_MutinyPolicyChecks(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	t.Run("no dj seated", func(t *testing.T) {
		room, ids := h.newRoom(3)
		err := h.engine.StartMutiny(ctx, room, ids[1])
		require.Error(t, err)
		assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
	})

	t.Run("owner protected by default", func(t *testing.T) {
		room, ids := h.newRoom(3)
		h.seatDj(t, room, room.OwnerID)
		err := h.engine.StartMutiny(ctx, room, ids[1])
		require.Error(t, err)
		assert.Equal(t, utils.KindUnauthorized, utils.KindOf(err))
	})

	t.Run("owner mutiny allowed when opted in", func(t *testing.T) {
		room, ids := h.newRoom(3)
		room.Settings.AllowMutinyAgainstOwner = true
		h.seatDj(t, room, room.OwnerID)
		assert.NoError(t, h.engine.StartMutiny(ctx, room, ids[1]))
	})

	t.Run("non-member cannot start", func(t *testing.T) {
		room, ids := h.newRoom(3)
		h.seatDj(t, room, ids[1])
		err := h.engine.StartMutiny(ctx, room, uuid.New())
		require.Error(t, err)
		assert.Equal(t, utils.KindUnauthorized, utils.KindOf(err))
	})
}

func TestEngine_MutinyCooldownBlocksBackToBackAttempts(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(4)
	h.seatDj(t, room, ids[3])

	sessionID := h.startMutiny(t, room, ids[0])

	// Fail it fast: need 3 of 4, two no votes end it.
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[0], sessionID, false))
	require.NoError(t, h.engine.CastMutinyVote(ctx, ids[1], sessionID, false))

	// The room-wide cooldown was armed at start, so a retry is refused even
	// though no vote is active anymore.
	err := h.engine.StartMutiny(ctx, room, ids[2])
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
	assert.Contains(t, err.Error(), "cooling down")

	h.clock.Advance(601 * time.Second)
	assert.NoError(t, h.engine.StartMutiny(ctx, room, ids[2]))
}

func TestEngine_ExpiredSessionIsHealed(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)

	sessionID := h.startElection(t, room, ids[0])
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[0], sessionID, ids[1].String()))

	h.clock.Advance(301 * time.Second)

	err := h.engine.CastElectionVote(ctx, ids[1], sessionID, ids[1].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
	assert.Contains(t, err.Error(), "expired")

	sess := h.repo.session(uuid.MustParse(sessionID))
	assert.Equal(t, models.VoteStatusExpired, sess.Status)

	st, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Empty(t, st.ActiveVoteID)

	// The room is not wedged: a fresh election can start.
	assert.NoError(t, h.engine.StartElection(ctx, room, ids[0]))
}

func TestEngine_CountersRebuiltFromDurableBallots(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(5)
	candidateA, candidateB := ids[3], ids[4]

	sessionID := h.startElection(t, room, ids[0])

	require.NoError(t, h.engine.CastElectionVote(ctx, ids[0], sessionID, candidateA.String()))
	h.clock.Advance(time.Second)
	require.NoError(t, h.engine.CastElectionVote(ctx, ids[1], sessionID, candidateB.String()))

	// Simulate a KV loss; the durable ballots are now the only record.
	h.mr.FlushAll()

	// A repeat ballot is still refused: the voter set came back with the
	// rebuild.
	err := h.engine.CastElectionVote(ctx, ids[0], sessionID, candidateB.String())
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))

	require.NoError(t, h.engine.CastElectionVote(ctx, ids[2], sessionID, candidateA.String()))
	assert.Nil(t, room.CurrentDjID, "2-1 with two outstanding must stay open")

	require.NoError(t, h.engine.CastElectionVote(ctx, ids[3], sessionID, candidateA.String()))

	require.NotNil(t, room.CurrentDjID)
	assert.Equal(t, candidateA, *room.CurrentDjID)

	complete, ok := h.pub.last("vote:complete")
	require.True(t, ok)
	completeEvt := complete.data.(*votes.ElectionCompleteEvent)
	assert.Equal(t, int64(3), completeEvt.Counts[candidateA.String()])
	assert.Equal(t, int64(1), completeEvt.Counts[candidateB.String()])
}

func TestEngine_RandomizeDjSkipsCooldownsAndCurrentDj(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)
	h.seatDj(t, room, ids[1])

	// ids[2] is cooling down, ids[1] holds the decks: only the owner is left.
	require.NoError(t, h.cache.SetDjCooldown(ctx, room.ID.String(), ids[2].String(), h.clock.Now().Add(10*time.Minute).UnixMilli()))

	var poolSize int
	h.engine.SetPickFunc(func(n int) int {
		poolSize = n
		return 0
	})

	err := h.engine.RandomizeDj(ctx, room, ids[1])
	require.Error(t, err)
	assert.Equal(t, utils.KindUnauthorized, utils.KindOf(err))

	require.NoError(t, h.engine.RandomizeDj(ctx, room, room.OwnerID))
	assert.Equal(t, 1, poolSize)
	require.NotNil(t, room.CurrentDjID)
	assert.Equal(t, room.OwnerID, *room.CurrentDjID)

	changed, ok := h.pub.last("dj:changed")
	require.True(t, ok)
	changedEvt := changed.data.(*votes.DjChangedEvent)
	require.NotNil(t, changedEvt.NewDjID)
	assert.Equal(t, room.OwnerID.String(), *changedEvt.NewDjID)
	assert.Equal(t, models.DjRemovalRandomize, changedEvt.Reason)

	st, err := h.cache.GetRoomState(ctx, room.ID.String())
	require.NoError(t, err)
	assert.Equal(t, room.OwnerID.String(), st.CurrentDjID)
}

func TestEngine_RandomizeDjWithNoEligiblePool(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)
	h.seatDj(t, room, ids[1])

	until := h.clock.Now().Add(10 * time.Minute).UnixMilli()
	require.NoError(t, h.cache.SetDjCooldown(ctx, room.ID.String(), ids[0].String(), until))
	require.NoError(t, h.cache.SetDjCooldown(ctx, room.ID.String(), ids[2].String(), until))

	err := h.engine.RandomizeDj(ctx, room, room.OwnerID)
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
}

func TestEngine_CandidateCooldownBlocksElectionVotes(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	room, ids := h.newRoom(3)

	sessionID := h.startElection(t, room, ids[0])

	require.NoError(t, h.cache.SetDjCooldown(ctx, room.ID.String(), ids[2].String(), h.clock.Now().Add(5*time.Minute).UnixMilli()))

	err := h.engine.CastElectionVote(ctx, ids[0], sessionID, ids[2].String())
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
	assert.Contains(t, err.Error(), "cooling down")

	assert.NoError(t, h.engine.CastElectionVote(ctx, ids[0], sessionID, ids[1].String()))
}

package votes

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Repository is the durable side of a vote: session rows, ballots, and the
// transactional outcome application.
type Repository interface {
	IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	GetRoomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	GetRoomMemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	CreateVoteSession(ctx context.Context, sess *models.VoteSession) error
	GetVoteSession(ctx context.Context, sessionID uuid.UUID) (*models.VoteSession, error)
	GetActiveVoteSession(ctx context.Context, roomID uuid.UUID) (*models.VoteSession, error)
	ExpireVoteSession(ctx context.Context, sessionID, roomID uuid.UUID) error
	InsertVote(ctx context.Context, vote *models.Vote) error
	GetSessionVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error)
	ApplyElectionOutcome(ctx context.Context, roomID, sessionID, winnerID uuid.UUID) error
	ApplyMutinyOutcome(ctx context.Context, roomID, sessionID uuid.UUID, passed bool) error
	ApplyRandomizeDj(ctx context.Context, roomID, newDjID uuid.UUID) error
}

// Store is the hot side: session mirrors, linearizable counters, and the
// room state hash.
type Store interface {
	GetRoomState(ctx context.Context, roomID string) (cache.RoomState, error)
	UpdateRoomState(ctx context.Context, roomID string, mutate func(cache.RoomState) (cache.RoomState, error)) (cache.RoomState, error)
	PutVoteSession(ctx context.Context, sess cache.VoteSessionKV, ttl time.Duration) error
	GetVoteSession(ctx context.Context, sessionID string) (*cache.VoteSessionKV, error)
	HasVoted(ctx context.Context, sessionID, voterID string) (bool, error)
	RecordElectionVote(ctx context.Context, sessionID, voterID, candidateID string, nowMs int64, ttl time.Duration) error
	RecordMutinyVote(ctx context.Context, sessionID, voterID string, approve bool, ttl time.Duration) error
	ElectionTallies(ctx context.Context, sessionID string) (counts map[string]int64, firstVotes map[string]int64, voters int64, err error)
	MutinyTallies(ctx context.Context, sessionID string) (yes, no, voters int64, err error)
	CompleteVoteSession(ctx context.Context, sessionID, status string) error
	RestoreVoteSession(ctx context.Context, sess cache.VoteSessionKV, voters []string, counts map[string]int64, firstVotes map[string]int64, yes, no int64, ttl time.Duration) error
	SetDjCooldown(ctx context.Context, roomID, userID string, untilMs int64) error
	GetDjCooldown(ctx context.Context, roomID, userID string) (int64, error)
	DjCooldowns(ctx context.Context, roomID string) (map[string]int64, error)
}

// Publisher fans an event out to every connection in the room.
type Publisher interface {
	PublishEvent(ctx context.Context, roomID string, event string, data interface{}) error
}

const casAttempts = 3

// Engine runs elections and mutinies. Ballots are durable rows; the counters
// that decide completion live in the KV store and are rebuilt from the rows
// whenever the hot copy is lost.
type Engine struct {
	repo   Repository
	store  Store
	pub    Publisher
	logger *utils.Logger

	voteTTL        time.Duration
	mutinyCooldown time.Duration

	now  func() time.Time
	pick func(n int) int
}

func NewEngine(repo Repository, store Store, pub Publisher, cfg *config.Config, logger *utils.Logger) *Engine {
	return &Engine{
		repo:           repo,
		store:          store,
		pub:            pub,
		logger:         logger,
		voteTTL:        time.Duration(cfg.VoteTTLSeconds) * time.Second,
		mutinyCooldown: time.Duration(cfg.MutinyCooldownSeconds) * time.Second,
		now:            time.Now,
		pick:           rand.Intn,
	}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// SetPickFunc overrides the random index source, for tests.
func (e *Engine) SetPickFunc(pick func(n int) int) { e.pick = pick }

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

// liveSession is a loaded, still-active session with its ids pre-parsed and
// the time left before its TTL expires.
type liveSession struct {
	*cache.VoteSessionKV
	id        uuid.UUID
	roomUUID  uuid.UUID
	remaining time.Duration
}

// StartElection opens a DJ election for the room. Exactly one session may be
// active per room; the unique index on active sessions is the arbiter when
// two starts race.
func (e *Engine) StartElection(ctx context.Context, room *models.Room, starterID uuid.UUID) error {
	member, err := e.repo.IsRoomMember(ctx, room.ID, starterID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("only room members can start an election")
	}
	if err := e.ensureNoActiveVote(ctx, room.ID); err != nil {
		return err
	}

	members, err := e.repo.GetRoomMemberIDs(ctx, room.ID)
	if err != nil {
		return utils.Internal("failed to snapshot the electorate", err)
	}

	sess := &models.VoteSession{
		ID:          uuid.New(),
		RoomID:      room.ID,
		Type:        models.VoteTypeElection,
		Eligible:    len(members),
		StartedByID: starterID,
	}
	if err := e.repo.CreateVoteSession(ctx, sess); err != nil {
		if errors.Is(err, db.ErrActiveVoteExists) {
			return utils.Conflict("a vote is already in progress in this room")
		}
		return utils.Internal("failed to create vote session", err)
	}

	kv := sessionToKV(sess)
	if err := e.store.PutVoteSession(ctx, *kv, e.voteTTL); err != nil {
		return utils.Internal("failed to stage vote counters", err)
	}
	if err := e.casUpdate(ctx, kv.RoomID, func(st cache.RoomState) (cache.RoomState, error) {
		st.ActiveVoteID = kv.ID
		return st, nil
	}); err != nil {
		return utils.Internal("failed to attach vote to room", err)
	}

	e.broadcast(ctx, kv.RoomID, "vote:election-started", &ElectionStartedEvent{
		VoteSessionID:       kv.ID,
		VoteType:            models.VoteTypeElection,
		TotalEligibleVoters: kv.Eligible,
		StartedBy:           kv.StartedBy,
		ServerTimestamp:     e.nowMs(),
	})
	e.logger.Info(ctx, "dj election started",
		"room_id", kv.RoomID, "session_id", kv.ID, "eligible", kv.Eligible)
	return nil
}

// StartMutiny opens a removal vote against the sitting DJ. The eligible
// count and the threshold are frozen here; the room-wide mutiny cooldown is
// armed immediately so a failed mutiny cannot be retried back to back.
func (e *Engine) StartMutiny(ctx context.Context, room *models.Room, starterID uuid.UUID) error {
	member, err := e.repo.IsRoomMember(ctx, room.ID, starterID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("only room members can start a mutiny")
	}
	if room.CurrentDjID == nil {
		return utils.NotFound("the room has no DJ to mutiny against")
	}
	if *room.CurrentDjID == room.OwnerID && !room.Settings.AllowMutinyAgainstOwner {
		return utils.Unauthorized("this room does not allow mutinies against the owner")
	}

	state, err := e.store.GetRoomState(ctx, room.ID.String())
	if err != nil {
		return utils.Internal("failed to read room state", err)
	}
	if state.MutinyCooldownUntil > e.nowMs() {
		return utils.Conflict("a mutiny was started recently, the room is cooling down")
	}
	if err := e.ensureNoActiveVote(ctx, room.ID); err != nil {
		return err
	}

	members, err := e.repo.GetRoomMemberIDs(ctx, room.ID)
	if err != nil {
		return utils.Internal("failed to snapshot the electorate", err)
	}

	sess := &models.VoteSession{
		ID:          uuid.New(),
		RoomID:      room.ID,
		Type:        models.VoteTypeMutiny,
		TargetDjID:  room.CurrentDjID,
		Eligible:    len(members),
		Threshold:   room.Settings.MutinyThreshold,
		StartedByID: starterID,
	}
	if err := e.repo.CreateVoteSession(ctx, sess); err != nil {
		if errors.Is(err, db.ErrActiveVoteExists) {
			return utils.Conflict("a vote is already in progress in this room")
		}
		return utils.Internal("failed to create vote session", err)
	}

	kv := sessionToKV(sess)
	if err := e.store.PutVoteSession(ctx, *kv, e.voteTTL); err != nil {
		return utils.Internal("failed to stage vote counters", err)
	}
	cooldownUntil := e.now().Add(e.mutinyCooldown).UnixMilli()
	if err := e.casUpdate(ctx, kv.RoomID, func(st cache.RoomState) (cache.RoomState, error) {
		st.ActiveVoteID = kv.ID
		if cooldownUntil > st.MutinyCooldownUntil {
			st.MutinyCooldownUntil = cooldownUntil
		}
		return st, nil
	}); err != nil {
		return utils.Internal("failed to attach vote to room", err)
	}

	e.broadcast(ctx, kv.RoomID, "vote:mutiny-started", &MutinyStartedEvent{
		VoteSessionID:       kv.ID,
		VoteType:            models.VoteTypeMutiny,
		TotalEligibleVoters: kv.Eligible,
		Threshold:           kv.Threshold,
		TargetDjID:          kv.TargetDjID,
		StartedBy:           kv.StartedBy,
		ServerTimestamp:     e.nowMs(),
	})
	e.logger.Info(ctx, "mutiny started",
		"room_id", kv.RoomID, "session_id", kv.ID,
		"target_dj_id", kv.TargetDjID, "eligible", kv.Eligible, "threshold", kv.Threshold)
	return nil
}

// CastElectionVote records one ballot for a candidate and settles the
// election as soon as the outcome is mathematically fixed.
func (e *Engine) CastElectionVote(ctx context.Context, voterID uuid.UUID, sessionID, targetUserID string) error {
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Type != models.VoteTypeElection {
		return utils.InvalidInput("vote session is not a DJ election")
	}

	voted, err := e.store.HasVoted(ctx, sess.ID, voterID.String())
	if err != nil {
		return utils.Internal("failed to check for an existing ballot", err)
	}
	if voted {
		return utils.Conflict("you already voted in this session")
	}

	member, err := e.repo.IsRoomMember(ctx, sess.roomUUID, voterID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("only room members can vote")
	}

	target, err := uuid.Parse(targetUserID)
	if err != nil {
		return utils.InvalidInput("targetUserId is not a valid user id")
	}
	targetMember, err := e.repo.IsRoomMember(ctx, sess.roomUUID, target)
	if err != nil {
		return utils.Internal("failed to check candidate membership", err)
	}
	if !targetMember {
		return utils.NotFound("candidate is not a member of this room")
	}
	cooledUntil, err := e.store.GetDjCooldown(ctx, sess.RoomID, target.String())
	if err != nil {
		return utils.Internal("failed to check candidate cooldown", err)
	}
	if cooledUntil > e.nowMs() {
		return utils.Conflict("candidate was recently removed from the decks and is cooling down")
	}

	ballot := &models.Vote{
		SessionID:   sess.id,
		VoterID:     voterID,
		CandidateID: &target,
	}
	if err := e.repo.InsertVote(ctx, ballot); err != nil {
		if errors.Is(err, db.ErrDuplicateVote) {
			return utils.Conflict("you already voted in this session")
		}
		return utils.Internal("failed to record ballot", err)
	}
	if err := e.store.RecordElectionVote(ctx, sess.ID, voterID.String(), target.String(), e.nowMs(), sess.remaining); err != nil {
		return utils.Internal("failed to update vote counters", err)
	}

	counts, firstVotes, _, err := e.store.ElectionTallies(ctx, sess.ID)
	if err != nil {
		return utils.Internal("failed to read vote counters", err)
	}
	e.broadcast(ctx, sess.RoomID, "vote:results-updated", electionResults(sess.VoteSessionKV, counts))

	if winner, done := electionDecision(counts, firstVotes, sess.Eligible); done {
		return e.completeElection(ctx, sess, winner, counts)
	}
	return nil
}

// CastMutinyVote records one yes or no ballot and settles the mutiny as soon
// as the outcome cannot change.
func (e *Engine) CastMutinyVote(ctx context.Context, voterID uuid.UUID, sessionID string, approve bool) error {
	sess, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Type != models.VoteTypeMutiny {
		return utils.InvalidInput("vote session is not a mutiny")
	}

	voted, err := e.store.HasVoted(ctx, sess.ID, voterID.String())
	if err != nil {
		return utils.Internal("failed to check for an existing ballot", err)
	}
	if voted {
		return utils.Conflict("you already voted in this session")
	}

	member, err := e.repo.IsRoomMember(ctx, sess.roomUUID, voterID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("only room members can vote")
	}

	approveVal := approve
	ballot := &models.Vote{
		SessionID: sess.id,
		VoterID:   voterID,
		Approve:   &approveVal,
	}
	if err := e.repo.InsertVote(ctx, ballot); err != nil {
		if errors.Is(err, db.ErrDuplicateVote) {
			return utils.Conflict("you already voted in this session")
		}
		return utils.Internal("failed to record ballot", err)
	}
	if err := e.store.RecordMutinyVote(ctx, sess.ID, voterID.String(), approve, sess.remaining); err != nil {
		return utils.Internal("failed to update vote counters", err)
	}

	yes, no, _, err := e.store.MutinyTallies(ctx, sess.ID)
	if err != nil {
		return utils.Internal("failed to read vote counters", err)
	}
	e.broadcast(ctx, sess.RoomID, "vote:results-updated", &MutinyResultsEvent{
		VoteSessionID:       sess.ID,
		VoteType:            models.VoteTypeMutiny,
		YesCount:            yes,
		NoCount:             no,
		TotalVotes:          yes + no,
		TotalEligibleVoters: sess.Eligible,
	})

	if passed, done := mutinyDecision(yes, no, sess.Eligible, sess.Threshold); done {
		return e.completeMutiny(ctx, sess, passed, yes, no)
	}
	return nil
}

// RandomizeDj hands the decks to a random member, owner only. Members still
// serving a removal cooldown and the sitting DJ are left out of the draw.
func (e *Engine) RandomizeDj(ctx context.Context, room *models.Room, requesterID uuid.UUID) error {
	if room.OwnerID != requesterID {
		return utils.Unauthorized("only the room owner can randomize the DJ")
	}

	members, err := e.repo.GetRoomMemberIDs(ctx, room.ID)
	if err != nil {
		return utils.Internal("failed to list room members", err)
	}
	cooldowns, err := e.store.DjCooldowns(ctx, room.ID.String())
	if err != nil {
		return utils.Internal("failed to read dj cooldowns", err)
	}

	nowMs := e.nowMs()
	current := ""
	if room.CurrentDjID != nil {
		current = room.CurrentDjID.String()
	}
	pool := make([]uuid.UUID, 0, len(members))
	for _, id := range members {
		s := id.String()
		if s == current {
			continue
		}
		if until, ok := cooldowns[s]; ok && until > nowMs {
			continue
		}
		pool = append(pool, id)
	}
	if len(pool) == 0 {
		return utils.Conflict("no eligible members to hand the decks to")
	}

	next := pool[e.pick(len(pool))]
	if err := e.repo.ApplyRandomizeDj(ctx, room.ID, next); err != nil {
		return utils.Internal("failed to seat the new DJ", err)
	}

	nextStr := next.String()
	roomID := room.ID.String()
	if err := e.casUpdate(ctx, roomID, func(st cache.RoomState) (cache.RoomState, error) {
		st.CurrentDjID = nextStr
		return st, nil
	}); err != nil {
		e.logger.Error(ctx, "failed to mirror randomized DJ into room state",
			"room_id", roomID, "new_dj_id", nextStr, "error", err)
	}

	e.broadcast(ctx, roomID, "dj:changed", &DjChangedEvent{
		NewDjID:         &nextStr,
		Reason:          models.DjRemovalRandomize,
		ServerTimestamp: e.nowMs(),
	})
	e.logger.Info(ctx, "dj randomized", "room_id", roomID, "new_dj_id", nextStr)
	return nil
}

// completeElection applies the outcome durably, mirrors it into the room
// state, and announces the result. A concurrent settle by another instance
// is not an error; the first writer already broadcast.
func (e *Engine) completeElection(ctx context.Context, sess *liveSession, winner string, counts map[string]int64) error {
	winnerID, err := uuid.Parse(winner)
	if err != nil {
		return utils.Internal("election produced a malformed winner id", err)
	}

	err = e.repo.ApplyElectionOutcome(ctx, sess.roomUUID, sess.id, winnerID)
	if errors.Is(err, db.ErrSessionSettled) {
		return nil
	}
	if err != nil {
		return utils.Internal("failed to apply election outcome", err)
	}

	if err := e.store.CompleteVoteSession(ctx, sess.ID, models.VoteStatusCompleted); err != nil {
		e.logger.Error(ctx, "failed to settle vote counters",
			"session_id", sess.ID, "error", err)
	}
	if err := e.casUpdate(ctx, sess.RoomID, func(st cache.RoomState) (cache.RoomState, error) {
		st.CurrentDjID = winner
		if st.ActiveVoteID == sess.ID {
			st.ActiveVoteID = ""
		}
		return st, nil
	}); err != nil {
		e.logger.Error(ctx, "failed to mirror election outcome into room state",
			"room_id", sess.RoomID, "session_id", sess.ID, "error", err)
	}

	e.broadcast(ctx, sess.RoomID, "vote:complete", &ElectionCompleteEvent{
		VoteSessionID: sess.ID,
		VoteType:      models.VoteTypeElection,
		Counts:        counts,
		WinnerID:      winner,
	})
	e.broadcast(ctx, sess.RoomID, "dj:changed", &DjChangedEvent{
		NewDjID:         &winner,
		Reason:          "vote",
		ServerTimestamp: e.nowMs(),
	})
	e.logger.Info(ctx, "dj election completed",
		"room_id", sess.RoomID, "session_id", sess.ID, "winner_id", winner)
	return nil
}

func (e *Engine) completeMutiny(ctx context.Context, sess *liveSession, passed bool, yes, no int64) error {
	err := e.repo.ApplyMutinyOutcome(ctx, sess.roomUUID, sess.id, passed)
	if errors.Is(err, db.ErrSessionSettled) {
		return nil
	}
	if err != nil {
		return utils.Internal("failed to apply mutiny outcome", err)
	}

	if err := e.store.CompleteVoteSession(ctx, sess.ID, models.VoteStatusCompleted); err != nil {
		e.logger.Error(ctx, "failed to settle vote counters",
			"session_id", sess.ID, "error", err)
	}
	if err := e.casUpdate(ctx, sess.RoomID, func(st cache.RoomState) (cache.RoomState, error) {
		if passed && st.CurrentDjID == sess.TargetDjID {
			st.CurrentDjID = ""
		}
		if st.ActiveVoteID == sess.ID {
			st.ActiveVoteID = ""
		}
		return st, nil
	}); err != nil {
		e.logger.Error(ctx, "failed to mirror mutiny outcome into room state",
			"room_id", sess.RoomID, "session_id", sess.ID, "error", err)
	}

	if passed && sess.TargetDjID != "" {
		cooldownMin := models.DefaultRoomSettings(sess.Threshold).DjCooldownMinutes
		if room, err := e.repo.GetRoomByID(ctx, sess.roomUUID); err == nil && room != nil {
			cooldownMin = room.Settings.DjCooldownMinutes
		} else if err != nil {
			e.logger.Error(ctx, "failed to read room settings, using default dj cooldown",
				"room_id", sess.RoomID, "error", err)
		}
		until := e.now().Add(time.Duration(cooldownMin) * time.Minute).UnixMilli()
		if err := e.store.SetDjCooldown(ctx, sess.RoomID, sess.TargetDjID, until); err != nil {
			e.logger.Error(ctx, "failed to set dj cooldown",
				"room_id", sess.RoomID, "user_id", sess.TargetDjID, "error", err)
		}
	}

	e.broadcast(ctx, sess.RoomID, "vote:complete", &MutinyCompleteEvent{
		VoteSessionID: sess.ID,
		VoteType:      models.VoteTypeMutiny,
		YesCount:      yes,
		NoCount:       no,
		MutinyPassed:  passed,
	})
	if passed {
		e.broadcast(ctx, sess.RoomID, "mutiny:success", &MutinySuccessEvent{
			VoteSessionID: sess.ID,
			RemovedDjID:   sess.TargetDjID,
		})
	} else {
		e.broadcast(ctx, sess.RoomID, "mutiny:failed", &MutinyFailedEvent{
			VoteSessionID: sess.ID,
		})
	}
	e.logger.Info(ctx, "mutiny completed",
		"room_id", sess.RoomID, "session_id", sess.ID,
		"passed", passed, "yes", yes, "no", no)
	return nil
}

// loadSession resolves a session id to its live counters. A missing or
// settled hot copy falls back to the durable row: a genuinely over session
// heals the room pointer and reports not found, a live one has its counters
// rebuilt from the ballots.
func (e *Engine) loadSession(ctx context.Context, sessionID string) (*liveSession, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, utils.InvalidInput("voteSessionId is not a valid id")
	}

	kv, err := e.store.GetVoteSession(ctx, sessionID)
	if err != nil {
		return nil, utils.Internal("failed to load vote session", err)
	}
	if kv != nil && kv.Status == models.VoteStatusActive {
		if remaining := e.remainingTTL(kv.CreatedAt); remaining > 0 {
			roomUUID, err := uuid.Parse(kv.RoomID)
			if err != nil {
				return nil, utils.Internal("vote session carries a malformed room id", err)
			}
			return &liveSession{VoteSessionKV: kv, id: id, roomUUID: roomUUID, remaining: remaining}, nil
		}
	}

	durable, err := e.repo.GetVoteSession(ctx, id)
	if err != nil {
		return nil, utils.Internal("failed to load vote session", err)
	}
	if durable == nil {
		return nil, utils.NotFound("vote session not found")
	}

	roomID := durable.RoomID.String()
	if durable.Status != models.VoteStatusActive {
		e.clearVotePointer(ctx, roomID, sessionID)
		return nil, utils.NotFound("vote session has ended")
	}
	remaining := e.remainingTTL(durable.CreatedAt.UnixMilli())
	if remaining <= 0 {
		if err := e.repo.ExpireVoteSession(ctx, id, durable.RoomID); err != nil {
			return nil, utils.Internal("failed to expire vote session", err)
		}
		e.clearVotePointer(ctx, roomID, sessionID)
		return nil, utils.NotFound("vote session has expired")
	}

	kv, err = e.rebuildSession(ctx, durable, remaining)
	if err != nil {
		return nil, err
	}
	return &liveSession{VoteSessionKV: kv, id: id, roomUUID: durable.RoomID, remaining: remaining}, nil
}

// rebuildSession reconstructs the KV mirror and counters from the durable
// ballots, in cast order so first-vote timestamps survive the rebuild.
func (e *Engine) rebuildSession(ctx context.Context, durable *models.VoteSession, ttl time.Duration) (*cache.VoteSessionKV, error) {
	ballots, err := e.repo.GetSessionVotes(ctx, durable.ID)
	if err != nil {
		return nil, utils.Internal("failed to rebuild vote counters", err)
	}

	voters := make([]string, 0, len(ballots))
	counts := make(map[string]int64)
	firstVotes := make(map[string]int64)
	var yes, no int64
	for _, b := range ballots {
		voters = append(voters, b.VoterID.String())
		switch {
		case b.CandidateID != nil:
			candidate := b.CandidateID.String()
			counts[candidate]++
			if _, ok := firstVotes[candidate]; !ok {
				firstVotes[candidate] = b.CreatedAt.UnixMilli()
			}
		case b.Approve != nil && *b.Approve:
			yes++
		case b.Approve != nil:
			no++
		}
	}

	kv := sessionToKV(durable)
	if err := e.store.RestoreVoteSession(ctx, *kv, voters, counts, firstVotes, yes, no, ttl); err != nil {
		return nil, utils.Internal("failed to rebuild vote counters", err)
	}
	e.logger.Info(ctx, "rebuilt vote counters from durable ballots",
		"session_id", kv.ID, "room_id", kv.RoomID, "ballots", len(ballots))
	return kv, nil
}

// ensureNoActiveVote enforces one session per room. A session that outlived
// its TTL without settling is expired here so the room is never wedged.
func (e *Engine) ensureNoActiveVote(ctx context.Context, roomID uuid.UUID) error {
	durable, err := e.repo.GetActiveVoteSession(ctx, roomID)
	if err != nil {
		return utils.Internal("failed to check for an active vote", err)
	}
	if durable == nil {
		return nil
	}
	if e.remainingTTL(durable.CreatedAt.UnixMilli()) > 0 {
		return utils.Conflict("a vote is already in progress in this room")
	}
	if err := e.repo.ExpireVoteSession(ctx, durable.ID, roomID); err != nil {
		return utils.Internal("failed to expire a timed out vote", err)
	}
	e.clearVotePointer(ctx, roomID.String(), durable.ID.String())
	return nil
}

func (e *Engine) remainingTTL(createdAtMs int64) time.Duration {
	return time.UnixMilli(createdAtMs).Add(e.voteTTL).Sub(e.now())
}

// clearVotePointer detaches an ended session from the room state, if it is
// still the one attached. Self-healing only, failures are logged.
func (e *Engine) clearVotePointer(ctx context.Context, roomID, sessionID string) {
	if err := e.casUpdate(ctx, roomID, func(st cache.RoomState) (cache.RoomState, error) {
		if st.ActiveVoteID == sessionID {
			st.ActiveVoteID = ""
		}
		return st, nil
	}); err != nil {
		e.logger.Error(ctx, "failed to clear expired vote pointer",
			"room_id", roomID, "session_id", sessionID, "error", err)
	}
}

// casUpdate retries the room-state CAS a few times before giving up. The
// mutations here are all idempotent, so a retry after a lost race is safe.
func (e *Engine) casUpdate(ctx context.Context, roomID string, mutate func(cache.RoomState) (cache.RoomState, error)) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		if _, err = e.store.UpdateRoomState(ctx, roomID, mutate); !errors.Is(err, cache.ErrConflict) {
			return err
		}
	}
	return err
}

func (e *Engine) broadcast(ctx context.Context, roomID, event string, data interface{}) {
	if err := e.pub.PublishEvent(ctx, roomID, event, data); err != nil {
		e.logger.Error(ctx, "failed to broadcast vote event",
			"room_id", roomID, "event", event, "error", err)
	}
}

func electionResults(sess *cache.VoteSessionKV, counts map[string]int64) *ElectionResultsEvent {
	var total int64
	for _, n := range counts {
		total += n
	}
	return &ElectionResultsEvent{
		VoteSessionID:       sess.ID,
		VoteType:            models.VoteTypeElection,
		Counts:              counts,
		TotalVotes:          total,
		TotalEligibleVoters: sess.Eligible,
	}
}

func sessionToKV(sess *models.VoteSession) *cache.VoteSessionKV {
	kv := &cache.VoteSessionKV{
		ID:        sess.ID.String(),
		RoomID:    sess.RoomID.String(),
		Type:      sess.Type,
		Status:    sess.Status,
		Eligible:  sess.Eligible,
		Threshold: sess.Threshold,
		StartedBy: sess.StartedByID.String(),
		CreatedAt: sess.CreatedAt.UnixMilli(),
	}
	if sess.TargetDjID != nil {
		kv.TargetDjID = sess.TargetDjID.String()
	}
	return kv
}

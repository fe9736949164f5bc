package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered listener
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"` // Don't expose password hash
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// Room represents a listening room
type Room struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name"`
	Code         string       `json:"code"` // short invite code
	OwnerID      uuid.UUID    `json:"owner_id"`
	CurrentDjID  *uuid.UUID   `json:"current_dj_id,omitempty"`
	Settings     RoomSettings `json:"settings"`
	ActiveVoteID *uuid.UUID   `json:"active_vote_id,omitempty"`
	IsArchived   bool         `json:"is_archived"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RoomSettings carries the per-room policy knobs. Stored as JSONB on the
// rooms row so new knobs never need a migration.
type RoomSettings struct {
	MaxMembers             int     `json:"max_members"`
	MutinyThreshold        float64 `json:"mutiny_threshold"`
	DjCooldownMinutes      int     `json:"dj_cooldown_minutes"`
	AutoRandomizeDj        bool    `json:"auto_randomize_dj"`
	ClearDjOnDisconnect    bool    `json:"clear_dj_on_disconnect"`
	AllowMutinyAgainstOwner bool   `json:"allow_mutiny_against_owner"`
}

// DefaultRoomSettings returns the policy a new room starts with.
func DefaultRoomSettings(mutinyThreshold float64) RoomSettings {
	return RoomSettings{
		MaxMembers:              25,
		MutinyThreshold:         mutinyThreshold,
		DjCooldownMinutes:       10,
		AutoRandomizeDj:         false,
		ClearDjOnDisconnect:     true,
		AllowMutinyAgainstOwner: false,
	}
}

// RoomMember represents a user's membership in a room. The DJ seat is not a
// role; it lives on the room row and in DJ history.
type RoomMember struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     string    `json:"role"` // owner, listener
	JoinedAt time.Time `json:"joined_at"`
}

// RoomMemberInfo is a membership row joined with the user's display fields.
type RoomMemberInfo struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Vote session types.
const (
	VoteTypeElection = "election"
	VoteTypeMutiny   = "mutiny"
)

// Vote session statuses.
const (
	VoteStatusActive    = "active"
	VoteStatusCompleted = "completed"
	VoteStatusExpired   = "expired"
)

// VoteSession is the durable record of an election or mutiny. The KV store
// carries the hot counters; this row is what the counters rebuild from.
// Eligible and Threshold are frozen at session start; later membership or
// settings changes do not move the goalposts.
type VoteSession struct {
	ID          uuid.UUID  `json:"id"`
	RoomID      uuid.UUID  `json:"room_id"`
	Type        string     `json:"type"`   // election, mutiny
	Status      string     `json:"status"` // active, completed, expired
	TargetDjID  *uuid.UUID `json:"target_dj_id,omitempty"`
	Eligible    int        `json:"eligible"`
	Threshold   float64    `json:"threshold"` // mutiny only, zero for elections
	StartedByID uuid.UUID  `json:"started_by_id"`
	WinnerID    *uuid.UUID `json:"winner_id,omitempty"`
	Passed      *bool      `json:"passed,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Vote is one ballot inside a session. The (session_id, voter_id) pair is
// unique at the database level.
type Vote struct {
	ID          int64      `json:"id"`
	SessionID   uuid.UUID  `json:"session_id"`
	VoterID     uuid.UUID  `json:"voter_id"`
	CandidateID *uuid.UUID `json:"candidate_id,omitempty"` // elections
	Approve     *bool      `json:"approve,omitempty"`      // mutinies
	CreatedAt   time.Time  `json:"created_at"`
}

// Removal reasons recorded when a DJ history row is closed.
const (
	DjRemovalVote       = "vote"
	DjRemovalMutiny     = "mutiny"
	DjRemovalVoluntary  = "voluntary"
	DjRemovalDisconnect = "disconnect"
	DjRemovalRandomize  = "randomize"
	DjRemovalKick       = "kick"
)

// DjHistory is one tenure on the decks. The open row (removed_at null) is the
// sitting DJ; a room has at most one open row.
type DjHistory struct {
	ID            int64      `json:"id"`
	RoomID        uuid.UUID  `json:"room_id"`
	UserID        uuid.UUID  `json:"user_id"`
	BecameAt      time.Time  `json:"became_at"`
	RemovedAt     *time.Time `json:"removed_at,omitempty"`
	RemovalReason *string    `json:"removal_reason,omitempty"`
}

// Envelope is the wire frame for every WebSocket event, inbound and
// outbound.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ChatMessage represents a chat message in a room
type ChatMessage struct {
	ID        int64     `json:"id"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    uuid.UUID `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryMessage includes user info with a chat message
type HistoryMessage struct {
	*ChatMessage
	User *User `json:"user"`
}

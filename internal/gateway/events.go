package gateway

import (
	"fmt"
	"unicode/utf8"

	"github.com/dukepan/dj-rooms-back/internal/utils"
)

const (
	maxChatContentChars = 2000
	maxTrackIDLen       = 512
	maxRoomCodeLen      = 32
)

// roomRef is the payload of every event that names a room and nothing else:
// room:join, room:leave, playback:stop, vote:start-election,
// vote:start-mutiny and dj:randomize.
type roomRef struct {
	RoomCode string `json:"roomCode"`
}

func (p roomRef) validate() error {
	return validateRoomCode(p.RoomCode)
}

type chatMessageIn struct {
	RoomCode string `json:"roomCode"`
	Content  string `json:"content"`
}

func (p chatMessageIn) validate() error {
	if err := validateRoomCode(p.RoomCode); err != nil {
		return err
	}
	if p.Content == "" {
		return utils.InvalidInput("content is required")
	}
	if utf8.RuneCountInString(p.Content) > maxChatContentChars {
		return utils.InvalidInput(fmt.Sprintf("content exceeds %d characters", maxChatContentChars))
	}
	return nil
}

type syncPingIn struct {
	ClientT0 int64 `json:"clientT0"`
}

func (p syncPingIn) validate() error {
	if p.ClientT0 <= 0 {
		return utils.InvalidInput("clientT0 must be a positive unix millisecond timestamp")
	}
	return nil
}

// syncReportIn carries the client's computed offset and round trip. Range
// checks live in the clock sync service, which owns the accepted bounds.
type syncReportIn struct {
	OffsetMs int64 `json:"offsetMs"`
	RttMs    int64 `json:"rttMs"`
}

type playbackStartIn struct {
	RoomCode      string `json:"roomCode"`
	TrackID       string `json:"trackId"`
	Position      *int64 `json:"position"`
	TrackDuration int64  `json:"trackDuration"`
}

func (p playbackStartIn) validate() error {
	if err := validateRoomCode(p.RoomCode); err != nil {
		return err
	}
	if p.TrackID == "" {
		return utils.InvalidInput("trackId is required")
	}
	if len(p.TrackID) > maxTrackIDLen {
		return utils.InvalidInput("trackId is too long")
	}
	if p.Position != nil && *p.Position < 0 {
		return utils.InvalidInput("position must not be negative")
	}
	if p.TrackDuration <= 0 {
		return utils.InvalidInput("trackDuration must be positive")
	}
	return nil
}

// startPosition returns the requested start offset, defaulting to the top of
// the track.
func (p playbackStartIn) startPosition() int64 {
	if p.Position == nil {
		return 0
	}
	return *p.Position
}

type playbackPauseIn struct {
	RoomCode string `json:"roomCode"`
	Position *int64 `json:"position"`
}

func (p playbackPauseIn) validate() error {
	if err := validateRoomCode(p.RoomCode); err != nil {
		return err
	}
	if p.Position != nil && *p.Position < 0 {
		return utils.InvalidInput("position must not be negative")
	}
	return nil
}

type voteCastDjIn struct {
	VoteSessionID string `json:"voteSessionId"`
	TargetUserID  string `json:"targetUserId"`
}

func (p voteCastDjIn) validate() error {
	if p.VoteSessionID == "" {
		return utils.InvalidInput("voteSessionId is required")
	}
	if p.TargetUserID == "" {
		return utils.InvalidInput("targetUserId is required")
	}
	return nil
}

type voteCastMutinyIn struct {
	VoteSessionID string `json:"voteSessionId"`
	VoteValue     string `json:"voteValue"`
}

func (p voteCastMutinyIn) validate() error {
	if p.VoteSessionID == "" {
		return utils.InvalidInput("voteSessionId is required")
	}
	if p.VoteValue != "yes" && p.VoteValue != "no" {
		return utils.InvalidInput(`voteValue must be "yes" or "no"`)
	}
	return nil
}

func (p voteCastMutinyIn) approve() bool {
	return p.VoteValue == "yes"
}

func validateRoomCode(code string) error {
	if code == "" {
		return utils.InvalidInput("roomCode is required")
	}
	if len(code) > maxRoomCodeLen {
		return utils.InvalidInput("roomCode is too long")
	}
	return nil
}

// ChatMessageEvent is the broadcast form of an accepted chat message. The
// durable row id is assigned later by the async writer, so it never appears
// on the wire.
type ChatMessageEvent struct {
	RoomID          string `json:"roomId"`
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	Content         string `json:"content"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// ErrorEvent tells the originating connection why an inbound event failed.
// It is never broadcast.
type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

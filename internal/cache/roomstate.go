package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukepan/dj-rooms-back/internal/models"
)

// ErrConflict is returned when a compare-and-set update lost the race against
// a concurrent writer. Callers surface it to the client as a conflict; the
// client retries against fresh state.
var ErrConflict = errors.New("room state changed concurrently")

// RoomState is the hot per-room hash: the playback variant plus the DJ seat,
// the active vote pointer, and the mutiny cooldown. Durable copies of the
// seat and vote pointer live on the rooms table; playback lives only here.
type RoomState struct {
	Playback            models.Playback
	CurrentDjID         string
	ActiveVoteID        string
	MutinyCooldownUntil int64 // unix ms, 0 when none
}

func (s RoomState) toFields() map[string]string {
	f := s.Playback.ToFields()
	f["current_dj_id"] = s.CurrentDjID
	f["active_vote_id"] = s.ActiveVoteID
	if s.MutinyCooldownUntil > 0 {
		f["mutiny_cooldown_until"] = strconv.FormatInt(s.MutinyCooldownUntil, 10)
	} else {
		f["mutiny_cooldown_until"] = ""
	}
	return f
}

func roomStateFromFields(roomID string, fields map[string]string) RoomState {
	if len(fields) == 0 {
		return RoomState{Playback: models.StoppedPlayback()}
	}
	state := RoomState{
		CurrentDjID:  fields["current_dj_id"],
		ActiveVoteID: fields["active_vote_id"],
	}
	if raw := fields["mutiny_cooldown_until"]; raw != "" {
		state.MutinyCooldownUntil, _ = strconv.ParseInt(raw, 10, 64)
	}
	playback, err := models.PlaybackFromFields(fields)
	if err != nil {
		slog.Warn("malformed playback state, treating as stopped",
			"room_id", roomID, "error", err)
	}
	state.Playback = playback
	return state
}

// GetRoomState reads the room hash. A missing hash is a stopped room with an
// empty seat; a corrupted playback variant degrades to stopped.
func (c *Cache) GetRoomState(ctx context.Context, roomID string) (RoomState, error) {
	ctx, done := c.startOp(ctx, "get_room_state", attribute.String("room.id", roomID))
	fields, err := c.client.HGetAll(ctx, roomStateKey(roomID)).Result()
	done(err)
	if err != nil {
		return RoomState{}, err
	}
	return roomStateFromFields(roomID, fields), nil
}

// UpdateRoomState applies mutate under WATCH so the write only lands if the
// hash did not change between read and write. A lost race returns ErrConflict
// untouched; an error from mutate aborts the transaction and passes through.
func (c *Cache) UpdateRoomState(ctx context.Context, roomID string, mutate func(RoomState) (RoomState, error)) (RoomState, error) {
	ctx, done := c.startOp(ctx, "update_room_state", attribute.String("room.id", roomID))

	var next RoomState
	key := roomStateKey(roomID)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		next, err = mutate(roomStateFromFields(roomID, fields))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, next.toFields())
			return nil
		})
		return err
	}, key)
	done(err)

	if errors.Is(err, redis.TxFailedErr) {
		return RoomState{}, ErrConflict
	}
	if err != nil {
		return RoomState{}, err
	}
	return next, nil
}

// DeleteRoomState drops the room hash and its sibling keys when a room is
// archived.
func (c *Cache) DeleteRoomState(ctx context.Context, roomID string) error {
	ctx, done := c.startOp(ctx, "delete_room_state", attribute.String("room.id", roomID))
	err := c.client.Del(ctx, roomStateKey(roomID), roomConnectionsKey(roomID), djCooldownsKey(roomID)).Err()
	done(err)
	return err
}

// Cooldown deadlines only ever move forward; a stale writer must not rewind
// a fresher one.
var djCooldownScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur or tonumber(ARGV[2]) > tonumber(cur) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0`)

// SetDjCooldown records that userID may not retake the seat in roomID until
// untilMs. An earlier deadline never overwrites a later one.
func (c *Cache) SetDjCooldown(ctx context.Context, roomID, userID string, untilMs int64) error {
	ctx, done := c.startOp(ctx, "set_dj_cooldown", attribute.String("room.id", roomID))
	err := djCooldownScript.Run(ctx, c.client, []string{djCooldownsKey(roomID)}, userID, untilMs).Err()
	done(err)
	return err
}

// GetDjCooldown returns the unix-ms expiry of userID's seat cooldown, zero
// when none is recorded.
func (c *Cache) GetDjCooldown(ctx context.Context, roomID, userID string) (int64, error) {
	ctx, done := c.startOp(ctx, "get_dj_cooldown", attribute.String("room.id", roomID))
	raw, err := c.client.HGet(ctx, djCooldownsKey(roomID), userID).Result()
	done(err)
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return until, nil
}

// DjCooldowns returns every recorded seat cooldown for the room, keyed by
// user ID.
func (c *Cache) DjCooldowns(ctx context.Context, roomID string) (map[string]int64, error) {
	ctx, done := c.startOp(ctx, "dj_cooldowns", attribute.String("room.id", roomID))
	raw, err := c.client.HGetAll(ctx, djCooldownsKey(roomID)).Result()
	done(err)
	if err != nil {
		return nil, err
	}
	cooldowns := make(map[string]int64, len(raw))
	for userID, val := range raw {
		until, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		cooldowns[userID] = until
	}
	return cooldowns, nil
}

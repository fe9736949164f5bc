package playback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// StateStore is the slice of the KV store the coordinator needs.
type StateStore interface {
	GetRoomState(ctx context.Context, roomID string) (cache.RoomState, error)
	UpdateRoomState(ctx context.Context, roomID string, mutate func(cache.RoomState) (cache.RoomState, error)) (cache.RoomState, error)
}

// RttSource yields the worst round trip among a room's connections.
type RttSource interface {
	MaxRoomRtt(ctx context.Context, roomID string) (int64, error)
}

// Publisher fans an event out to every subscriber of the room's channel.
type Publisher interface {
	PublishEvent(ctx context.Context, roomID string, event string, data interface{}) error
}

// Broadcast payloads. Timestamps are unix milliseconds as observed on the
// server.
type StartEvent struct {
	TrackID           string `json:"trackId"`
	Position          int64  `json:"position"`
	StartAtServerTime int64  `json:"startAtServerTime"`
	TrackDuration     int64  `json:"trackDuration"`
	SyncBuffer        int64  `json:"syncBuffer"`
	ServerTimestamp   int64  `json:"serverTimestamp"`
}

type PauseEvent struct {
	Position        int64 `json:"position"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type StopEvent struct {
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type SyncEvent struct {
	TrackID           string `json:"trackId"`
	Position          int64  `json:"position"`
	StartAtServerTime int64  `json:"startAtServerTime"`
	ServerTimestamp   int64  `json:"serverTimestamp"`
}

type TrackEndedEvent struct {
	TrackID         string `json:"trackId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// Block is the playback section of a room:state snapshot. Paused and stopped
// rooms expose no track or position.
type Block struct {
	Playing           bool    `json:"playing"`
	TrackID           *string `json:"trackId"`
	StartAtServerTime *int64  `json:"startAtServerTime,omitempty"`
	CurrentPosition   *int64  `json:"currentPosition"`
	ServerTimestamp   int64   `json:"serverTimestamp"`
}

// errTickerStale aborts a CAS when the state a ticker observed is gone.
var errTickerStale = errors.New("playback state changed since tick read")

// Coordinator drives each room's playback state machine and its periodic
// sync broadcasts. All transitions go through the KV compare-and-set, so two
// racing DJs (or a DJ racing a track-end tick) cannot both win.
type Coordinator struct {
	state   StateStore
	rtt     RttSource
	pub     Publisher
	logger  *utils.Logger
	tickers *tickerRegistry

	defaultBufferMs int64
	maxBufferMs     int64
	rttMultiplier   int64
	tickInterval    time.Duration

	now func() int64 // unix ms
}

func NewCoordinator(state StateStore, rtt RttSource, pub Publisher, cfg *config.Config, logger *utils.Logger) *Coordinator {
	return &Coordinator{
		state:           state,
		rtt:             rtt,
		pub:             pub,
		logger:          logger,
		tickers:         newTickerRegistry(),
		defaultBufferMs: cfg.DefaultBufferMs,
		maxBufferMs:     cfg.MaxBufferMs,
		rttMultiplier:   cfg.RttMultiplier,
		tickInterval:    time.Duration(cfg.SyncTickMs) * time.Millisecond,
		now:             func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock. Tests only.
func (c *Coordinator) SetNowFunc(now func() int64) {
	c.now = now
}

// syncBuffer converts the room's worst round trip into the delay clients get
// to prefetch and schedule the track.
func (c *Coordinator) syncBuffer(maxRtt int64) int64 {
	buffer := c.rttMultiplier * maxRtt
	if buffer < c.defaultBufferMs {
		buffer = c.defaultBufferMs
	}
	if buffer > c.maxBufferMs {
		buffer = c.maxBufferMs
	}
	return buffer
}

func (c *Coordinator) requireDj(state cache.RoomState, userID uuid.UUID) error {
	if state.CurrentDjID != userID.String() {
		return utils.Unauthorized("only the current DJ can control playback")
	}
	return nil
}

// Start schedules trackID to begin at now+syncBuffer on every client and
// begins the room's sync ticker. Allowed from any state; a playing room
// simply switches tracks.
func (c *Coordinator) Start(ctx context.Context, roomID, userID uuid.UUID, trackID string, startPositionMs, durationMs int64) error {
	maxRtt, err := c.rtt.MaxRoomRtt(ctx, roomID.String())
	if err != nil {
		return err
	}
	buffer := c.syncBuffer(maxRtt)
	nowMs := c.now()
	startAt := nowMs + buffer

	_, err = c.state.UpdateRoomState(ctx, roomID.String(), func(state cache.RoomState) (cache.RoomState, error) {
		if err := c.requireDj(state, userID); err != nil {
			return state, err
		}
		state.Playback = models.Playback{
			State:             models.PlaybackPlaying,
			TrackID:           trackID,
			StartAtServerTime: startAt,
			InitialPositionMs: startPositionMs,
			DurationMs:        durationMs,
			SyncBufferMs:      buffer,
		}
		return state, nil
	})
	if err != nil {
		return translateStateErr(err)
	}

	c.broadcast(ctx, roomID, "playback:start", StartEvent{
		TrackID:           trackID,
		Position:          startPositionMs,
		StartAtServerTime: startAt,
		TrackDuration:     durationMs,
		SyncBuffer:        buffer,
		ServerTimestamp:   nowMs,
	})
	c.tickers.start(roomID.String(), c.tickInterval, func(tickCtx context.Context) bool {
		return c.tick(tickCtx, roomID)
	})
	return nil
}

// Pause freezes the room at a position. The client may name the position it
// hears; otherwise the server derives it from the schedule.
func (c *Coordinator) Pause(ctx context.Context, roomID, userID uuid.UUID, positionMs *int64) error {
	nowMs := c.now()
	var paused int64

	_, err := c.state.UpdateRoomState(ctx, roomID.String(), func(state cache.RoomState) (cache.RoomState, error) {
		if err := c.requireDj(state, userID); err != nil {
			return state, err
		}
		if state.Playback.State != models.PlaybackPlaying {
			return state, utils.Conflict("playback is not playing")
		}
		paused = state.Playback.PositionAt(nowMs)
		if positionMs != nil {
			paused = *positionMs
		}
		if paused < 0 {
			paused = 0
		}
		if state.Playback.DurationMs > 0 && paused > state.Playback.DurationMs {
			paused = state.Playback.DurationMs
		}
		state.Playback = models.Playback{State: models.PlaybackPaused, PositionMs: paused}
		return state, nil
	})
	if err != nil {
		return translateStateErr(err)
	}

	c.broadcast(ctx, roomID, "playback:pause", PauseEvent{Position: paused, ServerTimestamp: nowMs})
	c.tickers.stop(roomID.String())
	return nil
}

// Stop clears the room back to silence.
func (c *Coordinator) Stop(ctx context.Context, roomID, userID uuid.UUID) error {
	nowMs := c.now()

	_, err := c.state.UpdateRoomState(ctx, roomID.String(), func(state cache.RoomState) (cache.RoomState, error) {
		if err := c.requireDj(state, userID); err != nil {
			return state, err
		}
		if state.Playback.State == models.PlaybackStopped {
			return state, utils.Conflict("playback is already stopped")
		}
		state.Playback = models.StoppedPlayback()
		return state, nil
	})
	if err != nil {
		return translateStateErr(err)
	}

	c.broadcast(ctx, roomID, "playback:stop", StopEvent{ServerTimestamp: nowMs})
	c.tickers.stop(roomID.String())
	return nil
}

// Snapshot builds the playback block for a room:state snapshot. Corrupt
// stored state has already degraded to stopped by the time it gets here.
func (c *Coordinator) Snapshot(ctx context.Context, roomID uuid.UUID) (Block, error) {
	state, err := c.state.GetRoomState(ctx, roomID.String())
	if err != nil {
		return Block{}, utils.Internal("failed to read room state", err)
	}

	nowMs := c.now()
	if state.Playback.State != models.PlaybackPlaying {
		return Block{Playing: false, ServerTimestamp: nowMs}, nil
	}

	trackID := state.Playback.TrackID
	startAt := state.Playback.StartAtServerTime
	position := state.Playback.PositionAt(nowMs)
	return Block{
		Playing:           true,
		TrackID:           &trackID,
		StartAtServerTime: &startAt,
		CurrentPosition:   &position,
		ServerTimestamp:   nowMs,
	}, nil
}

// tick is one fire of a room's sync ticker. Returning false stops the
// ticker. Transient read errors keep it alive; the next fire retries.
func (c *Coordinator) tick(ctx context.Context, roomID uuid.UUID) bool {
	state, err := c.state.GetRoomState(ctx, roomID.String())
	if err != nil {
		c.logger.Error(ctx, "sync tick failed to read room state", "room_id", roomID.String(), "error", err)
		return true
	}
	playback := state.Playback
	if playback.State != models.PlaybackPlaying || playback.TrackID == "" {
		return false
	}

	nowMs := c.now()
	if playback.EndedAt(nowMs) {
		return c.endTrack(ctx, roomID, playback.TrackID, nowMs)
	}

	c.broadcast(ctx, roomID, "playback:sync", SyncEvent{
		TrackID:           playback.TrackID,
		Position:          playback.PositionAt(nowMs),
		StartAtServerTime: playback.StartAtServerTime,
		ServerTimestamp:   nowMs,
	})
	return true
}

// endTrack transitions the room to stopped when the schedule ran past the
// track's duration. The CAS makes sure only one actor announces the end.
func (c *Coordinator) endTrack(ctx context.Context, roomID uuid.UUID, trackID string, nowMs int64) bool {
	_, err := c.state.UpdateRoomState(ctx, roomID.String(), func(state cache.RoomState) (cache.RoomState, error) {
		if state.Playback.State != models.PlaybackPlaying || state.Playback.TrackID != trackID {
			return state, errTickerStale
		}
		state.Playback = models.StoppedPlayback()
		return state, nil
	})
	if err != nil {
		if !errors.Is(err, errTickerStale) && !errors.Is(err, cache.ErrConflict) {
			c.logger.Error(ctx, "failed to settle track end", "room_id", roomID.String(), "error", err)
		}
		return false
	}

	c.broadcast(ctx, roomID, "track:ended", TrackEndedEvent{TrackID: trackID, ServerTimestamp: nowMs})
	return false
}

// StopRoomTicker cancels the room's ticker if one is running.
func (c *Coordinator) StopRoomTicker(roomID uuid.UUID) {
	c.tickers.stop(roomID.String())
}

// TickerActive reports whether the room has a live sync ticker.
func (c *Coordinator) TickerActive(roomID uuid.UUID) bool {
	return c.tickers.active(roomID.String())
}

// Shutdown cancels every ticker and waits for them to wind down.
func (c *Coordinator) Shutdown() {
	c.tickers.stopAll()
}

// broadcast publishes an event on the room channel. Failures are logged and
// swallowed; broadcast trouble never fails the operation that caused it.
func (c *Coordinator) broadcast(ctx context.Context, roomID uuid.UUID, event string, data interface{}) {
	if err := c.pub.PublishEvent(ctx, roomID.String(), event, data); err != nil {
		c.logger.Error(ctx, "failed to publish playback event",
			"event", event, "room_id", roomID.String(), "error", err)
	}
}

// translateStateErr maps the CAS conflict onto the client-visible taxonomy
// and wraps everything else as internal.
func translateStateErr(err error) error {
	if errors.Is(err, cache.ErrConflict) {
		return utils.Conflict("room state changed concurrently, retry")
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return utils.Internal("room state update failed", err)
}

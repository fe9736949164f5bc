package models

import (
	"fmt"
	"strconv"
)

// PlaybackState tags the playback variant stored for a room.
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stopped"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackPlaying PlaybackState = "playing"
)

// Playback is the room's transport state. Exactly one variant is live at a
// time: stopped carries nothing, paused carries PositionMs, playing carries
// the track plus the scheduled server start time. Position is never stored
// while playing; clients and the sync ticker derive it from the start time.
type Playback struct {
	State PlaybackState `json:"state"`

	// playing
	TrackID           string `json:"track_id,omitempty"`
	StartAtServerTime int64  `json:"start_at_server_time,omitempty"` // unix ms
	InitialPositionMs int64  `json:"initial_position_ms,omitempty"`
	DurationMs        int64  `json:"duration_ms,omitempty"`
	SyncBufferMs      int64  `json:"sync_buffer_ms,omitempty"`

	// paused
	PositionMs int64 `json:"position_ms,omitempty"`
}

// StoppedPlayback returns the zero variant every room starts in.
func StoppedPlayback() Playback {
	return Playback{State: PlaybackStopped}
}

// PositionAt derives the playhead position at nowMs for a playing state.
// Before the scheduled start the position is still the initial position.
func (p Playback) PositionAt(nowMs int64) int64 {
	if p.State != PlaybackPlaying {
		if p.State == PlaybackPaused {
			return p.PositionMs
		}
		return 0
	}
	elapsed := nowMs - p.StartAtServerTime
	if elapsed < 0 {
		elapsed = 0
	}
	return p.InitialPositionMs + elapsed
}

// EndedAt reports whether the track has run past its duration at nowMs.
func (p Playback) EndedAt(nowMs int64) bool {
	return p.State == PlaybackPlaying && p.DurationMs > 0 && p.PositionAt(nowMs) >= p.DurationMs
}

// ToFields flattens the variant into KV hash fields. Fields from other
// variants are written as empty strings so a transition overwrites leftovers.
func (p Playback) ToFields() map[string]string {
	f := map[string]string{
		"playback_state":       string(p.State),
		"track_id":             "",
		"start_at_server_time": "",
		"initial_position_ms":  "",
		"duration_ms":          "",
		"sync_buffer_ms":       "",
		"position_ms":          "",
	}
	switch p.State {
	case PlaybackPlaying:
		f["track_id"] = p.TrackID
		f["start_at_server_time"] = strconv.FormatInt(p.StartAtServerTime, 10)
		f["initial_position_ms"] = strconv.FormatInt(p.InitialPositionMs, 10)
		f["duration_ms"] = strconv.FormatInt(p.DurationMs, 10)
		f["sync_buffer_ms"] = strconv.FormatInt(p.SyncBufferMs, 10)
	case PlaybackPaused:
		f["position_ms"] = strconv.FormatInt(p.PositionMs, 10)
	}
	return f
}

// PlaybackFromFields rebuilds the variant from KV hash fields. A missing or
// unknown state tag, or a playing state with unparsable numbers, is an error;
// callers fall back to stopped and log it rather than crash the room.
func PlaybackFromFields(fields map[string]string) (Playback, error) {
	state := PlaybackState(fields["playback_state"])
	switch state {
	case PlaybackStopped, "":
		if state == "" {
			return StoppedPlayback(), fmt.Errorf("playback state missing")
		}
		return StoppedPlayback(), nil
	case PlaybackPaused:
		pos, err := strconv.ParseInt(fields["position_ms"], 10, 64)
		if err != nil {
			return StoppedPlayback(), fmt.Errorf("paused position %q: %w", fields["position_ms"], err)
		}
		return Playback{State: PlaybackPaused, PositionMs: pos}, nil
	case PlaybackPlaying:
		p := Playback{State: PlaybackPlaying, TrackID: fields["track_id"]}
		if p.TrackID == "" {
			return StoppedPlayback(), fmt.Errorf("playing state without track id")
		}
		var err error
		if p.StartAtServerTime, err = strconv.ParseInt(fields["start_at_server_time"], 10, 64); err != nil {
			return StoppedPlayback(), fmt.Errorf("start_at_server_time %q: %w", fields["start_at_server_time"], err)
		}
		if p.InitialPositionMs, err = strconv.ParseInt(fields["initial_position_ms"], 10, 64); err != nil {
			return StoppedPlayback(), fmt.Errorf("initial_position_ms %q: %w", fields["initial_position_ms"], err)
		}
		if p.DurationMs, err = strconv.ParseInt(fields["duration_ms"], 10, 64); err != nil {
			return StoppedPlayback(), fmt.Errorf("duration_ms %q: %w", fields["duration_ms"], err)
		}
		if p.SyncBufferMs, err = strconv.ParseInt(fields["sync_buffer_ms"], 10, 64); err != nil {
			return StoppedPlayback(), fmt.Errorf("sync_buffer_ms %q: %w", fields["sync_buffer_ms"], err)
		}
		return p, nil
	default:
		return StoppedPlayback(), fmt.Errorf("unknown playback state %q", state)
	}
}

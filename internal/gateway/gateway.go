package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dukepan/dj-rooms-back/internal/clocksync"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Every inbound event must finish inside this window or the originator gets
// a timeout error. Writes past this point are abandoned; CAS guards and
// unique constraints keep a retry harmless.
const eventTimeout = 5 * time.Second

var (
	inboundEvents   metric.Int64Counter
	metricsInitOnce sync.Once
	metricsInitErr  error
)

func initMetrics() error {
	metricsInitOnce.Do(func() {
		meter := otel.Meter("event-gateway")
		inboundEvents, metricsInitErr = meter.Int64Counter("gateway.events.inbound",
			metric.WithDescription("Inbound WebSocket events by type"))
	})
	if metricsInitErr != nil {
		return fmt.Errorf("failed to create gateway.events.inbound instrument: %w", metricsInitErr)
	}
	return nil
}

// Sessions is the presence side of the connection lifecycle.
type Sessions interface {
	JoinRoom(ctx context.Context, client *rooms.Client, roomCode string) error
	LeaveRoom(ctx context.Context, client *rooms.Client, roomCode string) error
	Disconnected(ctx context.Context, client *rooms.Client)
}

// Playback is the DJ-gated playback surface.
type Playback interface {
	Start(ctx context.Context, roomID, userID uuid.UUID, trackID string, startPositionMs, durationMs int64) error
	Pause(ctx context.Context, roomID, userID uuid.UUID, positionMs *int64) error
	Stop(ctx context.Context, roomID, userID uuid.UUID) error
}

// Votes is the democratic control surface: elections, mutinies, randomize.
type Votes interface {
	StartElection(ctx context.Context, room *models.Room, starterID uuid.UUID) error
	StartMutiny(ctx context.Context, room *models.Room, starterID uuid.UUID) error
	CastElectionVote(ctx context.Context, voterID uuid.UUID, sessionID, targetUserID string) error
	CastMutinyVote(ctx context.Context, voterID uuid.UUID, sessionID string, approve bool) error
	RandomizeDj(ctx context.Context, room *models.Room, requesterID uuid.UUID) error
}

// ClockSync answers ping exchanges and accepts sync reports.
type ClockSync interface {
	Ping(ctx context.Context, clientT0 int64) (clocksync.PingResult, error)
	Report(ctx context.Context, connID string, offsetMs, rttMs int64) error
}

// Repository is the durable slice the gateway reads directly: room lookup
// and the membership check guarding chat.
type Repository interface {
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
}

// Store refreshes connection liveness on inbound traffic.
type Store interface {
	TouchConnection(ctx context.Context, connID string, ttl time.Duration) error
}

// ChatQueue accepts chat rows for asynchronous persistence.
type ChatQueue interface {
	Enqueue(msg *models.ChatMessage) bool
}

// Publisher fans an event out to every subscriber of a room topic.
type Publisher interface {
	PublishEvent(ctx context.Context, roomID string, event string, data interface{}) error
}

// Deps bundles the components the gateway routes to.
type Deps struct {
	Sessions Sessions
	Playback Playback
	Votes    Votes
	Clock    ClockSync
	Repo     Repository
	Store    Store
	Chat     ChatQueue
	Pub      Publisher
}

// Gateway decodes inbound frames, enforces payload bounds, and hands each
// event to the component that owns it. It keeps no room state of its own;
// errors go back to the originator only, never to the room.
type Gateway struct {
	deps    Deps
	logger  *utils.Logger
	connTTL time.Duration
	now     func() time.Time
}

func NewGateway(deps Deps, cfg *config.Config, logger *utils.Logger) (*Gateway, error) {
	if err := initMetrics(); err != nil {
		return nil, err
	}
	return &Gateway{
		deps:    deps,
		logger:  logger,
		connTTL: time.Duration(cfg.ConnectionTTLSeconds) * time.Second,
		now:     time.Now,
	}, nil
}

// SetNowFunc overrides the clock. Tests only.
func (g *Gateway) SetNowFunc(now func() time.Time) { g.now = now }

// inboundEnvelope is the wire frame for client events.
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Dispatch handles one inbound frame. The read pump calls it serially per
// connection, so a connection's events keep their arrival order.
func (g *Gateway) Dispatch(ctx context.Context, client *rooms.Client, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	env, err := decodeEnvelope(payload)
	if err != nil {
		g.replyError(client, "", err)
		return
	}
	inboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))

	if err := g.deps.Store.TouchConnection(ctx, client.ConnID, g.connTTL); err != nil {
		g.logger.Debug(ctx, "failed to refresh connection ttl", "connId", client.ConnID, "error", err)
	}

	err = g.route(ctx, client, env)
	if err != nil && g.shouldRetry(ctx, err) {
		g.logger.Info(ctx, "retrying event after transient failure", "event", env.Event, "error", err)
		err = g.route(ctx, client, env)
	}
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = utils.Timeout("event took too long to process")
	}
	g.logEventError(ctx, client, env.Event, err)
	g.replyError(client, env.Event, err)
}

// Disconnected is called once by the read pump when the connection dies.
func (g *Gateway) Disconnected(ctx context.Context, client *rooms.Client) {
	g.deps.Sessions.Disconnected(ctx, client)
}

func (g *Gateway) route(ctx context.Context, client *rooms.Client, env inboundEnvelope) error {
	switch env.Event {
	case "room:join":
		var in roomRef
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		return g.deps.Sessions.JoinRoom(ctx, client, in.RoomCode)

	case "room:leave":
		var in roomRef
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		return g.deps.Sessions.LeaveRoom(ctx, client, in.RoomCode)

	case "chat:message":
		return g.handleChat(ctx, client, env.Data)

	case "sync:ping":
		var in syncPingIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		res, err := g.deps.Clock.Ping(ctx, in.ClientT0)
		if err != nil {
			return err
		}
		client.SendEvent("sync:pong", res)
		return nil

	case "sync:report":
		var in syncReportIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		return g.deps.Clock.Report(ctx, client.ConnID, in.OffsetMs, in.RttMs)

	case "playback:start":
		var in playbackStartIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		room, err := g.resolveRoom(ctx, in.RoomCode)
		if err != nil {
			return err
		}
		return g.deps.Playback.Start(ctx, room.ID, client.UserID, in.TrackID, in.startPosition(), in.TrackDuration)

	case "playback:pause":
		var in playbackPauseIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		room, err := g.resolveRoom(ctx, in.RoomCode)
		if err != nil {
			return err
		}
		return g.deps.Playback.Pause(ctx, room.ID, client.UserID, in.Position)

	case "playback:stop":
		var in roomRef
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		room, err := g.resolveRoom(ctx, in.RoomCode)
		if err != nil {
			return err
		}
		return g.deps.Playback.Stop(ctx, room.ID, client.UserID)

	case "vote:start-election":
		room, err := g.decodeRoomRef(ctx, env.Data)
		if err != nil {
			return err
		}
		return g.deps.Votes.StartElection(ctx, room, client.UserID)

	case "vote:cast-dj":
		var in voteCastDjIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		return g.deps.Votes.CastElectionVote(ctx, client.UserID, in.VoteSessionID, in.TargetUserID)

	case "vote:start-mutiny":
		room, err := g.decodeRoomRef(ctx, env.Data)
		if err != nil {
			return err
		}
		return g.deps.Votes.StartMutiny(ctx, room, client.UserID)

	case "vote:cast-mutiny":
		var in voteCastMutinyIn
		if err := decodeData(env.Data, &in); err != nil {
			return err
		}
		if err := in.validate(); err != nil {
			return err
		}
		return g.deps.Votes.CastMutinyVote(ctx, client.UserID, in.VoteSessionID, in.approve())

	case "dj:randomize":
		room, err := g.decodeRoomRef(ctx, env.Data)
		if err != nil {
			return err
		}
		return g.deps.Votes.RandomizeDj(ctx, room, client.UserID)

	default:
		return utils.InvalidInput(fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (g *Gateway) handleChat(ctx context.Context, client *rooms.Client, data json.RawMessage) error {
	var in chatMessageIn
	if err := decodeData(data, &in); err != nil {
		return err
	}
	if err := in.validate(); err != nil {
		return err
	}
	room, err := g.resolveRoom(ctx, in.RoomCode)
	if err != nil {
		return err
	}
	member, err := g.deps.Repo.IsRoomMember(ctx, room.ID, client.UserID)
	if err != nil {
		return utils.Internal("failed to check room membership", err)
	}
	if !member {
		return utils.Unauthorized("you are not a member of this room")
	}

	content := sanitizeChat(in.Content)
	if content == "" {
		return utils.InvalidInput("message is empty after sanitization")
	}

	now := g.now()
	msg := &models.ChatMessage{
		RoomID:    room.ID,
		UserID:    client.UserID,
		Content:   content,
		CreatedAt: now,
	}
	if !g.deps.Chat.Enqueue(msg) {
		return utils.Internal("chat pipeline is saturated", nil)
	}

	// The row is queued for persistence; a broadcast failure from here on is
	// logged rather than returned so a retry cannot enqueue the message twice.
	g.broadcast(ctx, room.ID.String(), "chat:message", &ChatMessageEvent{
		RoomID:          room.ID.String(),
		UserID:          client.UserID.String(),
		Username:        client.Username,
		Content:         content,
		ServerTimestamp: now.UnixMilli(),
	})
	return nil
}

// decodeRoomRef handles the events whose payload is just {roomCode} and whose
// handler wants the resolved room.
func (g *Gateway) decodeRoomRef(ctx context.Context, data json.RawMessage) (*models.Room, error) {
	var in roomRef
	if err := decodeData(data, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return g.resolveRoom(ctx, in.RoomCode)
}

func (g *Gateway) resolveRoom(ctx context.Context, roomCode string) (*models.Room, error) {
	room, err := g.deps.Repo.GetRoomByCode(ctx, roomCode)
	if err != nil {
		return nil, utils.Internal("failed to look up room", err)
	}
	if room == nil {
		return nil, utils.NotFound("room not found")
	}
	return room, nil
}

// shouldRetry reports whether err looks like a transient infrastructure
// failure worth one more attempt. Classified client errors are final.
func (g *Gateway) shouldRetry(ctx context.Context, err error) bool {
	if utils.KindOf(err) != utils.KindInternal {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return ctx.Err() == nil
}

// replyError sends a typed error event to the originating connection only.
func (g *Gateway) replyError(client *rooms.Client, event string, err error) {
	client.SendEvent("error", &ErrorEvent{
		Event:   event,
		Kind:    string(utils.KindOf(err)),
		Message: utils.ClientMessage(err),
	})
}

func (g *Gateway) logEventError(ctx context.Context, client *rooms.Client, event string, err error) {
	if utils.KindOf(err) == utils.KindInternal {
		g.logger.Error(ctx, "event handler failed", "event", event, "userId", client.UserID.String(), "error", err)
		return
	}
	g.logger.Debug(ctx, "event rejected",
		"event", event,
		"userId", client.UserID.String(),
		"kind", string(utils.KindOf(err)),
		"error", err,
	)
}

func (g *Gateway) broadcast(ctx context.Context, roomID, event string, data interface{}) {
	if err := g.deps.Pub.PublishEvent(ctx, roomID, event, data); err != nil {
		g.logger.Error(ctx, "failed to broadcast event", "roomId", roomID, "event", event, "error", err)
	}
}

func decodeEnvelope(payload []byte) (inboundEnvelope, error) {
	var env inboundEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return env, utils.InvalidInput("malformed event envelope")
	}
	if env.Event == "" {
		return env, utils.InvalidInput("event name is required")
	}
	return env, nil
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.InvalidInput("invalid event payload")
	}
	return nil
}

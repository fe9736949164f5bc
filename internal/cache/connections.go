package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// ConnInfo is the identity hash bound to a live WebSocket connection.
type ConnInfo struct {
	UserID      string
	Username    string
	ConnectedAt int64 // unix ms
}

// SyncReport is a client's own measurement of its clock offset and round
// trip, stored verbatim.
type SyncReport struct {
	OffsetMs   int64 `json:"offset_ms"`
	RttMs      int64 `json:"rtt_ms"`
	ReportedAt int64 `json:"reported_at"`
}

// RegisterConnection writes the identity hash for a fresh connection with the
// session TTL.
func (c *Cache) RegisterConnection(ctx context.Context, connID string, info ConnInfo, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "register_connection", attribute.String("conn.id", connID))
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, connKey(connID), map[string]string{
		"user_id":      info.UserID,
		"username":     info.Username,
		"connected_at": strconv.FormatInt(info.ConnectedAt, 10),
	})
	pipe.Expire(ctx, connKey(connID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// TouchConnection refreshes the connection TTLs. Called on every inbound
// event, so an idle-but-alive connection never expires out from under the
// client.
func (c *Cache) TouchConnection(ctx context.Context, connID string, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "touch_connection", attribute.String("conn.id", connID))
	pipe := c.client.TxPipeline()
	pipe.Expire(ctx, connKey(connID), ttl)
	pipe.Expire(ctx, connRoomsKey(connID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// GetConnection reads a connection's identity hash. A missing hash returns
// nil without error.
func (c *Cache) GetConnection(ctx context.Context, connID string) (*ConnInfo, error) {
	ctx, done := c.startOp(ctx, "get_connection", attribute.String("conn.id", connID))
	fields, err := c.client.HGetAll(ctx, connKey(connID)).Result()
	done(err)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	info := &ConnInfo{
		UserID:   fields["user_id"],
		Username: fields["username"],
	}
	info.ConnectedAt, _ = strconv.ParseInt(fields["connected_at"], 10, 64)
	return info, nil
}

// RemoveConnection drops every key owned by the connection.
func (c *Cache) RemoveConnection(ctx context.Context, connID string) error {
	ctx, done := c.startOp(ctx, "remove_connection", attribute.String("conn.id", connID))
	err := c.client.Del(ctx, connKey(connID), connRoomsKey(connID), syncReportKey(connID)).Err()
	done(err)
	return err
}

// AddConnectionToRoom links the connection and room membership sets both
// ways.
func (c *Cache) AddConnectionToRoom(ctx context.Context, connID, roomID string, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "add_connection_to_room",
		attribute.String("conn.id", connID), attribute.String("room.id", roomID))
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, roomConnectionsKey(roomID), connID)
	pipe.SAdd(ctx, connRoomsKey(connID), roomID)
	pipe.Expire(ctx, connRoomsKey(connID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// RemoveConnectionFromRoom unlinks both membership sets.
func (c *Cache) RemoveConnectionFromRoom(ctx context.Context, connID, roomID string) error {
	ctx, done := c.startOp(ctx, "remove_connection_from_room",
		attribute.String("conn.id", connID), attribute.String("room.id", roomID))
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, roomConnectionsKey(roomID), connID)
	pipe.SRem(ctx, connRoomsKey(connID), roomID)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// ConnectionRooms lists the rooms this connection has joined.
func (c *Cache) ConnectionRooms(ctx context.Context, connID string) ([]string, error) {
	ctx, done := c.startOp(ctx, "connection_rooms", attribute.String("conn.id", connID))
	rooms, err := c.client.SMembers(ctx, connRoomsKey(connID)).Result()
	done(err)
	return rooms, err
}

// RoomConnections lists the live connection IDs in a room.
func (c *Cache) RoomConnections(ctx context.Context, roomID string) ([]string, error) {
	ctx, done := c.startOp(ctx, "room_connections", attribute.String("room.id", roomID))
	conns, err := c.client.SMembers(ctx, roomConnectionsKey(roomID)).Result()
	done(err)
	return conns, err
}

// RoomConnection pairs a connection ID with its identity hash.
type RoomConnection struct {
	ConnID string
	ConnInfo
}

// RoomConnectionInfos loads the identity of every live connection in the
// room with one membership read and one pipeline.
func (c *Cache) RoomConnectionInfos(ctx context.Context, roomID string) ([]RoomConnection, error) {
	ctx, done := c.startOp(ctx, "room_connection_infos", attribute.String("room.id", roomID))

	connIDs, err := c.client.SMembers(ctx, roomConnectionsKey(roomID)).Result()
	if err != nil {
		done(err)
		return nil, err
	}
	if len(connIDs) == 0 {
		done(nil)
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(connIDs))
	for i, connID := range connIDs {
		cmds[i] = pipe.HGetAll(ctx, connKey(connID))
	}
	_, err = pipe.Exec(ctx)
	done(err)
	if err != nil {
		return nil, err
	}

	conns := make([]RoomConnection, 0, len(connIDs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // identity hash expired; the set entry is stale
		}
		conn := RoomConnection{ConnID: connIDs[i]}
		conn.UserID = fields["user_id"]
		conn.Username = fields["username"]
		conn.ConnectedAt, _ = strconv.ParseInt(fields["connected_at"], 10, 64)
		conns = append(conns, conn)
	}
	return conns, nil
}

// StoreSyncReport keeps the client's latest measurement for the connection
// TTL. A client that stops reporting stops influencing room buffers once the
// key lapses.
func (c *Cache) StoreSyncReport(ctx context.Context, connID string, report SyncReport, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "store_sync_report", attribute.String("conn.id", connID))
	data, err := json.Marshal(report)
	if err != nil {
		done(err)
		return fmt.Errorf("failed to marshal sync report: %w", err)
	}
	err = c.client.Set(ctx, syncReportKey(connID), data, ttl).Err()
	done(err)
	return err
}

// GetSyncReport reads one connection's latest measurement, nil when none is
// fresh.
func (c *Cache) GetSyncReport(ctx context.Context, connID string) (*SyncReport, error) {
	ctx, done := c.startOp(ctx, "get_sync_report", attribute.String("conn.id", connID))
	data, err := c.client.Get(ctx, syncReportKey(connID)).Result()
	done(err)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report SyncReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync report: %w", err)
	}
	return &report, nil
}

// RoomSyncReports fetches the fresh sync reports for every connection in the
// room with one membership read and one MGET. It never scans beyond the
// room's own connection set.
func (c *Cache) RoomSyncReports(ctx context.Context, roomID string) ([]SyncReport, error) {
	ctx, done := c.startOp(ctx, "room_sync_reports", attribute.String("room.id", roomID))

	connIDs, err := c.client.SMembers(ctx, roomConnectionsKey(roomID)).Result()
	if err != nil {
		done(err)
		return nil, err
	}
	if len(connIDs) == 0 {
		done(nil)
		return nil, nil
	}

	keys := make([]string, len(connIDs))
	for i, connID := range connIDs {
		keys[i] = syncReportKey(connID)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	done(err)
	if err != nil {
		return nil, err
	}

	reports := make([]SyncReport, 0, len(values))
	for _, val := range values {
		raw, ok := val.(string)
		if !ok {
			continue // expired or never reported
		}
		var report SyncReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxpgconn "github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUserExists signals a username collision on signup.
	ErrUserExists = errors.New("username already taken")
	// ErrRoomFull signals the member cap was hit on join.
	ErrRoomFull = errors.New("room is at its member limit")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgxpgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// noRows maps pgx's missing-row error to a nil record so callers never
// import pgx just to distinguish absent from broken.
func noRows[T any](rec *T, err error) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// User queries
func (db *Database) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, display_name, last_seen, created_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.LastSeen, &user.CreatedAt)
	return noRows(&user, err)
}

func (db *Database) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, display_name, password_hash, last_seen, created_at
		 FROM users WHERE username = $1`,
		username,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.LastSeen, &user.CreatedAt)
	return noRows(&user, err)
}

func (db *Database) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, display_name, password_hash)
		 VALUES ($1, $2, $3, $4) RETURNING last_seen, created_at`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash,
	).Scan(&user.LastSeen, &user.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *Database) UpdateUserLastSeen(ctx context.Context, userID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE users SET last_seen = NOW() WHERE id = $1`,
		userID,
	)
	return err
}

// Room queries
const roomColumns = `id, name, code, owner_id, current_dj_id, settings, active_vote_id, is_archived, created_at`

func scanRoom(row interface{ Scan(...interface{}) error }) (*models.Room, error) {
	var room models.Room
	err := row.Scan(&room.ID, &room.Name, &room.Code, &room.OwnerID, &room.CurrentDjID,
		&room.Settings, &room.ActiveVoteID, &room.IsArchived, &room.CreatedAt)
	return &room, err
}

// GetRoomByID returns the room, nil when it does not exist.
func (db *Database) GetRoomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	room, err := scanRoom(db.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`,
		roomID,
	))
	return noRows(room, err)
}

// GetRoomByCode resolves a join code to its room, nil when no live room
// carries it. Codes are stored upper-case.
func (db *Database) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := scanRoom(db.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE code = $1 AND is_archived = false`,
		strings.ToUpper(code),
	))
	return noRows(room, err)
}

func (db *Database) GetRoomsByUser(ctx context.Context, userID uuid.UUID) ([]models.Room, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.id, r.name, r.code, r.owner_id, r.current_dj_id, r.settings, r.active_vote_id, r.is_archived, r.created_at
		 FROM rooms r
		 INNER JOIN room_members rm ON r.id = rm.room_id
		 WHERE rm.user_id = $1 AND r.is_archived = false
		 ORDER BY r.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// generateRoomCode returns a 6-character invite code.
func generateRoomCode() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func (db *Database) CreateRoom(ctx context.Context, name string, ownerID uuid.UUID, settings models.RoomSettings) (*models.Room, error) {
	room := &models.Room{
		ID:       uuid.New(),
		Name:     name,
		OwnerID:  ownerID,
		Settings: settings,
	}

	// Retry on the rare code collision.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := generateRoomCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate room code: %w", err)
		}
		room.Code = code

		tx, err := db.Begin(ctx)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO rooms (id, name, code, owner_id, settings) VALUES ($1, $2, $3, $4, $5)`,
			room.ID, room.Name, room.Code, room.OwnerID, room.Settings,
		)
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			continue
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if _, err = tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, role) VALUES ($1, $2, 'owner')`,
			room.ID, room.OwnerID,
		); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if err = tx.Commit(ctx); err != nil {
			return nil, err
		}
		return room, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique room code")
}

func (db *Database) UpdateRoomSettings(ctx context.Context, roomID uuid.UUID, settings models.RoomSettings) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rooms SET settings = $1 WHERE id = $2`,
		settings, roomID,
	)
	return err
}

func (db *Database) ArchiveRoom(ctx context.Context, roomID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rooms SET is_archived = true WHERE id = $1`,
		roomID,
	)
	return err
}

// Room member queries
func (db *Database) AddRoomMember(ctx context.Context, roomID, userID uuid.UUID, role string, maxMembers int) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role)
		 SELECT $1, $2, $3
		 WHERE (SELECT COUNT(*) FROM room_members WHERE room_id = $1) < $4
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID, role, maxMembers,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either already a member (fine, join is idempotent) or the cap hit.
		isMember, err := db.IsRoomMember(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if !isMember {
			return ErrRoomFull
		}
	}
	return nil
}

func (db *Database) RemoveRoomMember(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	return err
}

func (db *Database) IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	return exists, err
}

func (db *Database) CountRoomMembers(ctx context.Context, roomID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = $1`,
		roomID,
	).Scan(&count)
	return count, err
}

func (db *Database) GetRoomMemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *Database) GetRoomMembers(ctx context.Context, roomID uuid.UUID) ([]models.RoomMemberInfo, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT rm.user_id, u.username, rm.role, rm.joined_at
		 FROM room_members rm
		 INNER JOIN users u ON u.id = rm.user_id
		 WHERE rm.room_id = $1
		 ORDER BY rm.joined_at ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.RoomMemberInfo
	for rows.Next() {
		var m models.RoomMemberInfo
		if err := rows.Scan(&m.UserID, &m.Username, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Chat queries
func (db *Database) CreateChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	return db.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (room_id, user_id, content)
		 VALUES ($1, $2, $3) RETURNING id, created_at`,
		msg.RoomID, msg.UserID, msg.Content,
	).Scan(&msg.ID, &msg.CreatedAt)
}

// InsertChatMessages persists a whole batch in one round trip, inside a
// transaction so a retried batch never lands twice. Timestamps come from the
// caller; the broadcast already used them.
func (db *Database) InsertChatMessages(ctx context.Context, batch []*models.ChatMessage) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, msg := range batch {
		b.Queue(
			`INSERT INTO chat_messages (room_id, user_id, content, created_at) VALUES ($1, $2, $3, $4)`,
			msg.RoomID, msg.UserID, msg.Content, msg.CreatedAt,
		)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (db *Database) GetRoomChatMessages(ctx context.Context, roomID uuid.UUID, limit int, before int64) ([]models.ChatMessage, error) {
	query := `SELECT id, room_id, user_id, content, created_at
	          FROM chat_messages
	          WHERE room_id = $1`
	args := []interface{}{roomID}

	if before > 0 {
		query += ` AND id < $2`
		args = append(args, before)
	}

	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

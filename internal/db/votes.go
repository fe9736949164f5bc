package db

import (
	"context"
	"errors"

	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrDuplicateVote signals the voter already has a ballot in the session.
	ErrDuplicateVote = errors.New("voter already cast a ballot in this session")
	// ErrActiveVoteExists signals the room already has an active session.
	ErrActiveVoteExists = errors.New("room already has an active vote session")
	// ErrSessionSettled signals the session was completed or expired by a
	// concurrent actor before this write landed.
	ErrSessionSettled = errors.New("vote session is no longer active")
)

// Vote session queries
const voteSessionColumns = `id, room_id, type, status, target_dj_id, eligible, threshold, started_by, winner_id, passed, created_at, completed_at`

func scanVoteSession(row interface{ Scan(...interface{}) error }) (*models.VoteSession, error) {
	var sess models.VoteSession
	err := row.Scan(&sess.ID, &sess.RoomID, &sess.Type, &sess.Status, &sess.TargetDjID,
		&sess.Eligible, &sess.Threshold, &sess.StartedByID, &sess.WinnerID, &sess.Passed, &sess.CreatedAt, &sess.CompletedAt)
	return &sess, err
}

// CreateVoteSession inserts the durable session row and points the room at
// it, in one transaction. A partial unique index on active sessions per room
// backs the one-vote-at-a-time rule even under races.
func (db *Database) CreateVoteSession(ctx context.Context, sess *models.VoteSession) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO vote_sessions (id, room_id, type, status, target_dj_id, eligible, threshold, started_by)
		 VALUES ($1, $2, $3, 'active', $4, $5, $6, $7) RETURNING created_at`,
		sess.ID, sess.RoomID, sess.Type, sess.TargetDjID, sess.Eligible, sess.Threshold, sess.StartedByID,
	).Scan(&sess.CreatedAt)
	if isUniqueViolation(err) {
		return ErrActiveVoteExists
	}
	if err != nil {
		return err
	}
	sess.Status = models.VoteStatusActive

	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET active_vote_id = $1 WHERE id = $2`,
		sess.ID, sess.RoomID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetVoteSession returns the session row, nil when it does not exist.
func (db *Database) GetVoteSession(ctx context.Context, sessionID uuid.UUID) (*models.VoteSession, error) {
	sess, err := scanVoteSession(db.pool.QueryRow(ctx,
		`SELECT `+voteSessionColumns+` FROM vote_sessions WHERE id = $1`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetActiveVoteSession returns the room's active session, nil when none.
func (db *Database) GetActiveVoteSession(ctx context.Context, roomID uuid.UUID) (*models.VoteSession, error) {
	sess, err := scanVoteSession(db.pool.QueryRow(ctx,
		`SELECT `+voteSessionColumns+` FROM vote_sessions WHERE room_id = $1 AND status = 'active'`,
		roomID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ExpireVoteSession settles a timed-out session and detaches it from the
// room. Safe to call from multiple instances; only the first write wins.
func (db *Database) ExpireVoteSession(ctx context.Context, sessionID, roomID uuid.UUID) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE vote_sessions SET status = 'expired', completed_at = NOW()
		 WHERE id = $1 AND status = 'active'`,
		sessionID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET active_vote_id = NULL WHERE id = $1 AND active_vote_id = $2`,
		roomID, sessionID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Vote queries
func (db *Database) InsertVote(ctx context.Context, vote *models.Vote) error {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO votes (session_id, voter_id, candidate_id, approve)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		vote.SessionID, vote.VoterID, vote.CandidateID, vote.Approve,
	).Scan(&vote.ID, &vote.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateVote
	}
	return err
}

// GetSessionVotes returns every ballot in cast order, oldest first. The
// order matters: counter rebuilds derive first-vote timestamps from it.
func (db *Database) GetSessionVotes(ctx context.Context, sessionID uuid.UUID) ([]models.Vote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, voter_id, candidate_id, approve, created_at
		 FROM votes WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.SessionID, &v.VoterID, &v.CandidateID, &v.Approve, &v.CreatedAt); err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// DJ history queries
func (db *Database) CurrentDjHistoryRow(ctx context.Context, roomID uuid.UUID) (*models.DjHistory, error) {
	var row models.DjHistory
	err := db.pool.QueryRow(ctx,
		`SELECT id, room_id, user_id, became_at, removed_at, removal_reason
		 FROM dj_history WHERE room_id = $1 AND removed_at IS NULL`,
		roomID,
	).Scan(&row.ID, &row.RoomID, &row.UserID, &row.BecameAt, &row.RemovedAt, &row.RemovalReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (db *Database) GetDjHistory(ctx context.Context, roomID uuid.UUID, limit int) ([]models.DjHistory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, room_id, user_id, became_at, removed_at, removal_reason
		 FROM dj_history WHERE room_id = $1
		 ORDER BY became_at DESC LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.DjHistory
	for rows.Next() {
		var row models.DjHistory
		if err := rows.Scan(&row.ID, &row.RoomID, &row.UserID, &row.BecameAt, &row.RemovedAt, &row.RemovalReason); err != nil {
			return nil, err
		}
		history = append(history, row)
	}
	return history, rows.Err()
}

// closeDjRow closes the room's open history row with the given reason. A
// room without a sitting DJ is a no-op.
func closeDjRow(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx,
		`UPDATE dj_history SET removed_at = NOW(), removal_reason = $1
		 WHERE room_id = $2 AND removed_at IS NULL`,
		reason, roomID,
	)
	return err
}

// seatDj closes the open row and opens one for the new DJ, then moves the
// seat pointer on the room.
func seatDj(ctx context.Context, tx pgx.Tx, roomID, newDjID uuid.UUID, removalReason string) error {
	if err := closeDjRow(ctx, tx, roomID, removalReason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dj_history (room_id, user_id) VALUES ($1, $2)`,
		roomID, newDjID,
	); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`UPDATE rooms SET current_dj_id = $1 WHERE id = $2`,
		newDjID, roomID,
	)
	return err
}

// settleSession flips an active session to completed. Zero rows means a
// concurrent actor settled it first.
func settleSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, winnerID *uuid.UUID, passed *bool) error {
	tag, err := tx.Exec(ctx,
		`UPDATE vote_sessions SET status = 'completed', winner_id = $1, passed = $2, completed_at = NOW()
		 WHERE id = $3 AND status = 'active'`,
		winnerID, passed, sessionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionSettled
	}
	return nil
}

// ApplyElectionOutcome performs every durable mutation of an election win in
// one transaction: settle the session, hand over the seat, detach the vote
// from the room.
func (db *Database) ApplyElectionOutcome(ctx context.Context, roomID, sessionID, winnerID uuid.UUID) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := settleSession(ctx, tx, sessionID, &winnerID, nil); err != nil {
		return err
	}
	if err := seatDj(ctx, tx, roomID, winnerID, models.DjRemovalVote); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET active_vote_id = NULL WHERE id = $1`,
		roomID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyMutinyOutcome settles a mutiny either way. A passed mutiny also
// vacates the seat; a failed one only detaches the session.
func (db *Database) ApplyMutinyOutcome(ctx context.Context, roomID, sessionID uuid.UUID, passed bool) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := settleSession(ctx, tx, sessionID, nil, &passed); err != nil {
		return err
	}
	if passed {
		if err := closeDjRow(ctx, tx, roomID, models.DjRemovalMutiny); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET current_dj_id = NULL, active_vote_id = NULL WHERE id = $1`,
			roomID,
		); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET active_vote_id = NULL WHERE id = $1`,
			roomID,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ApplyRandomizeDj hands the seat to newDjID outside any vote. The outgoing
// DJ's row is closed as a voluntary handover.
func (db *Database) ApplyRandomizeDj(ctx context.Context, roomID, newDjID uuid.UUID) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := seatDj(ctx, tx, roomID, newDjID, models.DjRemovalVoluntary); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClearRoomDj vacates the seat without a successor, e.g. when the DJ's last
// connection drops.
func (db *Database) ClearRoomDj(ctx context.Context, roomID uuid.UUID, reason string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := closeDjRow(ctx, tx, roomID, reason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET current_dj_id = NULL WHERE id = $1`,
		roomID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

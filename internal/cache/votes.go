package cache

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Completed sessions linger briefly so late result reads still resolve, then
// expire on their own.
const completedVoteTTL = 60 * time.Second

// VoteSessionKV mirrors the active vote session into the KV store. Counters
// ride alongside in sibling keys; the durable rows remain the authority.
type VoteSessionKV struct {
	ID         string
	RoomID     string
	Type       string
	Status     string
	TargetDjID string
	Eligible   int
	Threshold  float64
	StartedBy  string
	CreatedAt  int64 // unix ms
}

func (sess VoteSessionKV) toFields() map[string]string {
	return map[string]string{
		"room_id":      sess.RoomID,
		"type":         sess.Type,
		"status":       sess.Status,
		"target_dj_id": sess.TargetDjID,
		"eligible":     strconv.Itoa(sess.Eligible),
		"threshold":    strconv.FormatFloat(sess.Threshold, 'f', -1, 64),
		"started_by":   sess.StartedBy,
		"created_at":   strconv.FormatInt(sess.CreatedAt, 10),
	}
}

// PutVoteSession writes the session hash with the vote TTL.
func (c *Cache) PutVoteSession(ctx context.Context, sess VoteSessionKV, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "put_vote_session", attribute.String("vote.id", sess.ID))
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, voteKey(sess.ID), sess.toFields())
	pipe.Expire(ctx, voteKey(sess.ID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// GetVoteSession reads the session hash, nil when it expired or never
// existed here.
func (c *Cache) GetVoteSession(ctx context.Context, sessionID string) (*VoteSessionKV, error) {
	ctx, done := c.startOp(ctx, "get_vote_session", attribute.String("vote.id", sessionID))
	fields, err := c.client.HGetAll(ctx, voteKey(sessionID)).Result()
	done(err)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sess := &VoteSessionKV{
		ID:         sessionID,
		RoomID:     fields["room_id"],
		Type:       fields["type"],
		Status:     fields["status"],
		TargetDjID: fields["target_dj_id"],
		StartedBy:  fields["started_by"],
	}
	sess.Eligible, _ = strconv.Atoi(fields["eligible"])
	sess.Threshold, _ = strconv.ParseFloat(fields["threshold"], 64)
	sess.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	return sess, nil
}

// HasVoted checks the voter set fast path. The durable unique constraint
// still backs it up.
func (c *Cache) HasVoted(ctx context.Context, sessionID, voterID string) (bool, error) {
	ctx, done := c.startOp(ctx, "has_voted", attribute.String("vote.id", sessionID))
	voted, err := c.client.SIsMember(ctx, voteVotersKey(sessionID), voterID).Result()
	done(err)
	return voted, err
}

// RecordElectionVote bumps the candidate counter, marks the voter, pins the
// candidate's first-vote timestamp for tie-breaks, and refreshes every
// session TTL, all in one transaction.
func (c *Cache) RecordElectionVote(ctx context.Context, sessionID, voterID, candidateID string, nowMs int64, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "record_election_vote", attribute.String("vote.id", sessionID))
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, voteVotersKey(sessionID), voterID)
	pipe.HIncrBy(ctx, voteCandidatesKey(sessionID), candidateID, 1)
	pipe.HSetNX(ctx, voteFirstVotesKey(sessionID), candidateID, strconv.FormatInt(nowMs, 10))
	pipe.Expire(ctx, voteKey(sessionID), ttl)
	pipe.Expire(ctx, voteVotersKey(sessionID), ttl)
	pipe.Expire(ctx, voteCandidatesKey(sessionID), ttl)
	pipe.Expire(ctx, voteFirstVotesKey(sessionID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// RecordMutinyVote bumps the yes or no counter on the session hash, marks
// the voter, and refreshes the TTLs.
func (c *Cache) RecordMutinyVote(ctx context.Context, sessionID, voterID string, approve bool, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "record_mutiny_vote", attribute.String("vote.id", sessionID))
	field := "no"
	if approve {
		field = "yes"
	}
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, voteVotersKey(sessionID), voterID)
	pipe.HIncrBy(ctx, voteKey(sessionID), field, 1)
	pipe.Expire(ctx, voteKey(sessionID), ttl)
	pipe.Expire(ctx, voteVotersKey(sessionID), ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// ElectionTallies reads the per-candidate counts, the first-vote timestamps,
// and the number of distinct voters.
func (c *Cache) ElectionTallies(ctx context.Context, sessionID string) (counts map[string]int64, firstVotes map[string]int64, voters int64, err error) {
	ctx, done := c.startOp(ctx, "election_tallies", attribute.String("vote.id", sessionID))
	pipe := c.client.TxPipeline()
	countsCmd := pipe.HGetAll(ctx, voteCandidatesKey(sessionID))
	firstCmd := pipe.HGetAll(ctx, voteFirstVotesKey(sessionID))
	votersCmd := pipe.SCard(ctx, voteVotersKey(sessionID))
	_, err = pipe.Exec(ctx)
	done(err)
	if err != nil {
		return nil, nil, 0, err
	}

	counts = make(map[string]int64)
	for candidate, raw := range countsCmd.Val() {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		counts[candidate] = n
	}
	firstVotes = make(map[string]int64)
	for candidate, raw := range firstCmd.Val() {
		ts, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		firstVotes[candidate] = ts
	}
	return counts, firstVotes, votersCmd.Val(), nil
}

// MutinyTallies reads the yes/no counters and the number of distinct voters.
func (c *Cache) MutinyTallies(ctx context.Context, sessionID string) (yes, no, voters int64, err error) {
	ctx, done := c.startOp(ctx, "mutiny_tallies", attribute.String("vote.id", sessionID))
	pipe := c.client.TxPipeline()
	fieldsCmd := pipe.HMGet(ctx, voteKey(sessionID), "yes", "no")
	votersCmd := pipe.SCard(ctx, voteVotersKey(sessionID))
	_, err = pipe.Exec(ctx)
	done(err)
	if err != nil {
		return 0, 0, 0, err
	}

	parse := func(v interface{}) int64 {
		raw, ok := v.(string)
		if !ok {
			return 0
		}
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return 0
		}
		return n
	}
	vals := fieldsCmd.Val()
	return parse(vals[0]), parse(vals[1]), votersCmd.Val(), nil
}

// CompleteVoteSession marks the outcome on the hash and shortens every
// session key to the completed TTL.
func (c *Cache) CompleteVoteSession(ctx context.Context, sessionID, status string) error {
	ctx, done := c.startOp(ctx, "complete_vote_session", attribute.String("vote.id", sessionID))
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, voteKey(sessionID), "status", status)
	pipe.Expire(ctx, voteKey(sessionID), completedVoteTTL)
	pipe.Expire(ctx, voteVotersKey(sessionID), completedVoteTTL)
	pipe.Expire(ctx, voteCandidatesKey(sessionID), completedVoteTTL)
	pipe.Expire(ctx, voteFirstVotesKey(sessionID), completedVoteTTL)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// RestoreVoteSession rebuilds the session hash and counters from durable
// rows after a KV loss. Existing keys are overwritten wholesale.
func (c *Cache) RestoreVoteSession(ctx context.Context, sess VoteSessionKV, voters []string, counts map[string]int64, firstVotes map[string]int64, yes, no int64, ttl time.Duration) error {
	ctx, done := c.startOp(ctx, "restore_vote_session", attribute.String("vote.id", sess.ID))
	pipe := c.client.TxPipeline()
	sessFields := sess.toFields()
	if yes > 0 {
		sessFields["yes"] = strconv.FormatInt(yes, 10)
	}
	if no > 0 {
		sessFields["no"] = strconv.FormatInt(no, 10)
	}
	pipe.Del(ctx, voteKey(sess.ID), voteVotersKey(sess.ID), voteCandidatesKey(sess.ID), voteFirstVotesKey(sess.ID))
	pipe.HSet(ctx, voteKey(sess.ID), sessFields)
	pipe.Expire(ctx, voteKey(sess.ID), ttl)
	if len(voters) > 0 {
		members := make([]interface{}, len(voters))
		for i, v := range voters {
			members[i] = v
		}
		pipe.SAdd(ctx, voteVotersKey(sess.ID), members...)
		pipe.Expire(ctx, voteVotersKey(sess.ID), ttl)
	}
	if len(counts) > 0 {
		fields := make(map[string]string, len(counts))
		for candidate, n := range counts {
			fields[candidate] = strconv.FormatInt(n, 10)
		}
		pipe.HSet(ctx, voteCandidatesKey(sess.ID), fields)
		pipe.Expire(ctx, voteCandidatesKey(sess.ID), ttl)
	}
	if len(firstVotes) > 0 {
		fields := make(map[string]string, len(firstVotes))
		for candidate, ts := range firstVotes {
			fields[candidate] = strconv.FormatInt(ts, 10)
		}
		pipe.HSet(ctx, voteFirstVotesKey(sess.ID), fields)
		pipe.Expire(ctx, voteFirstVotesKey(sess.ID), ttl)
	}
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

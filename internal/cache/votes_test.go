package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVoteSession(id string) VoteSessionKV {
	return VoteSessionKV{
		ID:        id,
		RoomID:    "room-1",
		Type:      "election",
		Status:    "active",
		Eligible:  5,
		Threshold: 0.51,
		StartedBy: "user-1",
		CreatedAt: 1_700_000_000_000,
	}
}

func TestVoteSession_RoundTripAndExpiry(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	sess := testVoteSession("vote-1")
	sess.Type = "mutiny"
	sess.TargetDjID = "dj-user"
	require.NoError(t, c.PutVoteSession(ctx, sess, 300*time.Second))

	got, err := c.GetVoteSession(ctx, "vote-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess, *got)

	got, err = c.GetVoteSession(ctx, "vote-unknown")
	require.NoError(t, err)
	assert.Nil(t, got)

	mr.FastForward(301 * time.Second)
	got, err = c.GetVoteSession(ctx, "vote-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordElectionVote_CountsVotersAndFirstBallots(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutVoteSession(ctx, testVoteSession("vote-1"), time.Minute))

	voted, err := c.HasVoted(ctx, "vote-1", "voter-1")
	require.NoError(t, err)
	assert.False(t, voted)

	require.NoError(t, c.RecordElectionVote(ctx, "vote-1", "voter-1", "cand-a", 1_000, time.Minute))
	require.NoError(t, c.RecordElectionVote(ctx, "vote-1", "voter-2", "cand-a", 2_000, time.Minute))
	require.NoError(t, c.RecordElectionVote(ctx, "vote-1", "voter-3", "cand-b", 3_000, time.Minute))

	voted, err = c.HasVoted(ctx, "vote-1", "voter-1")
	require.NoError(t, err)
	assert.True(t, voted)

	counts, firstVotes, voters, err := c.ElectionTallies(ctx, "vote-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"cand-a": 2, "cand-b": 1}, counts)
	assert.Equal(t, int64(3), voters)

	// The second ballot for cand-a must not move its first-vote timestamp.
	assert.Equal(t, map[string]int64{"cand-a": 1_000, "cand-b": 3_000}, firstVotes)
}

func TestRecordMutinyVote_TalliesYesAndNo(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	sess := testVoteSession("vote-1")
	sess.Type = "mutiny"
	sess.TargetDjID = "dj-user"
	require.NoError(t, c.PutVoteSession(ctx, sess, time.Minute))

	require.NoError(t, c.RecordMutinyVote(ctx, "vote-1", "voter-1", true, time.Minute))
	require.NoError(t, c.RecordMutinyVote(ctx, "vote-1", "voter-2", true, time.Minute))
	require.NoError(t, c.RecordMutinyVote(ctx, "vote-1", "voter-3", false, time.Minute))

	yes, no, voters, err := c.MutinyTallies(ctx, "vote-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), yes)
	assert.Equal(t, int64(1), no)
	assert.Equal(t, int64(3), voters)
}

func TestCompleteVoteSession_MarksStatusAndShortensTTL(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutVoteSession(ctx, testVoteSession("vote-1"), time.Hour))
	require.NoError(t, c.RecordElectionVote(ctx, "vote-1", "voter-1", "cand-a", 1_000, time.Hour))

	require.NoError(t, c.CompleteVoteSession(ctx, "vote-1", "completed"))

	got, err := c.GetVoteSession(ctx, "vote-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)

	assert.Equal(t, completedVoteTTL, mr.TTL(voteKey("vote-1")))
	assert.Equal(t, completedVoteTTL, mr.TTL(voteVotersKey("vote-1")))
	assert.Equal(t, completedVoteTTL, mr.TTL(voteCandidatesKey("vote-1")))

	// Late readers still resolve the outcome, then the keys lapse.
	mr.FastForward(completedVoteTTL + time.Second)
	got, err = c.GetVoteSession(ctx, "vote-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRestoreVoteSession_OverwritesStaleCountersWholesale(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	// Stale leftovers from before the KV loss.
	require.NoError(t, c.PutVoteSession(ctx, testVoteSession("vote-1"), time.Minute))
	require.NoError(t, c.RecordElectionVote(ctx, "vote-1", "ghost-voter", "ghost-cand", 500, time.Minute))

	sess := testVoteSession("vote-1")
	err := c.RestoreVoteSession(ctx, sess,
		[]string{"voter-1", "voter-2", "voter-3"},
		map[string]int64{"cand-a": 2, "cand-b": 1},
		map[string]int64{"cand-a": 1_000, "cand-b": 3_000},
		0, 0, time.Minute)
	require.NoError(t, err)

	counts, firstVotes, voters, err := c.ElectionTallies(ctx, "vote-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"cand-a": 2, "cand-b": 1}, counts)
	assert.Equal(t, map[string]int64{"cand-a": 1_000, "cand-b": 3_000}, firstVotes)
	assert.Equal(t, int64(3), voters)

	voted, err := c.HasVoted(ctx, "vote-1", "ghost-voter")
	require.NoError(t, err)
	assert.False(t, voted, "stale voters must not survive the rebuild")

	voted, err = c.HasVoted(ctx, "vote-1", "voter-2")
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestRestoreVoteSession_CarriesMutinyCounters(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	sess := testVoteSession("vote-1")
	sess.Type = "mutiny"
	sess.TargetDjID = "dj-user"
	err := c.RestoreVoteSession(ctx, sess,
		[]string{"voter-1", "voter-2", "voter-3"}, nil, nil, 2, 1, time.Minute)
	require.NoError(t, err)

	yes, no, voters, err := c.MutinyTallies(ctx, "vote-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), yes)
	assert.Equal(t, int64(1), no)
	assert.Equal(t, int64(3), voters)
}

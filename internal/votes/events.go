package votes

// Outbound event payloads. Field names are part of the wire contract; clients
// only ever see totals, never who voted for whom.

type ElectionStartedEvent struct {
	VoteSessionID       string `json:"voteSessionId"`
	VoteType            string `json:"voteType"`
	TotalEligibleVoters int    `json:"totalEligibleVoters"`
	StartedBy           string `json:"startedBy"`
	ServerTimestamp     int64  `json:"serverTimestamp"`
}

type MutinyStartedEvent struct {
	VoteSessionID       string  `json:"voteSessionId"`
	VoteType            string  `json:"voteType"`
	TotalEligibleVoters int     `json:"totalEligibleVoters"`
	Threshold           float64 `json:"threshold"`
	TargetDjID          string  `json:"targetDjId"`
	StartedBy           string  `json:"startedBy"`
	ServerTimestamp     int64   `json:"serverTimestamp"`
}

type ElectionResultsEvent struct {
	VoteSessionID       string           `json:"voteSessionId"`
	VoteType            string           `json:"voteType"`
	Counts              map[string]int64 `json:"counts"`
	TotalVotes          int64            `json:"totalVotes"`
	TotalEligibleVoters int              `json:"totalEligibleVoters"`
}

type MutinyResultsEvent struct {
	VoteSessionID       string `json:"voteSessionId"`
	VoteType            string `json:"voteType"`
	YesCount            int64  `json:"yesCount"`
	NoCount             int64  `json:"noCount"`
	TotalVotes          int64  `json:"totalVotes"`
	TotalEligibleVoters int    `json:"totalEligibleVoters"`
}

type ElectionCompleteEvent struct {
	VoteSessionID string           `json:"voteSessionId"`
	VoteType      string           `json:"voteType"`
	Counts        map[string]int64 `json:"counts"`
	WinnerID      string           `json:"winnerId"`
}

type MutinyCompleteEvent struct {
	VoteSessionID string `json:"voteSessionId"`
	VoteType      string `json:"voteType"`
	YesCount      int64  `json:"yesCount"`
	NoCount       int64  `json:"noCount"`
	MutinyPassed  bool   `json:"mutinyPassed"`
}

// DjChangedEvent announces a new seat holder. NewDjID is null when the seat
// was cleared rather than handed over.
type DjChangedEvent struct {
	NewDjID         *string `json:"newDjId"`
	Reason          string  `json:"reason"`
	ServerTimestamp int64   `json:"serverTimestamp"`
}

type MutinySuccessEvent struct {
	VoteSessionID string `json:"voteSessionId"`
	RemovedDjID   string `json:"removedDjId"`
}

type MutinyFailedEvent struct {
	VoteSessionID string `json:"voteSessionId"`
}

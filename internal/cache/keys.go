package cache

import "fmt"

// Key layout. Room keys are unbounded-lifetime; connection and vote keys all
// carry TTLs so a dead instance never leaves permanent garbage behind.
func roomStateKey(roomID string) string       { return fmt.Sprintf("room:%s:state", roomID) }
func roomConnectionsKey(roomID string) string { return fmt.Sprintf("room:%s:connections", roomID) }
func djCooldownsKey(roomID string) string     { return fmt.Sprintf("room:%s:dj_cooldowns", roomID) }
func roomChannel(roomID string) string        { return fmt.Sprintf("room:%s", roomID) }

func connKey(connID string) string      { return fmt.Sprintf("conn:%s", connID) }
func connRoomsKey(connID string) string { return fmt.Sprintf("conn:%s:rooms", connID) }
func syncReportKey(connID string) string {
	return fmt.Sprintf("sync:conn:%s", connID)
}

func voteKey(sessionID string) string        { return fmt.Sprintf("vote:%s", sessionID) }
func voteVotersKey(sessionID string) string  { return fmt.Sprintf("vote:%s:voters", sessionID) }
func voteCandidatesKey(sessionID string) string {
	return fmt.Sprintf("vote:%s:candidates", sessionID)
}
func voteFirstVotesKey(sessionID string) string {
	return fmt.Sprintf("vote:%s:first_votes", sessionID)
}

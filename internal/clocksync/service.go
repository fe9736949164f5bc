package clocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/config"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

const (
	// A ping whose client timestamp is more than an hour from server time is
	// garbage, not skew.
	maxClockSkewMs = int64(time.Hour / time.Millisecond)
	maxReportRttMs = int64(10_000)
	// Rooms with no fresh reports fall back to this round trip.
	defaultRttMs = int64(50)
)

// ReportStore is the slice of the KV store the service needs.
type ReportStore interface {
	StoreSyncReport(ctx context.Context, connID string, report cache.SyncReport, ttl time.Duration) error
	RoomSyncReports(ctx context.Context, roomID string) ([]cache.SyncReport, error)
}

// PingResult carries the two server timestamps the client needs to compute
// its offset and round trip. T1 is taken on receive, T2 immediately before
// the reply leaves.
type PingResult struct {
	ClientT0 int64 `json:"clientT0"`
	ServerT1 int64 `json:"serverT1"`
	ServerT2 int64 `json:"serverT2"`
}

// Service answers clock-sync pings and keeps per-connection sync reports.
type Service struct {
	store     ReportStore
	logger    *utils.Logger
	reportTTL time.Duration
	now       func() int64 // unix ms
}

func NewService(store ReportStore, cfg *config.Config, logger *utils.Logger) *Service {
	return &Service{
		store:     store,
		logger:    logger,
		reportTTL: time.Duration(cfg.ConnectionTTLSeconds) * time.Second,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(now func() int64) {
	s.now = now
}

// Ping answers an NTP-style exchange. The receive timestamp is captured
// before anything else; the transmit timestamp last.
func (s *Service) Ping(ctx context.Context, clientT0 int64) (PingResult, error) {
	serverT1 := s.now()

	skew := serverT1 - clientT0
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkewMs {
		return PingResult{}, utils.InvalidInput(
			fmt.Sprintf("client timestamp is more than an hour from server time (serverT1=%d)", serverT1))
	}

	return PingResult{
		ClientT0: clientT0,
		ServerT1: serverT1,
		ServerT2: s.now(),
	}, nil
}

// Report validates and stores a client's self-measured offset and round
// trip. Raw values only; smoothing is the client's business.
func (s *Service) Report(ctx context.Context, connID string, offsetMs, rttMs int64) error {
	abs := offsetMs
	if abs < 0 {
		abs = -abs
	}
	if abs > maxClockSkewMs {
		return utils.InvalidInput("offsetMs is out of range")
	}
	if rttMs < 0 || rttMs > maxReportRttMs {
		return utils.InvalidInput("rttMs must be between 0 and 10000")
	}

	report := cache.SyncReport{
		OffsetMs:   offsetMs,
		RttMs:      rttMs,
		ReportedAt: s.now(),
	}
	if err := s.store.StoreSyncReport(ctx, connID, report, s.reportTTL); err != nil {
		return utils.Internal("failed to store sync report", err)
	}
	return nil
}

// MaxRoomRtt returns the worst fresh round trip among the room's own
// connections, or the default floor when none reported. The lookup is scoped
// to the room's connection set.
func (s *Service) MaxRoomRtt(ctx context.Context, roomID string) (int64, error) {
	reports, err := s.store.RoomSyncReports(ctx, roomID)
	if err != nil {
		return 0, utils.Internal("failed to read room sync reports", err)
	}

	maxRtt := int64(-1)
	for _, report := range reports {
		if report.RttMs > maxRtt {
			maxRtt = report.RttMs
		}
	}
	if maxRtt < 0 {
		return defaultRttMs, nil
	}
	return maxRtt, nil
}

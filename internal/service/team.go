package service

import (
	"context"
	"log/slog"

	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/store"
)

// TeamService serialises membership changes per team.
type TeamService struct {
	guard  *lock.Guard
	store  store.Store
	logger *slog.Logger
}

// NewTeamService wires the team use cases.
func NewTeamService(guard *lock.Guard, st store.Store, logger *slog.Logger) *TeamService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TeamService{guard: guard, store: st, logger: logger}
}

// Leave removes memberID from teamID. Only one departure per team runs at a time.
func (s *TeamService) Leave(ctx context.Context, teamID, memberID int64) error {
	if teamID <= 0 || memberID <= 0 {
		return ErrInvalidArgument
	}
	return s.guard.Do(ctx, lock.TeamLeaveKey(teamID), func(ctx context.Context) error {
		if err := s.store.LeaveTeam(ctx, teamID, memberID); err != nil {
			return err
		}
		s.logger.Info("Member left team", "teamID", teamID, "memberID", memberID)
		return nil
	})
}

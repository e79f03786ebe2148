package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// MonitoringService lets reviewers watch profiles. Monitoring drives the MON* rules.
type MonitoringService struct {
	store  store.MonitoringStore
	logger *zap.Logger
}

func NewMonitoringService(s store.MonitoringStore, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{store: s, logger: logger.Named("monitoring")}
}

func (s *MonitoringService) Monitor(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error {
	if err := s.store.MonitorProfile(ctx, profile, userID); err != nil {
		return fmt.Errorf("monitor %s profile: %w", profile.Kind, err)
	}
	s.logger.Info("profile monitored", zap.String("kind", string(profile.Kind)), zap.String("profile_id", profile.ID.String()), zap.String("user_id", userID.String()))
	return nil
}

func (s *MonitoringService) Unmonitor(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error {
	if err := s.store.UnmonitorProfile(ctx, profile, userID); err != nil {
		return fmt.Errorf("unmonitor %s profile: %w", profile.Kind, err)
	}
	s.logger.Info("profile unmonitored", zap.String("kind", string(profile.Kind)), zap.String("profile_id", profile.ID.String()), zap.String("user_id", userID.String()))
	return nil
}

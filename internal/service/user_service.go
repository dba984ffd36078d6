package service

import (
	"context"
	"errors"

	"researchdesk/internal/model"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/rs/zerolog"
)

var ErrUserNotFound = repository.ErrUserNotFound

type UserService interface {
	// EnsureUser returns the user's record, creating it with the trial subscription on
	// first sign-in and repairing an incomplete subscription.
	EnsureUser(ctx context.Context, id session.Identity) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error
	// LoadUser lets the service act as the session loader.
	LoadUser(ctx context.Context, id session.Identity) (*model.User, error)
}

type userService struct {
	userRepo repository.UserRepository
	logger   zerolog.Logger
}

func NewUserService(userRepo repository.UserRepository, logger zerolog.Logger) UserService {
	return &userService{userRepo: userRepo, logger: logger.With().Str("service", "UserService").Logger()}
}

func (s *userService) EnsureUser(ctx context.Context, id session.Identity) (*model.User, error) {
	u, err := s.userRepo.GetUserByID(ctx, id.UserID)
	if errors.Is(err, repository.ErrUserNotFound) {
		u, err = s.userRepo.CreateUser(ctx, &model.User{
			UserID:       id.UserID,
			Email:        id.Email,
			DisplayName:  id.DisplayName,
			PhotoURL:     id.PhotoURL,
			Subscription: model.NewTrialSubscription(),
			Preferences:  model.DefaultPreferences(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to create user")
			return nil, err
		}
		s.logger.Info().Str("user_id", id.UserID).Msg("Created user with trial subscription")
		return u, nil
	}
	if err != nil {
		return nil, err
	}

	if fixed, changed := RepairSubscription(u.Subscription); changed {
		s.logger.Warn().Str("user_id", u.UserID).Msg("Repairing incomplete subscription")
		if err := s.userRepo.UpdateSubscription(ctx, u.UserID, fixed); err != nil {
			return nil, err
		}
		u.Subscription = fixed
	}
	return u, nil
}

func (s *userService) LoadUser(ctx context.Context, id session.Identity) (*model.User, error) {
	return s.EnsureUser(ctx, id)
}

func (s *userService) Get(ctx context.Context, id string) (*model.User, error) {
	return s.userRepo.GetUserByID(ctx, id)
}

func (s *userService) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error {
	return s.userRepo.UpdatePreferences(ctx, userID, prefs)
}

// RepairSubscription fills in fields missing from records written by older clients:
// an empty plan becomes the trial, and a zero limit on a known plan takes the catalog
// limit. Existing values are kept.
func RepairSubscription(sub model.Subscription) (model.Subscription, bool) {
	orig := sub
	if sub.Plan == "" {
		sub.Plan = model.PlanTrial
		sub.IsLifetime = true
	}
	if sub.EntriesLimit == 0 {
		if d, ok := model.Plans[sub.Plan]; ok {
			sub.EntriesLimit = d.EntriesLimit
			sub.IsLifetime = d.IsLifetime
		}
	}
	sub.Normalize()
	return sub, sub != orig
}

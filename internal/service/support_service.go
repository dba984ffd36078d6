package service

import (
	"context"
	"strings"

	"researchdesk/internal/model"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSupportCategory = "general"
	defaultSupportPriority = "medium"
)

// SupportRequest is a message typed into the support form.
type SupportRequest struct {
	Subject  string `validate:"required,max=200"`
	Message  string `validate:"required,min=10,max=5000"`
	Category string `validate:"omitempty,oneof=general billing technical feature bug"`
	Priority string `validate:"omitempty,oneof=low medium high"`
}

type SupportService interface {
	Submit(ctx context.Context, sess *session.Session, req SupportRequest) (*model.SupportMessage, error)
	List(ctx context.Context, userID string, limit int) ([]model.SupportMessage, error)
}

type supportService struct {
	repo     repository.SupportRepository
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewSupportService(repo repository.SupportRepository, v *validator.Validate, logger zerolog.Logger) SupportService {
	if v == nil {
		v = validator.New()
	}
	return &supportService{repo: repo, validate: v, logger: logger.With().Str("service", "SupportService").Logger()}
}

func (s *supportService) Submit(ctx context.Context, sess *session.Session, req SupportRequest) (*model.SupportMessage, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Message = strings.TrimSpace(req.Message)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Category == "" {
		req.Category = defaultSupportCategory
	}
	if req.Priority == "" {
		req.Priority = defaultSupportPriority
	}

	id := sess.Identity()
	m := &model.SupportMessage{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		UserEmail: id.Email,
		UserName:  id.DisplayName,
		Subject:   req.Subject,
		Message:   req.Message,
		Category:  req.Category,
		Priority:  req.Priority,
	}
	if err := s.repo.CreateMessage(ctx, m); err != nil {
		s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to store support message")
		return nil, err
	}
	s.logger.Info().Str("user_id", id.UserID).Str("category", m.Category).Msg("Support message received")
	return m, nil
}

func (s *supportService) List(ctx context.Context, userID string, limit int) ([]model.SupportMessage, error) {
	return s.repo.ListMessagesByUser(ctx, userID, limit)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"researchdesk/internal/backend"
	"researchdesk/internal/model"
	"researchdesk/internal/poller"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound = repository.ErrJobNotFound
	// ErrNoSources is returned when a generation request names no usable entries.
	ErrNoSources = errors.New("at least one source entry is required")
)

// GenerateRequest is a content generation request as submitted by a user.
type GenerateRequest struct {
	SourceIDs       []string
	Outline         json.RawMessage
	Settings        json.RawMessage
	Tier            model.ContentTier
	PaymentIntentID string
}

// ContentService runs content generation jobs over a user's bibliography entries.
type ContentService interface {
	Generate(ctx context.Context, sess *session.Session, req GenerateRequest, obs poller.Observer) (*model.ContentJob, *poller.Outcome, error)
	List(ctx context.Context, userID string, limit int) ([]model.ContentJob, error)
	Get(ctx context.Context, userID, id string) (*model.ContentJob, error)
}

type contentService struct {
	jobs     repository.ContentJobRepository
	entries  repository.BibliographyRepository
	usage    repository.UsageRepository
	quota    SubscriptionService
	payments PaymentVerifier
	poller   *poller.Poller
	logger   zerolog.Logger
}

// NewContentService builds the service. payments may be nil, in which case payment intents
// are passed through to the backend unchecked.
func NewContentService(jobs repository.ContentJobRepository, entries repository.BibliographyRepository, usage repository.UsageRepository,
	quota SubscriptionService, payments PaymentVerifier, p *poller.Poller, logger zerolog.Logger) ContentService {
	return &contentService{
		jobs:     jobs,
		entries:  entries,
		usage:    usage,
		quota:    quota,
		payments: payments,
		poller:   p,
		logger:   logger.With().Str("service", "ContentService").Logger(),
	}
}

func (s *contentService) Generate(ctx context.Context, sess *session.Session, req GenerateRequest, obs poller.Observer) (*model.ContentJob, *poller.Outcome, error) {
	userID := sess.UserID()
	if len(req.SourceIDs) == 0 {
		return nil, nil, ErrNoSources
	}
	if req.Tier == "" {
		req.Tier = model.ContentTierStandard
	}
	if req.Tier != model.ContentTierStandard && req.Tier != model.ContentTierPro {
		return nil, nil, fmt.Errorf("unknown content tier %q", req.Tier)
	}

	// Sources must belong to the caller.
	found, err := s.entries.GetEntriesByIDs(ctx, userID, req.SourceIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(found) != len(dedupe(req.SourceIDs)) {
		return nil, nil, fmt.Errorf("%w: %d of %d sources not found", ErrEntryNotFound, len(dedupe(req.SourceIDs))-len(found), len(req.SourceIDs))
	}

	if _, err := s.quota.CheckQuota(ctx, userID); err != nil {
		return nil, nil, err
	}

	if req.PaymentIntentID != "" && s.payments != nil {
		if _, err := s.payments.VerifyPayment(ctx, userID, req.PaymentIntentID); err != nil {
			return nil, nil, err
		}
	}

	c := &contentCompleter{
		jobs:  s.jobs,
		usage: s.usage,
		job: &model.ContentJob{
			ID:              uuid.NewString(),
			UserID:          userID,
			Tier:            req.Tier,
			SourceIDs:       req.SourceIDs,
			Outline:         req.Outline,
			Settings:        req.Settings,
			PaymentIntentID: req.PaymentIntentID,
		},
		logger: s.logger,
	}
	out, err := s.poller.Generate(ctx, userID, backend.GenerateRequest{
		SourceIDs:       req.SourceIDs,
		Outline:         req.Outline,
		Settings:        req.Settings,
		Tier:            req.Tier,
		PaymentIntentID: req.PaymentIntentID,
	}, c, obs)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Str("job_id", c.job.ID).Msg("Content generation did not complete")
		return c.job, out, err
	}

	job, err := s.jobs.GetJob(ctx, userID, c.job.ID)
	if err != nil {
		return nil, out, err
	}
	if err := sess.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh session after generation")
	}
	return job, out, nil
}

func (s *contentService) List(ctx context.Context, userID string, limit int) ([]model.ContentJob, error) {
	return s.jobs.ListJobs(ctx, userID, limit)
}

func (s *contentService) Get(ctx context.Context, userID, id string) (*model.ContentJob, error) {
	return s.jobs.GetJob(ctx, userID, id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// contentCompleter mirrors a generation task into its content_generation_jobs row.
type contentCompleter struct {
	jobs   repository.ContentJobRepository
	usage  repository.UsageRepository
	job    *model.ContentJob
	logger zerolog.Logger
}

func (c *contentCompleter) Kind() model.JobKind { return model.JobKindContent }

func (c *contentCompleter) Submitted(ctx context.Context, _, taskID string) error {
	c.job.TaskID = taskID
	return c.jobs.CreateJob(ctx, c.job)
}

func (c *contentCompleter) Progress(ctx context.Context, _ string, status model.JobStatus, progress int) {
	if status.Terminal() {
		return
	}
	if err := c.jobs.UpdateProgress(ctx, c.job.ID, status, progress); err != nil {
		c.logger.Warn().Err(err).Str("job_id", c.job.ID).Msg("Failed to record job progress")
	}
}

func (c *contentCompleter) Failed(ctx context.Context, _, message string) {
	if err := c.jobs.FailJob(ctx, c.job.ID, message); err != nil {
		c.logger.Error().Err(err).Str("job_id", c.job.ID).Msg("Failed to record job failure")
	}
}

func (c *contentCompleter) Complete(ctx context.Context, userID, taskID string, result json.RawMessage) (any, bool, error) {
	var content model.GeneratedContent
	if err := json.Unmarshal(result, &content); err != nil {
		return nil, false, fmt.Errorf("decode generated content: %w", err)
	}
	if content.WordCount == 0 {
		content.WordCount = len(strings.Fields(content.Content))
	}
	counted, err := c.usage.RecordCompletion(ctx, userID, taskID, model.JobKindContent, func(ctx context.Context, tx repository.DBTX) error {
		return c.jobs.CompleteJob(ctx, tx, c.job.ID, content)
	})
	if err != nil {
		return nil, false, err
	}
	return &content, counted, nil
}

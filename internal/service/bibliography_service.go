package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"researchdesk/internal/model"
	"researchdesk/internal/poller"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEntryNotFound = repository.ErrEntryNotFound
	// ErrEmptyResult is returned when a completed analysis carries no usable content.
	ErrEmptyResult = errors.New("analysis result is empty")
)

// BibliographyService runs document analyses and manages the resulting entries.
type BibliographyService interface {
	// Analyze uploads a document, waits for the analysis and stores it as a new entry.
	// The returned outcome is set whenever the run got past the quota gate.
	Analyze(ctx context.Context, sess *session.Session, in poller.Input, obs poller.Observer) (*model.BibliographyEntry, *poller.Outcome, error)
	List(ctx context.Context, userID, query string, limit int) ([]model.BibliographyEntry, error)
	Get(ctx context.Context, userID, id string) (*model.BibliographyEntry, error)
	GetMany(ctx context.Context, userID string, ids []string) ([]model.BibliographyEntry, error)
	Update(ctx context.Context, userID, id string, upd model.EntryUpdate) (*model.BibliographyEntry, error)
	Delete(ctx context.Context, userID, id string) error
}

type bibliographyService struct {
	entries repository.BibliographyRepository
	usage   repository.UsageRepository
	quota   SubscriptionService
	poller  *poller.Poller
	logger  zerolog.Logger
}

func NewBibliographyService(entries repository.BibliographyRepository, usage repository.UsageRepository, quota SubscriptionService,
	p *poller.Poller, logger zerolog.Logger) BibliographyService {
	return &bibliographyService{
		entries: entries,
		usage:   usage,
		quota:   quota,
		poller:  p,
		logger:  logger.With().Str("service", "BibliographyService").Logger(),
	}
}

func (s *bibliographyService) Analyze(ctx context.Context, sess *session.Session, in poller.Input, obs poller.Observer) (*model.BibliographyEntry, *poller.Outcome, error) {
	userID := sess.UserID()
	if _, err := s.quota.CheckQuota(ctx, userID); err != nil {
		return nil, nil, err
	}

	c := &entryCompleter{entries: s.entries, usage: s.usage, focus: strings.TrimSpace(in.ResearchFocus)}
	out, err := s.poller.Analyze(ctx, userID, in, c, obs)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Analysis did not complete")
		return nil, out, err
	}

	entry, _ := out.Completion.Value.(*model.BibliographyEntry)
	if entry == nil {
		// Recorded by an earlier run of the same task.
		entry, err = s.entries.GetEntryByTaskID(ctx, userID, out.TaskID)
		if err != nil {
			return nil, out, err
		}
	}
	if err := sess.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh session after analysis")
	}
	s.logger.Info().Str("user_id", userID).Str("entry_id", entry.ID).Msg("Bibliography entry created")
	return entry, out, nil
}

func (s *bibliographyService) List(ctx context.Context, userID, query string, limit int) ([]model.BibliographyEntry, error) {
	if strings.TrimSpace(query) != "" {
		return s.entries.SearchEntries(ctx, userID, query, limit)
	}
	return s.entries.ListEntries(ctx, userID, limit)
}

func (s *bibliographyService) Get(ctx context.Context, userID, id string) (*model.BibliographyEntry, error) {
	return s.entries.GetEntry(ctx, userID, id)
}

func (s *bibliographyService) GetMany(ctx context.Context, userID string, ids []string) ([]model.BibliographyEntry, error) {
	return s.entries.GetEntriesByIDs(ctx, userID, ids)
}

func (s *bibliographyService) Update(ctx context.Context, userID, id string, upd model.EntryUpdate) (*model.BibliographyEntry, error) {
	e, err := s.entries.GetEntry(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	upd.Apply(e)
	if err := s.entries.UpdateEntry(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("entry_id", id).Msg("Failed to update entry")
		return nil, err
	}
	return e, nil
}

func (s *bibliographyService) Delete(ctx context.Context, userID, id string) error {
	if err := s.entries.DeleteEntry(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("entry_id", id).Msg("Bibliography entry deleted")
	return nil
}

// analysisResult is the payload returned by /result for an analysis task.
type analysisResult struct {
	Citation            json.RawMessage           `json:"citation"`
	NarrativeOverview   string                    `json:"narrative_overview"`
	ResearchComponents  map[string]string         `json:"research_components"`
	CoreFindings        string                    `json:"core_findings"`
	MethodologicalValue model.MethodologicalValue `json:"methodological_value"`
	KeyQuotes           []model.Quote             `json:"key_quotes"`
	ResearchFocus       string                    `json:"research_focus"`
}

// EntryFromResult decodes an analysis result into an unsaved entry.
func EntryFromResult(raw json.RawMessage) (*model.BibliographyEntry, error) {
	var r analysisResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}
	if len(r.Citation) == 0 && r.NarrativeOverview == "" {
		return nil, ErrEmptyResult
	}
	if r.KeyQuotes == nil {
		r.KeyQuotes = []model.Quote{}
	}
	return &model.BibliographyEntry{
		Citation:            r.Citation,
		NarrativeOverview:   r.NarrativeOverview,
		ResearchComponents:  r.ResearchComponents,
		CoreFindings:        r.CoreFindings,
		MethodologicalValue: r.MethodologicalValue,
		KeyQuotes:           r.KeyQuotes,
		ResearchFocus:       r.ResearchFocus,
	}, nil
}

// entryCompleter stores the analysis as an entry in the same transaction that counts it.
type entryCompleter struct {
	entries repository.BibliographyRepository
	usage   repository.UsageRepository
	focus   string
}

func (c *entryCompleter) Kind() model.JobKind { return model.JobKindAnalysis }

func (c *entryCompleter) Complete(ctx context.Context, userID, taskID string, result json.RawMessage) (any, bool, error) {
	entry, err := EntryFromResult(result)
	if err != nil {
		return nil, false, err
	}
	entry.ID = uuid.NewString()
	entry.UserID = userID
	entry.SourceTaskID = taskID
	if entry.ResearchFocus == "" {
		entry.ResearchFocus = c.focus
	}

	counted, err := c.usage.RecordCompletion(ctx, userID, taskID, model.JobKindAnalysis, func(ctx context.Context, tx repository.DBTX) error {
		return c.entries.CreateEntry(ctx, tx, entry)
	})
	if err != nil {
		return nil, false, err
	}
	if !counted {
		return nil, false, nil
	}
	return entry, true, nil
}

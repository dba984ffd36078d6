package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"researchdesk/internal/export"
	"researchdesk/internal/model"
	"researchdesk/internal/repository"
	"researchdesk/internal/storage"

	"github.com/rs/zerolog"
)

// ErrStorageDisabled is returned when an upload is requested but no object store is configured.
var ErrStorageDisabled = errors.New("export storage is not configured")

// ExportFile is a rendered export, either inline or as a download link.
type ExportFile struct {
	FileName    string
	ContentType string
	Data        []byte
	URL         string
	Entries     int
}

type ExportService interface {
	// Export renders the given entries, or every entry when ids is empty. With upload set
	// the document is stored and only its URL is returned.
	Export(ctx context.Context, userID string, ids []string, upload bool) (*ExportFile, error)
}

type exportService struct {
	entries repository.BibliographyRepository
	store   storage.ObjectStore
	now     func() time.Time
	logger  zerolog.Logger
}

// NewExportService creates an ExportService. store may be nil when uploads are disabled.
func NewExportService(entries repository.BibliographyRepository, store storage.ObjectStore, logger zerolog.Logger) ExportService {
	return &exportService{
		entries: entries,
		store:   store,
		now:     time.Now,
		logger:  logger.With().Str("service", "ExportService").Logger(),
	}
}

func (s *exportService) Export(ctx context.Context, userID string, ids []string, upload bool) (*ExportFile, error) {
	if upload && s.store == nil {
		return nil, ErrStorageDisabled
	}

	var (
		entries []model.BibliographyEntry
		err     error
	)
	if len(ids) > 0 {
		entries, err = s.entries.GetEntriesByIDs(ctx, userID, ids)
	} else {
		entries, err = s.entries.ListEntries(ctx, userID, 0)
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}

	now := s.now()
	data, err := export.Bibliography(entries, now)
	if err != nil {
		return nil, fmt.Errorf("render export: %w", err)
	}
	file := &ExportFile{
		FileName:    export.FileName(now),
		ContentType: export.ContentType,
		Data:        data,
		Entries:     len(entries),
	}
	if !upload {
		return file, nil
	}

	key := fmt.Sprintf("exports/%s/%s", userID, file.FileName)
	url, err := s.store.Put(ctx, key, export.ContentType, data)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Int("entries", len(entries)).Str("object_key", key).Msg("Export uploaded")
	file.URL = url
	file.Data = nil
	return file, nil
}

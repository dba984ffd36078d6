package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"researchdesk/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupport struct{ saved []model.SupportMessage }

func (f *fakeSupport) CreateMessage(_ context.Context, m *model.SupportMessage) error {
	m.CreatedAt = time.Now()
	f.saved = append(f.saved, *m)
	return nil
}

func (f *fakeSupport) ListMessagesByUser(context.Context, string, int) ([]model.SupportMessage, error) {
	return f.saved, nil
}

func TestSupportSubmitDefaults(t *testing.T) {
	repo := &fakeSupport{}
	svc := NewSupportService(repo, nil, zerolog.Nop())

	m, err := svc.Submit(context.Background(), newSession(t, "u1"), SupportRequest{Subject: " Help ", Message: "The export button does nothing."})

	require.NoError(t, err)
	assert.Equal(t, "Help", m.Subject)
	assert.Equal(t, "general", m.Category)
	assert.Equal(t, "medium", m.Priority)
	assert.Equal(t, "u1@example.com", m.UserEmail)
	assert.Equal(t, "Ada", m.UserName)
	assert.Len(t, repo.saved, 1)
}

func TestSupportSubmitValidates(t *testing.T) {
	svc := NewSupportService(&fakeSupport{}, nil, zerolog.Nop())

	_, err := svc.Submit(context.Background(), newSession(t, "u1"), SupportRequest{Subject: "x", Message: "short"})

	var verrs validator.ValidationErrors
	assert.True(t, errors.As(err, &verrs))
}

type fakeStore struct {
	key  string
	data []byte
}

func (f *fakeStore) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	f.key, f.data = key, data
	return "https://s3.test/" + key, nil
}

func TestExport(t *testing.T) {
	entries := newFakeEntries(
		model.BibliographyEntry{ID: "e1", UserID: "u1", NarrativeOverview: "a"},
		model.BibliographyEntry{ID: "e2", UserID: "u1", NarrativeOverview: "b"},
	)

	t.Run("inline", func(t *testing.T) {
		svc := NewExportService(entries, nil, zerolog.Nop())
		f, err := svc.Export(context.Background(), "u1", []string{"e1"}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, f.Entries)
		assert.NotEmpty(t, f.Data)
		assert.Contains(t, f.FileName, ".docx")
	})

	t.Run("upload", func(t *testing.T) {
		store := &fakeStore{}
		svc := NewExportService(entries, store, zerolog.Nop())
		f, err := svc.Export(context.Background(), "u1", nil, true)
		require.NoError(t, err)
		assert.Equal(t, 2, f.Entries)
		assert.Equal(t, "https://s3.test/"+store.key, f.URL)
		assert.Nil(t, f.Data)
		assert.NotEmpty(t, store.data)
	})

	t.Run("upload disabled", func(t *testing.T) {
		svc := NewExportService(entries, nil, zerolog.Nop())
		_, err := svc.Export(context.Background(), "u1", nil, true)
		assert.ErrorIs(t, err, ErrStorageDisabled)
	})

	t.Run("nothing to export", func(t *testing.T) {
		svc := NewExportService(entries, nil, zerolog.Nop())
		_, err := svc.Export(context.Background(), "u2", nil, false)
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})
}

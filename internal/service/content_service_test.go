package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"researchdesk/internal/model"
	"researchdesk/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*model.ContentJob
	progress []int
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]*model.ContentJob{}} }

func (f *fakeJobs) CreateJob(_ context.Context, j *model.ContentJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	cp.Status = model.JobQueued
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, userID, id string) (*model.ContentJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.UserID != userID {
		return nil, repository.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ListJobs(context.Context, string, int) ([]model.ContentJob, error) { return nil, nil }

func (f *fakeJobs) UpdateProgress(_ context.Context, _ string, _ model.JobStatus, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobs) CompleteJob(_ context.Context, _ repository.DBTX, id string, c model.GeneratedContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status, j.Progress, j.Content, j.WordCount = model.JobCompleted, 100, c.Content, c.WordCount
	return nil
}

func (f *fakeJobs) FailJob(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Status, j.ErrorMessage = model.JobFailed, message
	}
	return nil
}

func TestGenerateRecordsJobLifecycle(t *testing.T) {
	b := &fakeBackend{taskID: "g1", result: json.RawMessage(`{"content": "one two three"}`)}
	usage := newFakeUsage(5)
	jobs := newFakeJobs()
	entries := newFakeEntries(model.BibliographyEntry{ID: "e1", UserID: "u1"})
	svc := NewContentService(jobs, entries, usage, quotaOnly{usage: usage}, nil, newPoller(b), zerolog.Nop())

	job, out, err := svc.Generate(context.Background(), newSession(t, "u1"), GenerateRequest{SourceIDs: []string{"e1"}}, nil)

	require.NoError(t, err)
	assert.Equal(t, "g1", out.TaskID)
	assert.Equal(t, "g1", job.TaskID)
	assert.Equal(t, model.ContentTierStandard, job.Tier)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 3, job.WordCount, "word count derived when the backend omits it")
	assert.Equal(t, 1, usage.used)
}

func TestGenerateFailureMarksJob(t *testing.T) {
	b := &fakeBackend{taskID: "g1", status: model.JobFailed}
	usage := newFakeUsage(5)
	jobs := newFakeJobs()
	entries := newFakeEntries(model.BibliographyEntry{ID: "e1", UserID: "u1"})
	svc := NewContentService(jobs, entries, usage, quotaOnly{usage: usage}, nil, newPoller(b), zerolog.Nop())

	job, _, err := svc.Generate(context.Background(), newSession(t, "u1"), GenerateRequest{SourceIDs: []string{"e1"}}, nil)

	require.Error(t, err)
	stored, getErr := jobs.GetJob(context.Background(), "u1", job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, "Processing failed. Please try again.", stored.ErrorMessage)
	assert.Zero(t, usage.used)
}

func TestGenerateRejectsForeignOrMissingSources(t *testing.T) {
	usage := newFakeUsage(5)
	entries := newFakeEntries(model.BibliographyEntry{ID: "e1", UserID: "someone-else"})
	svc := NewContentService(newFakeJobs(), entries, usage, quotaOnly{usage: usage}, nil, newPoller(&fakeBackend{}), zerolog.Nop())

	_, _, err := svc.Generate(context.Background(), newSession(t, "u1"), GenerateRequest{SourceIDs: []string{"e1"}}, nil)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, _, err = svc.Generate(context.Background(), newSession(t, "u1"), GenerateRequest{}, nil)
	assert.ErrorIs(t, err, ErrNoSources)

	_, _, err = svc.Generate(context.Background(), newSession(t, "u1"), GenerateRequest{SourceIDs: []string{"e1"}, Tier: "gold"}, nil)
	assert.Error(t, err)
}

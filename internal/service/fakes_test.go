package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"researchdesk/internal/backend"
	"researchdesk/internal/model"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/stretchr/testify/require"
)

// fakeBackend completes every task on the first poll.
type fakeBackend struct {
	mu       sync.Mutex
	taskID   string
	result   json.RawMessage
	status   model.JobStatus
	uploads  int
	checkout backend.CheckoutRequest
	onCheck  func()
	err      error
}

func (b *fakeBackend) Health(context.Context) error { return nil }

func (b *fakeBackend) Upload(context.Context, backend.UploadRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	return b.taskID, b.err
}

func (b *fakeBackend) Generate(context.Context, backend.GenerateRequest) (string, error) {
	return b.taskID, b.err
}

func (b *fakeBackend) Status(_ context.Context, taskID string) (*model.Job, error) {
	status := b.status
	if status == "" {
		status = model.JobCompleted
	}
	return &model.Job{TaskID: taskID, Status: status, Progress: 100}, nil
}

func (b *fakeBackend) Result(context.Context, string) (json.RawMessage, error) { return b.result, nil }

func (b *fakeBackend) CleanupTask(context.Context, string) error { return nil }

func (b *fakeBackend) CheckSubscription(context.Context, string) (*model.Subscription, error) {
	return nil, nil
}

func (b *fakeBackend) ForceSyncSubscription(context.Context, string) (*model.Subscription, error) {
	return nil, nil
}

func (b *fakeBackend) CreateCheckoutSession(_ context.Context, req backend.CheckoutRequest) (string, error) {
	if b.onCheck != nil {
		b.onCheck()
	}
	b.checkout = req
	if b.err != nil {
		return "", b.err
	}
	return "https://checkout.test/session", nil
}

func (b *fakeBackend) CreatePortalSession(context.Context, string, string) (string, error) {
	return "https://portal.test", b.err
}

func (b *fakeBackend) WithToken(string) backend.Client { return b }

// fakeUsage records each task at most once, like the quota_events guard.
type fakeUsage struct {
	mu      sync.Mutex
	seen    map[string]bool
	used    int
	limit   int
	persist int
}

func newFakeUsage(limit int) *fakeUsage {
	return &fakeUsage{seen: map[string]bool{}, limit: limit}
}

func (u *fakeUsage) RecordCompletion(ctx context.Context, _, taskID string, _ model.JobKind, persist repository.PersistFunc) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen[taskID] {
		return false, nil
	}
	if err := persist(ctx, nil); err != nil {
		return false, err
	}
	u.seen[taskID] = true
	u.used++
	u.persist++
	return true, nil
}

func (u *fakeUsage) CheckQuota(context.Context, string) (*model.Subscription, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sub := model.Subscription{Plan: model.PlanTrial, EntriesUsed: u.used, EntriesLimit: u.limit}
	sub.Normalize()
	if sub.EntriesRemaining <= 0 && !sub.Unlimited() {
		return &sub, repository.ErrQuotaExceeded
	}
	return &sub, nil
}

type fakeEntries struct {
	mu      sync.Mutex
	entries map[string]*model.BibliographyEntry
}

func newFakeEntries(es ...model.BibliographyEntry) *fakeEntries {
	f := &fakeEntries{entries: map[string]*model.BibliographyEntry{}}
	for i := range es {
		e := es[i]
		f.entries[e.ID] = &e
	}
	return f
}

func (f *fakeEntries) CreateEntry(_ context.Context, _ repository.DBTX, e *model.BibliographyEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeEntries) GetEntry(_ context.Context, userID, id string) (*model.BibliographyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.UserID != userID {
		return nil, repository.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEntries) GetEntryByTaskID(_ context.Context, userID, taskID string) (*model.BibliographyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.UserID == userID && e.SourceTaskID == taskID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrEntryNotFound
}

func (f *fakeEntries) ListEntries(_ context.Context, userID string, _ int) ([]model.BibliographyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.BibliographyEntry{}
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEntries) SearchEntries(ctx context.Context, userID, term string, limit int) ([]model.BibliographyEntry, error) {
	all, _ := f.ListEntries(ctx, userID, limit)
	out := []model.BibliographyEntry{}
	for _, e := range all {
		if e.Matches(term) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEntries) GetEntriesByIDs(_ context.Context, userID string, ids []string) ([]model.BibliographyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.BibliographyEntry{}
	seen := map[string]bool{}
	for _, id := range ids {
		if e, ok := f.entries[id]; ok && e.UserID == userID && !seen[id] {
			seen[id] = true
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEntries) UpdateEntry(_ context.Context, e *model.BibliographyEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[e.ID]; !ok {
		return repository.ErrEntryNotFound
	}
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeEntries) DeleteEntry(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[id]; !ok || e.UserID != userID {
		return repository.ErrEntryNotFound
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeEntries) CountEntries(_ context.Context, userID string) (int, error) {
	all, _ := f.ListEntries(context.Background(), userID, 0)
	return len(all), nil
}

// quotaOnly satisfies SubscriptionService for services that only gate on quota.
// fakeHints is an in-memory pending subscription store without expiry.
type fakeHints struct {
	mu    sync.Mutex
	plans map[string]model.Plan
}

func newFakeHints() *fakeHints { return &fakeHints{plans: map[string]model.Plan{}} }

func (h *fakeHints) Put(_ context.Context, userID string, plan model.Plan) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plans[userID] = plan
	return nil
}

func (h *fakeHints) Get(_ context.Context, userID string) (*model.PendingSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	plan, ok := h.plans[userID]
	if !ok {
		return nil, nil
	}
	return &model.PendingSubscription{UserID: userID, PlanID: plan}, nil
}

func (h *fakeHints) Clear(_ context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.plans, userID)
	return nil
}

type quotaOnly struct {
	SubscriptionService
	usage repository.UsageRepository
}

func (q quotaOnly) CheckQuota(ctx context.Context, userID string) (*model.Subscription, error) {
	return q.usage.CheckQuota(ctx, userID)
}

type staticLoader struct{ user model.User }

func (l staticLoader) LoadUser(_ context.Context, id session.Identity) (*model.User, error) {
	u := l.user
	u.UserID = id.UserID
	return &u, nil
}

func newSession(t *testing.T, userID string) *session.Session {
	t.Helper()
	sess, err := session.New(context.Background(), session.Identity{UserID: userID, Email: userID + "@example.com", DisplayName: "Ada"},
		"token", staticLoader{user: model.User{Subscription: model.NewTrialSubscription()}})
	require.NoError(t, err)
	return sess
}

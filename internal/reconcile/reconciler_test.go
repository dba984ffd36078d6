package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"researchdesk/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	users  map[string]model.User
	writes []model.Subscription
}

func newMemStore(userID string, sub model.Subscription) *memStore {
	return &memStore{users: map[string]model.User{userID: {UserID: userID, Subscription: sub}}}
}

func (s *memStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &u, nil
}

func (s *memStore) UpdateSubscription(_ context.Context, userID string, sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.Normalize()
	u := s.users[userID]
	u.Subscription = sub
	s.users[userID] = u
	s.writes = append(s.writes, sub)
	return nil
}

type memHints struct {
	plans map[string]model.Plan
}

func (h *memHints) Put(_ context.Context, userID string, plan model.Plan) error {
	h.plans[userID] = plan
	return nil
}

func (h *memHints) Get(_ context.Context, userID string) (*model.PendingSubscription, error) {
	plan, ok := h.plans[userID]
	if !ok {
		return nil, nil
	}
	return &model.PendingSubscription{UserID: userID, PlanID: plan}, nil
}

func (h *memHints) Clear(_ context.Context, userID string) error {
	delete(h.plans, userID)
	return nil
}

// scriptedSource returns responses[i] on call i+1 and nil afterwards.
type scriptedSource struct {
	name      string
	responses map[int]*model.Subscription
	err       error
	calls     int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(context.Context, string) (*model.Subscription, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.responses[s.calls], nil
}

type recordingNotifier struct {
	notices []model.Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice model.Notice) {
	n.notices = append(n.notices, notice)
}

type countingRefresher struct{ calls int }

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls++
	return nil
}

type fixture struct {
	store     *memStore
	check     *scriptedSource
	force     *scriptedSource
	hints     *memHints
	notifier  *recordingNotifier
	refresher *countingRefresher
	sleeps    int
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore("u1", model.NewTrialSubscription()),
		check:     &scriptedSource{name: "check", responses: map[int]*model.Subscription{}},
		force:     &scriptedSource{name: "force", responses: map[int]*model.Subscription{}},
		hints:     &memHints{plans: map[string]model.Plan{}},
		notifier:  &recordingNotifier{},
		refresher: &countingRefresher{},
	}
	f.rec = New(Deps{
		Store:     f.store,
		Sources:   []Source{f.check, f.force},
		Hints:     f.hints,
		Notifier:  f.notifier,
		Refresher: f.refresher,
		Logger:    zerolog.Nop(),
	}, Config{MaxAttempts: 20, Interval: time.Millisecond})
	f.rec.sleep = func(context.Context, time.Duration) error {
		f.sleeps++
		return nil
	}
	return f
}

func researcher() *model.Subscription {
	return &model.Subscription{Plan: model.PlanResearcher, Status: "active", EntriesLimit: model.UnlimitedEntries}
}

func TestConvergesWhenBackendReportsPlanOnAttemptFive(t *testing.T) {
	f := newFixture(t)
	f.check.responses[5] = researcher()

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

	assert.True(t, res.Converged)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, f.check.calls, "no attempt 6")
	assert.Equal(t, 4, f.force.calls, "force sync only when the check found nothing")
	assert.Equal(t, 4, f.sleeps)
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, "Researcher plan is now active", f.notifier.notices[0].Message)
	assert.Equal(t, model.NoticeSuccess, f.notifier.notices[0].Level)
	assert.Equal(t, 1, f.refresher.calls)

	u, _ := f.store.GetUserByID(context.Background(), "u1")
	assert.True(t, u.Subscription.Unlimited())
}

func TestConvergenceAtEveryAttemptStopsCalls(t *testing.T) {
	for k := 1; k <= 20; k++ {
		f := newFixture(t)
		f.force.responses[k] = researcher()

		res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

		require.True(t, res.Converged, "k=%d", k)
		assert.Equal(t, k, res.Attempts)
		assert.Equal(t, k, f.check.calls)
		assert.Equal(t, k, f.force.calls)
		assert.False(t, res.Synthesized)
	}
}

func TestManualSynthesisOnFinalAttemptOnly(t *testing.T) {
	f := newFixture(t)
	start := time.Now()

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanStudent)

	assert.True(t, res.Synthesized)
	assert.True(t, res.Converged)
	assert.Equal(t, 20, res.Attempts)
	assert.Equal(t, 20, f.check.calls)
	assert.Equal(t, 20, f.force.calls)
	require.Len(t, f.store.writes, 1, "synthesis writes exactly once")

	sub := f.store.writes[0]
	assert.Equal(t, model.PlanStudent, sub.Plan)
	assert.Equal(t, 20, sub.EntriesLimit)
	assert.Equal(t, "active", string(sub.Status))
	assert.False(t, sub.IsLifetime)
	assert.WithinDuration(t, start.Add(30*24*time.Hour), sub.PeriodEnd.Time, time.Minute)
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, "Student plan is now active", f.notifier.notices[0].Message)
}

func TestSynthesisPreservesEntriesUsed(t *testing.T) {
	f := newFixture(t)
	trial := model.NewTrialSubscription()
	trial.EntriesUsed = 4
	f.store = newMemStore("u1", trial)
	f.rec.store = f.store

	f.rec.Reconcile(context.Background(), "u1", model.PlanStudent)

	require.Len(t, f.store.writes, 1)
	assert.Equal(t, 4, f.store.writes[0].EntriesUsed)
	assert.Equal(t, 16, f.store.writes[0].EntriesRemaining)
}

func TestPlanRecoveredFromHint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.hints.Put(context.Background(), "u1", model.PlanResearcher))

	res := f.rec.Reconcile(context.Background(), "u1", "")

	assert.True(t, res.Synthesized)
	require.Len(t, f.store.writes, 1)
	assert.Equal(t, model.PlanResearcher, f.store.writes[0].Plan)

	h, err := f.hints.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, h, "hint cleared after synthesis")
}

func TestNoPlanKnownExhaustsWithSingleNotice(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Reconcile(context.Background(), "u1", "")

	assert.False(t, res.Converged)
	assert.False(t, res.Synthesized)
	assert.Empty(t, f.store.writes)
	assert.Equal(t, 19, f.sleeps)
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, exhaustedMessage, f.notifier.notices[0].Message)
	assert.Zero(t, f.refresher.calls)
}

func TestAuthoritativeFoundButUnchangedDoesNotSynthesize(t *testing.T) {
	f := newFixture(t)
	student := model.Subscription{Plan: model.PlanStudent, Status: "active", EntriesLimit: 20}
	f.store = newMemStore("u1", student)
	f.rec.store = f.store
	f.check.responses[1] = &student

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

	assert.False(t, res.Converged)
	assert.False(t, res.Synthesized)
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, exhaustedMessage, f.notifier.notices[0].Message)
}

func TestSourceErrorsAreAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.check.err = errors.New("503 Service Unavailable")
	f.force.responses[3] = researcher()

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

	assert.True(t, res.Converged)
	assert.Equal(t, 3, res.Attempts)
}

func TestWebhookAlreadyLandedConvergesWithoutBackendCalls(t *testing.T) {
	f := newFixture(t)
	// The webhook lands between the baseline read and the first attempt.
	f.rec.store = &landingStore{memStore: f.store, after: 1, sub: *researcher()}

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, f.check.calls)
}

func TestAlreadyOnClaimedPlan(t *testing.T) {
	f := newFixture(t)
	f.store = newMemStore("u1", *researcher())
	f.rec.store = f.store

	res := f.rec.Reconcile(context.Background(), "u1", model.PlanResearcher)

	assert.True(t, res.Converged)
	assert.Zero(t, f.check.calls)
	require.Len(t, f.notifier.notices, 1)
	assert.Equal(t, "Researcher plan is now active", f.notifier.notices[0].Message)
}

func TestOverlappingSynthesisIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.rec.Reconcile(context.Background(), "u1", model.PlanStudent)
	first := f.store.writes[0]

	f.store.users["u1"] = model.User{UserID: "u1", Subscription: model.NewTrialSubscription()}
	f.rec.Reconcile(context.Background(), "u1", model.PlanStudent)
	second := f.store.writes[len(f.store.writes)-1]

	assert.Equal(t, first.Plan, second.Plan)
	assert.Equal(t, first.EntriesLimit, second.EntriesLimit)
	assert.Equal(t, first.EntriesRemaining, second.EntriesRemaining)
}

// landingStore swaps in sub once more than after reads have happened.
type landingStore struct {
	*memStore
	after int
	reads int
	sub   model.Subscription
}

func (s *landingStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	s.reads++
	if s.reads > s.after {
		s.memStore.mu.Lock()
		u := s.memStore.users[id]
		u.Subscription = s.sub
		s.memStore.users[id] = u
		s.memStore.mu.Unlock()
	}
	return s.memStore.GetUserByID(ctx, id)
}

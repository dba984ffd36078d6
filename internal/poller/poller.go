// Package poller turns a fire-and-forget backend job into a synchronous operation with
// progress feedback, a bounded wait and a single terminal outcome.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"researchdesk/internal/backend"
	"researchdesk/internal/model"
	"researchdesk/internal/pubsub"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrTimeout is returned when a job has not finished within the configured ceiling.
	ErrTimeout = errors.New("processing timeout")
	// ErrJobFailed is returned when the backend reports the job as failed.
	ErrJobFailed = errors.New("processing failed")
	// ErrStatusCheck wraps transport errors while polling.
	ErrStatusCheck = errors.New("status check failed")
	// ErrResult wraps failures while fetching or persisting the result.
	ErrResult = errors.New("result fetch failed")
)

// UserMessage returns the fixed message shown for a failed run.
func UserMessage(err error) string {
	var uerr *UploadError
	switch {
	case errors.As(err, &uerr):
		return uerr.Message
	case errors.Is(err, ErrTimeout):
		return "Processing timeout. Please try again."
	case errors.Is(err, ErrJobFailed):
		return "Processing failed. Please try again."
	case errors.Is(err, ErrStatusCheck):
		return "Failed to check processing status"
	case errors.Is(err, ErrResult):
		return "Failed to fetch result. Please try again."
	case errors.Is(err, context.Canceled):
		return "Processing was cancelled."
	}
	return "Something went wrong. Please try again."
}

// Backend is the part of the backend API used by the poller.
type Backend interface {
	Health(ctx context.Context) error
	Upload(ctx context.Context, req backend.UploadRequest) (string, error)
	Generate(ctx context.Context, req backend.GenerateRequest) (string, error)
	Status(ctx context.Context, taskID string) (*model.Job, error)
	Result(ctx context.Context, taskID string) (json.RawMessage, error)
	CleanupTask(ctx context.Context, taskID string) error
}

// Completer persists the result of a completed job and counts it against the user's
// quota. Implementations must make the pair atomic and idempotent per task id:
// counted is false when the task had already been recorded.
type Completer interface {
	Kind() model.JobKind
	Complete(ctx context.Context, userID, taskID string, result json.RawMessage) (value any, counted bool, err error)
}

// SubmitHook is implemented by completers that track a job from submission on.
type SubmitHook interface {
	Submitted(ctx context.Context, userID, taskID string) error
}

// ProgressHook is implemented by completers that mirror progress durably.
type ProgressHook interface {
	Progress(ctx context.Context, taskID string, status model.JobStatus, progress int)
}

// FailureHook is implemented by completers that record failed jobs.
type FailureHook interface {
	Failed(ctx context.Context, taskID, message string)
}

type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	MaxUploadBytes int64
	// RetryTransient keeps polling after a transport error instead of failing the run.
	RetryTransient bool
}

// Completion is the settled result of a task.
type Completion struct {
	TaskID  string
	Result  json.RawMessage
	Value   any
	Counted bool
}

// Outcome describes how a run ended.
type Outcome struct {
	TaskID     string
	State      State
	Step       int
	Progress   int
	Completion *Completion
}

type Poller struct {
	backend  Backend
	cfg      Config
	events   pubsub.EventSink
	validate *validator.Validate
	logger   zerolog.Logger

	group   singleflight.Group
	settled *settledCache
}

func New(b Backend, cfg Config, events pubsub.EventSink, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if events == nil {
		events = pubsub.NopSink{}
	}
	return &Poller{
		backend:  b,
		cfg:      cfg,
		events:   events,
		validate: validator.New(),
		logger:   logger.With().Str("service", "JobPoller").Logger(),
		settled:  newSettledCache(4096),
	}
}

// Submit validates the input locally, checks the backend is reachable, and uploads the
// document. Every failure is an *UploadError.
func (p *Poller) Submit(ctx context.Context, in Input) (string, error) {
	if err := p.validateInput(&in); err != nil {
		return "", err
	}
	if pages, ok := pageCount(in.Data); ok {
		p.logger.Debug().Str("file_name", in.FileName).Int("pages", pages).Msg("Document accepted")
	}

	if err := p.backend.Health(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Backend health check failed before upload")
		return "", &UploadError{
			Message: backend.UserMessage(err, "Unable to connect to our servers. Please check your internet connection and try again."),
			Err:     err,
		}
	}

	taskID, err := p.backend.Upload(ctx, backend.UploadRequest{
		FileName:      in.FileName,
		ContentType:   in.ContentType,
		Data:          in.Data,
		ResearchFocus: in.ResearchFocus,
	})
	if err != nil {
		return "", &UploadError{Message: backend.UserMessage(err, "Failed to upload file. Please try again."), Err: err}
	}
	return taskID, nil
}

// Poll reads the current status of a task once.
func (p *Poller) Poll(ctx context.Context, taskID string) (*model.Job, error) {
	job, err := p.backend.Status(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}
	return job, nil
}

// FetchResult fetches and settles the result of a completed task. Repeated and
// concurrent calls for the same task share one fetch and one quota increment.
func (p *Poller) FetchResult(ctx context.Context, userID, taskID string, c Completer) (*Completion, error) {
	key := userID + "/" + taskID
	if comp, ok := p.settled.get(key); ok {
		return comp, nil
	}
	v, err, _ := p.group.Do(key, func() (any, error) {
		if comp, ok := p.settled.get(key); ok {
			return comp, nil
		}
		raw, err := p.backend.Result(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResult, err)
		}
		value, counted, err := c.Complete(ctx, userID, taskID, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResult, err)
		}
		comp := &Completion{TaskID: taskID, Result: raw, Value: value, Counted: counted}
		p.settled.put(key, comp)
		if !counted {
			p.logger.Info().Str("user_id", userID).Str("task_id", taskID).Msg("Task already recorded; quota not incremented again")
		}
		return comp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Completion), nil
}

// Analyze submits a document and waits for its analysis.
func (p *Poller) Analyze(ctx context.Context, userID string, in Input, c Completer, obs Observer) (*Outcome, error) {
	submit := func(ctx context.Context) (string, error) { return p.Submit(ctx, in) }
	return p.run(ctx, userID, submit, c, obs)
}

// Generate starts a content generation job and waits for it.
func (p *Poller) Generate(ctx context.Context, userID string, req backend.GenerateRequest, c Completer, obs Observer) (*Outcome, error) {
	submit := func(ctx context.Context) (string, error) {
		req.UserID = userID
		taskID, err := p.backend.Generate(ctx, req)
		if err != nil {
			return "", &UploadError{Message: backend.UserMessage(err, "Failed to start generation. Please try again."), Err: err}
		}
		return taskID, nil
	}
	return p.run(ctx, userID, submit, c, obs)
}

func (p *Poller) run(ctx context.Context, userID string, submit func(context.Context) (string, error), c Completer, obs Observer) (*Outcome, error) {
	t := newTracker(obs)
	out := &Outcome{}
	finish := func(state State, err error) (*Outcome, error) {
		if terr := t.transition(state); terr != nil {
			p.logger.Error().Err(terr).Msg("Job state machine violated")
		}
		out.State, out.Step, out.Progress = t.state, t.step, t.progress
		if err != nil && out.TaskID != "" {
			if fh, ok := c.(FailureHook); ok {
				fh.Failed(context.WithoutCancel(ctx), out.TaskID, UserMessage(err))
			}
		}
		return out, err
	}

	_ = t.transition(StateSubmitting)
	taskID, err := submit(ctx)
	if err != nil {
		return finish(StateFailed, err)
	}
	out.TaskID = taskID
	lg := p.logger.With().Str("user_id", userID).Str("task_id", taskID).Logger()
	if sh, ok := c.(SubmitHook); ok {
		if err := sh.Submitted(ctx, userID, taskID); err != nil {
			lg.Error().Err(err).Msg("Failed to record submitted job")
			return finish(StateFailed, &UploadError{Message: "Failed to start processing. Please try again.", Err: err})
		}
	}
	_ = t.transition(StatePolling)
	lg.Info().Msg("Job submitted, polling for completion")

	state, err := p.wait(ctx, userID, taskID, c, t, out, lg)
	if state == StateSucceeded || errors.Is(err, ErrJobFailed) {
		p.cleanup(ctx, taskID, lg)
	}
	if state == StateSucceeded {
		p.emit(ctx, userID, taskID, c.Kind())
	}
	return finish(state, err)
}

// wait polls until a terminal status, the timeout, or cancellation. The timeout bounds
// the whole wait, including status checks and the result fetch in flight.
func (p *Poller) wait(parent context.Context, userID, taskID string, c Completer, t *tracker, out *Outcome, lg zerolog.Logger) (State, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// stopped reports why ctx ended: the caller cancelled, or the ceiling passed.
	stopped := func() (State, error) {
		if err := parent.Err(); err != nil {
			lg.Info().Err(err).Msg("Job run cancelled")
			return StateFailed, err
		}
		lg.Warn().Dur("timeout", p.cfg.Timeout).Msg("Job timed out")
		return StateTimedOut, ErrTimeout
	}

	ph, _ := c.(ProgressHook)
	for {
		select {
		case <-ctx.Done():
			return stopped()
		case <-ticker.C:
		}
		// A ready tick must not start a poll past the deadline.
		if ctx.Err() != nil {
			return stopped()
		}

		job, err := p.Poll(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return stopped()
			}
			if p.cfg.RetryTransient {
				lg.Warn().Err(err).Msg("Status check failed, retrying")
				continue
			}
			lg.Error().Err(err).Msg("Status check failed")
			return StateFailed, err
		}

		t.report(job.Progress)
		if ph != nil {
			ph.Progress(ctx, taskID, job.Status, job.Progress)
		}

		switch job.Status {
		case model.JobCompleted:
			comp, err := p.FetchResult(ctx, userID, taskID, c)
			if err != nil {
				if ctx.Err() != nil {
					return stopped()
				}
				lg.Error().Err(err).Msg("Failed to settle job result")
				return StateFailed, err
			}
			out.Completion = comp
			lg.Info().Bool("counted", comp.Counted).Msg("Job completed")
			return StateSucceeded, nil
		case model.JobError, model.JobFailed:
			lg.Warn().Str("backend_error", job.ErrorMessage).Msg("Backend reported job failure")
			return StateFailed, ErrJobFailed
		}
	}
}

func (p *Poller) cleanup(ctx context.Context, taskID string, lg zerolog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.backend.CleanupTask(cctx, taskID); err != nil {
		lg.Debug().Err(err).Msg("Task cleanup failed")
	}
}

func (p *Poller) emit(ctx context.Context, userID, taskID string, kind model.JobKind) {
	evType := pubsub.EventEntryCreated
	if kind == model.JobKindContent {
		evType = pubsub.EventContentCompleted
	}
	p.events.Emit(ctx, pubsub.Event{Type: evType, UserID: userID, TaskID: taskID})
}

// settledCache remembers settled tasks for the process lifetime, dropping the oldest
// half when full. The durable quota guard covers evicted entries.
type settledCache struct {
	mu    sync.Mutex
	max   int
	items map[string]settledItem
}

type settledItem struct {
	comp *Completion
	at   time.Time
}

func newSettledCache(capacity int) *settledCache {
	return &settledCache{max: capacity, items: make(map[string]settledItem)}
}

func (c *settledCache) get(key string) (*Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	return it.comp, ok
}

func (c *settledCache) put(key string, comp *Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.max {
		cutoff := c.oldestHalfCutoff()
		for k, it := range c.items {
			if !it.at.After(cutoff) {
				delete(c.items, k)
			}
		}
	}
	c.items[key] = settledItem{comp: comp, at: time.Now()}
}

func (c *settledCache) oldestHalfCutoff() time.Time {
	var oldest, newest time.Time
	for _, it := range c.items {
		if oldest.IsZero() || it.at.Before(oldest) {
			oldest = it.at
		}
		if it.at.After(newest) {
			newest = it.at
		}
	}
	return oldest.Add(newest.Sub(oldest) / 2)
}

// Package backend is the HTTP client for the external research API: document
// analysis, content generation and the subscription/billing endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"researchdesk/internal/model"

	"github.com/rs/zerolog"
)

// Client is the contract of the external backend API.
type Client interface {
	Health(ctx context.Context) error
	Upload(ctx context.Context, req UploadRequest) (string, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Status(ctx context.Context, taskID string) (*model.Job, error)
	Result(ctx context.Context, taskID string) (json.RawMessage, error)
	CleanupTask(ctx context.Context, taskID string) error

	CheckSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	ForceSyncSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error)

	// WithToken returns a client that authenticates as the holder of token.
	WithToken(token string) Client
}

// Options tunes per-call timeouts.
type Options struct {
	APITimeout    time.Duration
	UploadTimeout time.Duration
	HealthTimeout time.Duration
	HTTPClient    *http.Client
}

// UploadRequest is a document submitted for analysis.
type UploadRequest struct {
	FileName      string
	ContentType   string
	Data          []byte
	ResearchFocus string
}

// GenerateRequest starts a content generation job.
type GenerateRequest struct {
	UserID          string            `json:"user_id"`
	SourceIDs       []string          `json:"source_ids"`
	Outline         json.RawMessage   `json:"outline,omitempty"`
	Settings        json.RawMessage   `json:"settings,omitempty"`
	Tier            model.ContentTier `json:"tier"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
}

// CheckoutRequest starts a hosted checkout for a paid plan.
type CheckoutRequest struct {
	UserID     string     `json:"user_id"`
	PriceID    string     `json:"price_id"`
	PlanID     model.Plan `json:"plan_id"`
	SuccessURL string     `json:"success_url,omitempty"`
	CancelURL  string     `json:"cancel_url,omitempty"`
}

type httpClient struct {
	baseURL string
	token   string
	client  *http.Client
	opts    Options
	logger  zerolog.Logger
}

// NewClient returns a Client talking to baseURL.
func NewClient(baseURL string, opts Options, logger zerolog.Logger) Client {
	if opts.APITimeout <= 0 {
		opts.APITimeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Timeouts come from the per-call contexts.
		hc = &http.Client{}
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
		opts:    opts,
		logger:  logger.With().Str("service", "BackendClient").Logger(),
	}
}

func (c *httpClient) WithToken(token string) Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *httpClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()
	return c.doJSON(ctx, "health check", http.MethodGet, "/health", nil, nil)
}

func (c *httpClient) Upload(ctx context.Context, req UploadRequest) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	header.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating multipart file part: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return "", fmt.Errorf("writing multipart file part: %w", err)
	}
	if err := mw.WriteField("research_focus", req.ResearchFocus); err != nil {
		return "", fmt.Errorf("writing research focus field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/upload", &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(httpReq, "upload document", &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", &APIError{Op: "upload document", StatusCode: http.StatusOK, Message: "Invalid response from server - missing task ID"}
	}
	return resp.TaskID, nil
}

func (c *httpClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
		JobID  string `json:"job_id"`
	}
	if err := c.doJSON(ctx, "start generation", http.MethodPost, "/generate", req, &resp); err != nil {
		return "", err
	}
	id := resp.TaskID
	if id == "" {
		id = resp.JobID
	}
	if id == "" {
		return "", &APIError{Op: "start generation", StatusCode: http.StatusOK, Message: "Invalid response from server - missing job ID"}
	}
	return id, nil
}

func (c *httpClient) Status(ctx context.Context, taskID string) (*model.Job, error) {
	var job model.Job
	if err := c.doJSON(ctx, "get status", http.MethodGet, "/status/"+url.PathEscape(taskID), nil, &job); err != nil {
		return nil, err
	}
	job.TaskID = taskID
	return &job, nil
}

func (c *httpClient) Result(ctx context.Context, taskID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "get result", http.MethodGet, "/result/"+url.PathEscape(taskID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *httpClient) CleanupTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, "cleanup task", http.MethodDelete, "/task/"+url.PathEscape(taskID), nil, nil)
}

type subscriptionEnvelope struct {
	Subscription *model.Subscription `json:"subscription"`
}

func (c *httpClient) CheckSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	var env subscriptionEnvelope
	if err := c.doJSON(ctx, "check subscription", http.MethodGet, "/check-subscription/"+url.PathEscape(userID), nil, &env); err != nil {
		return nil, err
	}
	return env.Subscription, nil
}

func (c *httpClient) ForceSyncSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	var env subscriptionEnvelope
	if err := c.doJSON(ctx, "force sync subscription", http.MethodPost, "/force-sync-subscription/"+url.PathEscape(userID), nil, &env); err != nil {
		return nil, err
	}
	return env.Subscription, nil
}

func (c *httpClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	var resp struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := c.doJSON(ctx, "create checkout session", http.MethodPost, "/create-checkout-session", req, &resp); err != nil {
		return "", err
	}
	if resp.CheckoutURL == "" {
		return "", &APIError{Op: "create checkout session", StatusCode: http.StatusOK, Message: "Invalid response from server - missing checkout URL"}
	}
	return resp.CheckoutURL, nil
}

func (c *httpClient) CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	reqBody := map[string]string{"user_id": userID, "return_url": returnURL}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, "create portal session", http.MethodPost, "/create-portal-session", reqBody, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &APIError{Op: "create portal session", StatusCode: http.StatusOK, Message: "Invalid response from server - missing portal URL"}
	}
	return resp.URL, nil
}

// doJSON sends an optional JSON body and decodes the JSON response into out.
func (c *httpClient) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.APITimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *httpClient) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("op", op).Msg("Backend request failed")
		return &APIError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			c.logger.Warn().Err(readErr).Int("status_code", resp.StatusCode).Msg("Failed to read error body from backend")
			return &APIError{Op: op, StatusCode: resp.StatusCode}
		}
		msg := serverMessage(bodyBytes)
		c.logger.Error().
			Str("op", op).
			Int("status_code", resp.StatusCode).
			Str("error_body", msg).
			Msg("Backend returned error")
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	c.logger.Debug().Str("op", op).Dur("duration", time.Since(start)).Msg("Backend request succeeded")
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

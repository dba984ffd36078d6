package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/model"
	"researchdesk/internal/reconcile"
	"researchdesk/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// SubscriptionHandler handles subscription-related endpoints.
type SubscriptionHandler struct {
	billingSvc service.BillingService
	subSvc     service.SubscriptionService
	validate   *validator.Validate
	logger     zerolog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(billingSvc service.BillingService, subSvc service.SubscriptionService, v *validator.Validate, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{billingSvc: billingSvc, subSvc: subSvc, validate: v, logger: logger}
}

// RegisterRoutes registers the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("/subscription/checkout", authMiddleware(http.HandlerFunc(h.Checkout)))
	mux.Handle("/subscription/portal", authMiddleware(http.HandlerFunc(h.Portal)))
	mux.Handle("/subscription/refresh", authMiddleware(http.HandlerFunc(h.Refresh)))
	mux.HandleFunc("/subscription/plans", h.Plans)
}

// decodeOptional decodes a JSON body, accepting an empty one.
func decodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Checkout godoc
// @Summary Initiate a Stripe Checkout session for plan upgrade
// @Description Records the plan being purchased, then creates a Checkout session and returns its URL.
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param subscription body dto.SubscriptionCheckoutRequest true "Subscription checkout request"
// @Success 200 {object} dto.URLResponse "URL of the Stripe Checkout session"
// @Failure 400 {string} string "invalid request payload"
// @Failure 401 {string} string "unauthorized"
// @Failure 502 {string} string "failed to create checkout session"
// @Router /subscription/checkout [post]
func (h *SubscriptionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.SubscriptionCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	url, err := h.billingSvc.CreateCheckoutSession(r.Context(), sess, model.Plan(req.Plan), req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponse{URL: url}, h.logger)
}

// Portal godoc
// @Summary Create a Stripe Customer Portal session
// @Description Generates a Stripe Customer Portal session URL for the authenticated user.
// @Tags subscriptions
// @Produce json
// @Success 200 {object} dto.URLResponse "URL of the Customer Portal session"
// @Failure 401 {string} string "unauthorized"
// @Failure 502 {string} string "failed to create portal session"
// @Router /subscription/portal [post]
func (h *SubscriptionHandler) Portal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.SubscriptionPortalRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	url, err := h.billingSvc.CreatePortalSession(r.Context(), sess, req.ReturnURL)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponse{URL: url}, h.logger)
}

// Refresh godoc
// @Summary Reconcile the subscription after a checkout
// @Description Polls the payment backend until the new plan is visible, falling back to the plan recorded at checkout. Always responds 200; the notice says whether the upgrade was confirmed.
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param request body dto.SubscriptionRefreshRequest false "Plan just purchased"
// @Success 200 {object} dto.SubscriptionRefreshResponse
// @Router /subscription/refresh [post]
func (h *SubscriptionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dto.SubscriptionRefreshRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	// Notices belong to this request only; concurrent refreshes never see each other's.
	var notices reconcile.Collector
	res := h.subSvc.Reconcile(r.Context(), sess, model.Plan(req.Plan), &notices)
	resp := dto.SubscriptionRefreshResponse{
		Converged:    res.Converged,
		Synthesized:  res.Synthesized,
		Attempts:     res.Attempts,
		Subscription: dto.NewSubscriptionDTO(sess.Subscription()),
	}
	if res.Subscription != nil {
		resp.Subscription = dto.NewSubscriptionDTO(*res.Subscription)
	}
	if n, ok := notices.Last(); ok {
		resp.Notice = &n
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// Plans lists the plan catalog. It needs no authentication.
func (h *SubscriptionHandler) Plans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.subSvc.Plans(), h.logger)
}

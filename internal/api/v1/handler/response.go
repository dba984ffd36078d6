package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"researchdesk/internal/backend"
	"researchdesk/internal/poller"
	"researchdesk/internal/service"
	"researchdesk/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

// sessionFrom returns the session attached by the auth middleware.
func sessionFrom(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: session not found in context", http.StatusUnauthorized)
		return nil, false
	}
	return sess, true
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// errorStatus maps service errors to a status code and a message safe to show.
func errorStatus(err error) (int, string) {
	var (
		uerr   *poller.UploadError
		apiErr *backend.APIError
		verrs  validator.ValidationErrors
	)
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "You have reached your plan limit. Please upgrade your plan."
	case errors.Is(err, service.ErrPaymentNotCompleted):
		return http.StatusPaymentRequired, "Payment not completed. Please finish payment and try again."
	case errors.Is(err, service.ErrPaymentNotOwned):
		return http.StatusForbidden, "Unauthorized - payment belongs to a different user"
	case errors.As(err, &verrs):
		return http.StatusBadRequest, "Validation failed: " + err.Error()
	case errors.As(err, &uerr):
		if errors.Is(err, poller.ErrInvalidInput) {
			return http.StatusBadRequest, uerr.Message
		}
		return http.StatusBadGateway, uerr.Message
	case errors.Is(err, poller.ErrTimeout):
		return http.StatusGatewayTimeout, poller.UserMessage(err)
	case errors.Is(err, poller.ErrJobFailed), errors.Is(err, poller.ErrStatusCheck), errors.Is(err, poller.ErrResult):
		return http.StatusBadGateway, poller.UserMessage(err)
	case errors.Is(err, service.ErrEntryNotFound), errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrUnknownPlan), errors.Is(err, service.ErrPlanNotPurchasable), errors.Is(err, service.ErrNoSources):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrStorageDisabled):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable, backend.UserMessage(err, "Service unavailable")
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, apiErr.UserMessage()
	}
	return http.StatusInternalServerError, "Something went wrong. Please try again."
}

func writeError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status_code", status).Msg("request failed")
	}
	http.Error(w, msg, status)
}

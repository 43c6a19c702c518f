package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/turno/internal/account"
	"github.com/VenkatGGG/turno/internal/campaign"
	"github.com/VenkatGGG/turno/internal/mission"
	"github.com/VenkatGGG/turno/internal/setting"
	"github.com/VenkatGGG/turno/internal/submission"
	"github.com/VenkatGGG/turno/pkg/httpx"
)

type claimedResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	ResetAt   time.Time `json:"reset_at"`
	Remaining string    `json:"remaining"`
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var claimed *campaign.ClaimedError
	switch {
	case errors.As(err, &claimed):
		body := claimedResponse{
			Code:    "already_claimed",
			Message: err.Error(),
			ResetAt: claimed.ResetAt,
		}
		if !claimed.ResetAt.IsZero() {
			body.Remaining = formatUntil(claimed.ResetAt, s.claims.Clock().Now())
		}
		httpx.WriteJSON(w, http.StatusConflict, body)
	case errors.Is(err, campaign.ErrMaintenance):
		httpx.WriteError(w, http.StatusServiceUnavailable, "maintenance", err.Error())
	case errors.Is(err, campaign.ErrPlatformDisabled):
		httpx.WriteError(w, http.StatusBadRequest, "platform_disabled", err.Error())
	case errors.Is(err, campaign.ErrUnknownOffer):
		httpx.WriteError(w, http.StatusBadRequest, "unknown_offer", err.Error())
	case errors.Is(err, campaign.ErrNotReady):
		httpx.WriteError(w, http.StatusBadRequest, "not_ready", err.Error())
	case errors.Is(err, account.ErrExists):
		httpx.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, campaign.ErrInvalidInput),
		errors.Is(err, mission.ErrInvalid),
		errors.Is(err, submission.ErrInvalid),
		errors.Is(err, account.ErrInvalid),
		errors.Is(err, setting.ErrInvalid):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, mission.ErrNotFound),
		errors.Is(err, submission.ErrNotFound),
		errors.Is(err, account.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mission.ErrUnavailable),
		errors.Is(err, submission.ErrUnavailable),
		errors.Is(err, account.ErrUnavailable),
		errors.Is(err, setting.ErrUnavailable):
		s.logger.Error("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "data store is unavailable, try again later")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
